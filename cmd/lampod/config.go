package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "lampod.conf"
	defaultDataDirname    = "data"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "lampod.log"
	defaultLogLevel       = "info"
	defaultMaxLogFileSize = 10
	defaultMaxLogFiles    = 3
	defaultRPCPort        = "8332"
	defaultPeerPort       = "9735"
)

var defaultLampoDir = filepath.Join(appDataDir(), "lampod")

// config mirrors the teacher's own flat, go-flags-tagged config struct
// (lnd.go's loadConfig), trimmed to the subset of knobs this rewrite's
// subsystems actually consume: a bitcoind RPC endpoint, listen/connect
// peer addresses, and the usual data dir/log plumbing.
type config struct {
	LampoDir string `long:"lampodir" description:"The base directory used to store lampod's data"`
	DataDir  string `long:"datadir" description:"Directory to store the node's persisted state"`
	LogDir   string `long:"logdir" description:"Directory to log output"`

	DebugLevel string `long:"debuglevel" description:"Logging level for all subsystems"`

	Network string `long:"network" description:"Bitcoin network to use {mainnet, testnet, regtest}"`

	RPCHost string `long:"rpchost" description:"Bitcoind RPC host:port"`
	RPCUser string `long:"rpcuser" description:"Bitcoind RPC username"`
	RPCPass string `long:"rpcpass" description:"Bitcoind RPC password"`

	ListenAddrs []string `long:"listen" description:"Add an address to listen for peer connections"`
	ExternalIP  string   `long:"externalip" description:"Address advertised to peers for inbound connections"`

	ConnectPeers []string `long:"connect" description:"pubkey@host:port of a peer to connect to at startup"`

	WalletSeed string `long:"walletseed" description:"Hex-encoded 32-byte wallet seed from a prior run's one-time seed display; omitted on first run, in which case a fresh seed is generated and printed once"`

	MaxLogFileSize int `long:"maxlogfilesize" description:"Maximum log file size in MB"`
	MaxLogFiles    int `long:"maxlogfiles" description:"Maximum number of log files to keep"`

	Profile string `long:"profile" description:"Enable HTTP profiling on the given port"`

	chainParams *chaincfg.Params
}

func defaultConfig() config {
	return config{
		LampoDir:       defaultLampoDir,
		DataDir:        filepath.Join(defaultLampoDir, defaultDataDirname),
		LogDir:         filepath.Join(defaultLampoDir, defaultLogDirname),
		DebugLevel:     defaultLogLevel,
		Network:        "mainnet",
		RPCHost:        "localhost:" + defaultRPCPort,
		ListenAddrs:    []string{"0.0.0.0:" + defaultPeerPort},
		MaxLogFileSize: defaultMaxLogFileSize,
		MaxLogFiles:    defaultMaxLogFiles,
	}
}

// loadConfig parses command-line flags over the defaults and validates the
// result, the same two-step loadConfig does in the teacher: a pre-parse to
// learn lampodir (so its config file can be found), then the config file,
// then command-line flags again so they take precedence over the file.
func loadConfig() (*config, error) {
	cfg := defaultConfig()
	preCfg := cfg

	if _, err := flags.NewParser(&preCfg, flags.Default).Parse(); err != nil {
		var flagErr *flags.Error
		if ok := asFlagsError(err, &flagErr); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}
	if preCfg.LampoDir != defaultLampoDir {
		cfg.LampoDir = preCfg.LampoDir
	}

	configFile := filepath.Join(cfg.LampoDir, defaultConfigFilename)
	if err := flags.NewIniParser(flags.NewParser(&cfg, flags.Default)).ParseFile(configFile); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		var flagErr *flags.Error
		if ok := asFlagsError(err, &flagErr); ok && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	switch cfg.Network {
	case "mainnet":
		cfg.chainParams = &chaincfg.MainNetParams
	case "testnet":
		cfg.chainParams = &chaincfg.TestNet3Params
	case "regtest":
		cfg.chainParams = &chaincfg.RegressionNetParams
	default:
		return nil, fmt.Errorf("unknown network %q", cfg.Network)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return &cfg, nil
}

func asFlagsError(err error, target **flags.Error) bool {
	fe, ok := err.(*flags.Error)
	if ok {
		*target = fe
	}
	return ok
}

// appDataDir returns the OS-appropriate default application data
// directory, matching the teacher's own btcutil.AppDataDir convention.
func appDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, ".lampod")
}
