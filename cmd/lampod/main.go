// lampod is the daemon binary: it loads configuration, wires every
// subsystem package into a running node, and blocks until asked to shut
// down, mirroring the teacher's own lnd.go/lndMain split (a "real" main
// wrapped so top-level defers still run on a graceful exit).
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/wire"
	flags "github.com/jessevdk/go-flags"

	"github.com/lampo-project/lampo/chainntfs"
	"github.com/lampo-project/lampo/handler"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwire"
	"github.com/lampo-project/lampo/persist"
)

var shutdownChannel = make(chan struct{})

// lampodMain is the true entry point. Kept separate from main so deferred
// cleanup still runs on a graceful shutdown rather than being skipped by
// an os.Exit in main.
func lampodMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	useLoggers()
	if err := initLogRotator(
		cfg.LogDir+string(os.PathSeparator)+defaultLogFilename,
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	); err != nil {
		return err
	}
	setLogLevels(cfg.DebugLevel)
	defer backendLog.Flush()

	ltndLog.Infof("lampod starting, network=%s", cfg.Network)

	if cfg.Profile != "" {
		go func() {
			listenAddr := net.JoinHostPort("", cfg.Profile)
			ltndLog.Infof("profiling server listening on %s", listenAddr)
			fmt.Println(http.ListenAndServe(listenAddr, nil))
		}()
	}

	store := persist.NewFSStore(cfg.DataDir)
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize data dir: %w", err)
	}
	syncAdapter := persist.NewSyncAdapter(store)
	defer syncAdapter.Shutdown()

	seed, firstRun, err := loadOrGenerateSeed(cfg.WalletSeed)
	if err != nil {
		return fmt.Errorf("load wallet seed: %w", err)
	}
	if firstRun {
		fmt.Printf("wallet seed (display once, then pass --walletseed=%x on every "+
			"future run): %x\n", seed, seed)
	}

	now := time.Now()
	keyMgr, err := keychain.NewKeyManager(
		seed, uint64(now.Unix()), uint32(now.Nanosecond()), cfg.chainParams,
	)
	if err != nil {
		return fmt.Errorf("build key manager: %w", err)
	}

	rpcClient := chainntfs.NewHTTPClient(cfg.RPCHost, cfg.RPCUser, cfg.RPCPass)

	var connectPeers []*lnwire.NetAddress
	for _, target := range cfg.ConnectPeers {
		addr, perr := parseConnectPeer(target, cfg.chainParams.Net)
		if perr != nil {
			ltndLog.Warnf("skipping --connect target %q: %v", target, perr)
			continue
		}
		connectPeers = append(connectPeers, addr)
	}

	h, err := handler.New(handler.Config{
		KeyManager:        keyMgr,
		Store:             syncAdapter,
		RPCClient:         rpcClient,
		NetParams:         cfg.chainParams,
		Network:           cfg.Network,
		ListenAddrs:       cfg.ListenAddrs,
		ConnectPeers:      connectPeers,
		DefaultCSVDelay:   144,
		MaxAcceptedHTLCs:  483,
		DustLimitSat:      546,
		ChannelReserveSat: 1000,
		HTLCMinimumMsat:   lnwire.MilliSatoshi(1000),
		FeePerKW:          2500,
		MinFundingDepth:   3,
		OnFatal: func(err error) {
			ltndLog.Errorf("chain reconciler aborting: %v", err)
			close(shutdownChannel)
		},
	})
	if err != nil {
		return fmt.Errorf("wire node components: %w", err)
	}
	if err := h.Start(context.Background()); err != nil {
		return fmt.Errorf("start node components: %w", err)
	}
	defer h.Stop()

	addInterruptHandler()

	ltndLog.Info("lampod ready")
	<-shutdownChannel
	ltndLog.Info("shutdown complete")
	return nil
}

// loadOrGenerateSeed decodes an operator-supplied hex seed from a prior
// run, or generates a fresh one on first run.
func loadOrGenerateSeed(hexSeed string) (seed []byte, firstRun bool, err error) {
	if hexSeed == "" {
		seed, err = hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)
		if err != nil {
			return nil, false, err
		}
		return seed, true, nil
	}
	seed, err = hex.DecodeString(hexSeed)
	if err != nil {
		return nil, false, fmt.Errorf("malformed --walletseed: %w", err)
	}
	if len(seed) != 32 {
		return nil, false, fmt.Errorf("--walletseed must decode to 32 bytes, got %d", len(seed))
	}
	return seed, false, nil
}

// parseConnectPeer splits a "pubkey@host:port" --connect target into the
// lnwire.NetAddress peer.Manager.Dial expects.
func parseConnectPeer(target string, chainNet wire.BitcoinNet) (*lnwire.NetAddress, error) {
	parts := strings.SplitN(target, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("expected pubkey@host:port")
	}

	pubKeyBytes, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("malformed pubkey: %w", err)
	}
	pubKey, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse pubkey: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", parts[1])
	if err != nil {
		return nil, fmt.Errorf("resolve address: %w", err)
	}

	return &lnwire.NetAddress{IdentityKey: pubKey, Address: addr, ChainNet: chainNet}, nil
}

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := lampodMain(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// addInterruptHandler closes shutdownChannel on the first SIGINT/SIGTERM,
// and forces an immediate exit on a second one, the same one-graceful-
// attempt-then-force pattern common across the daemon-shaped example
// repos' entry points.
func addInterruptHandler() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		ltndLog.Info("received interrupt, shutting down")
		select {
		case <-shutdownChannel:
		default:
			close(shutdownChannel)
		}
		<-sigChan
		os.Exit(1)
	}()
}
