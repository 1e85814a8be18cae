package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/lampo-project/lampo/chainreconciler"
	"github.com/lampo-project/lampo/channeldb"
	"github.com/lampo-project/lampo/channelmanager"
	"github.com/lampo-project/lampo/contractcourt"
	"github.com/lampo-project/lampo/handler"
	"github.com/lampo-project/lampo/htlcswitch"
	"github.com/lampo-project/lampo/keychain"
	"github.com/lampo-project/lampo/lnwallet"
	"github.com/lampo-project/lampo/peer"
	"github.com/lampo-project/lampo/persist"
)

// logWriter tees every write to stdout and to the rotating log file, exactly
// as the teacher's own backendLog plumbing does -- a running node without a
// terminal attached still needs its log file, and an operator watching the
// terminal shouldn't have to tail the file to see it live.
type logWriter struct {
	rotatorPipe *io.PipeWriter
}

func (w *logWriter) Write(p []byte) (int, error) {
	os.Stdout.Write(p)
	if w.rotatorPipe != nil {
		return w.rotatorPipe.Write(p)
	}
	return len(p), nil
}

var (
	lw = &logWriter{}

	backendLog = btclog.NewBackend(lw)

	logRotator *rotator.Rotator

	ltndLog = backendLog.Logger("LTND")
	chdbLog = backendLog.Logger("CHDB")
	kchnLog = backendLog.Logger("KCHN")
	lnwlLog = backendLog.Logger("LNWL")
	cntcLog = backendLog.Logger("CNTC")
	ntfnLog = backendLog.Logger("NTFN")
	rcncLog = backendLog.Logger("RCNC")
	hswcLog = backendLog.Logger("HSWC")
	chmgLog = backendLog.Logger("CHMG")
	peerLog = backendLog.Logger("PEER")
	hdlrLog = backendLog.Logger("HDLR")
)

// subsystemLoggers maps every subsystem tag to its logger, so
// setLogLevel(s) can find and adjust it by name from the --debuglevel flag.
var subsystemLoggers = map[string]btclog.Logger{
	"LTND": ltndLog,
	"CHDB": chdbLog,
	"KCHN": kchnLog,
	"LNWL": lnwlLog,
	"CNTC": cntcLog,
	"NTFN": ntfnLog,
	"RCNC": rcncLog,
	"HSWC": hswcLog,
	"CHMG": chmgLog,
	"PEER": peerLog,
	"HDLR": hdlrLog,
}

// useLoggers wires each subsystem package's UseLogger hook to its logger;
// eventbus's hook is not wired, so it keeps its disabled logger. Called once, after flags are parsed but before any subsystem is
// constructed.
func useLoggers() {
	channeldb.UseLogger(chdbLog)
	keychain.UseLogger(kchnLog)
	lnwallet.UseLogger(lnwlLog)
	contractcourt.UseLogger(cntcLog)
	chainreconciler.UseLogger(rcncLog)
	htlcswitch.UseLogger(hswcLog)
	channelmanager.UseLogger(chmgLog)
	peer.UseLogger(peerLog)
	persist.UseLogger(chdbLog)
	handler.UseLogger(hdlrLog)
}

// initLogRotator initializes the rotating log file at logFile, creating its
// parent directory if necessary. Must be called before any subsystem logger
// is used for its output to reach the file.
func initLogRotator(logFile string, maxLogFileSize, maxLogFiles int) error {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	r, err := rotator.New(logFile, int64(maxLogFileSize*1024), false, maxLogFiles)
	if err != nil {
		return fmt.Errorf("create log rotator: %w", err)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	lw.rotatorPipe = pw
	logRotator = r
	return nil
}

// setLogLevel sets the logging level for one subsystem tag. Unknown
// subsystems are ignored, matching the teacher's own --debuglevel handling.
func setLogLevel(subsystemID, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels applies logLevel to every known subsystem.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
