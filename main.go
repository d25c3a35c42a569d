// Command keeper is the process bootstrap: it wires the data directory,
// logging, the durable journal, the operational store, settings, the event
// bus, the download engine, the manager, and the loopback control server,
// then runs the startup reconciliation pass and blocks until a termination
// signal is received.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lkaranl/keeper/internal/audit"
	"github.com/lkaranl/keeper/internal/config"
	"github.com/lkaranl/keeper/internal/control"
	"github.com/lkaranl/keeper/internal/engine"
	"github.com/lkaranl/keeper/internal/events"
	"github.com/lkaranl/keeper/internal/journal"
	"github.com/lkaranl/keeper/internal/logging"
	"github.com/lkaranl/keeper/internal/manager"
	"github.com/lkaranl/keeper/internal/opstore"
	"github.com/lkaranl/keeper/internal/pathstore"
)

const controlServerPort = 8765

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	paths, err := pathstore.New()
	if err != nil {
		return err
	}

	logFile := logging.NewRotatingFile(paths.LogPathForDate, nil)
	if err := logFile.Open(); err != nil {
		return err
	}
	defer logFile.Close()

	bus := events.New()
	logger := logging.New(os.Stdout, logFile, bus)
	slog.SetDefault(logger)

	j, err := journal.New(paths.JournalPath(), paths.JournalTmpPath(), paths.ConfigPath(), paths.ConfigTmpPath())
	if err != nil {
		return err
	}

	store, err := opstore.Open(paths.OperationalDBPath())
	if err != nil {
		return err
	}
	cfg := config.New(store)

	auditLog, err := audit.Open(paths.AuditLogPath(), 500)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	eng := engine.New(bus)
	if cap := cfg.GetBandwidthCapBps(); cap > 0 {
		eng.Bandwidth.SetLimit(cap)
	}

	downloadDir := j.Config().DownloadDirectory
	if downloadDir == "" {
		downloadDir, err = os.UserHomeDir()
		if err != nil {
			return err
		}
	}

	mgr := manager.New(j, bus, eng, logger, downloadDir, cfg, store)
	mgr.Reconcile()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	server := control.New(mgr, cfg, auditLog, store)
	if err := server.Start(ctx, controlServerPort); err != nil {
		logger.Warn("control server failed to start", "error", err)
	}

	logger.Info("keeper started", "data_dir", paths.DataDir())
	<-ctx.Done()
	logger.Info("keeper shutting down")
	return nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
