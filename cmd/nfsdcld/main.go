// Package main is a minimal daemon-shell wiring for the nfsdcld
// recovery core. It loads configuration, opens the database, brings
// the schema up to date, and waits for a termination signal.
//
// The upcall transport from the in-kernel NFS server, the event-loop
// that dispatches upcalls onto Core's methods, and the v4-clients
// /proc inotify watcher are not implemented here — a production daemon
// shell owns those and calls into internal/recovery.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/anthropics/nfsdcld-core/internal/config"
	"github.com/anthropics/nfsdcld-core/internal/recovery"
)

func main() {
	configPath := flag.String("config", "", "path to configuration JSON file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("nfsdcld-core (dev)")
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("NFSDCLD_CONFIG")
	}
	if path == "" {
		fatal("no config found. Use --config <path> or set NFSDCLD_CONFIG.")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fatal(fmt.Sprintf("load config: %v", err))
	}

	logger := newLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	core, err := recovery.Open(ctx, cfg.StorageDir, cfg.BusyTimeoutMS, cfg.MaxSQLLen, logger)
	if err != nil {
		fatal(fmt.Sprintf("open recovery core: %v", err))
	}
	defer core.Close()

	state := core.State()
	logger.Info("nfsdcld core ready", "storage_dir", cfg.StorageDir,
		"current_epoch", state.Current, "recovery_epoch", state.Recovery)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("shutting down")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func fatal(msg string) {
	fmt.Fprintf(os.Stderr, "ERROR: %s\n", msg)
	os.Exit(1)
}
