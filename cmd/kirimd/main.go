package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirim-labs/kirim/internal/config"
	"github.com/kirim-labs/kirim/internal/daemon"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kirimd %s (%s)\n", version, commit)
		os.Exit(0)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Local .env is optional; absence is not an error.
	_ = godotenv.Load()

	cp := *configPath
	if cp == "" {
		cp = os.Getenv("KIRIM_CONFIG_PATH")
	}
	cfg, err := config.Load(cp)
	if err != nil {
		slog.Error("failed to load config", "path", cp, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build daemon", "error", err)
		os.Exit(1)
	}
	defer d.Close()

	slog.Info("kirimd starting",
		"version", version,
		"addr", cfg.HTTPAddr,
		"state", cfg.StatePath,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}

	slog.Info("kirimd stopped")
}
