// Command riskgate is the entry point for the risk-gated execution and
// settlement pipeline. It loads configuration, validates it, sets up signal
// handling, and runs the application in the configured mode.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alanyoungcy/riskgate/internal/app"
	"github.com/alanyoungcy/riskgate/internal/config"
	"github.com/alanyoungcy/riskgate/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	mode := flag.String("mode", "", "override the configured mode (execute, plan, reconcile, serve)")
	snapshot := flag.String("snapshot", "", "wallet snapshot file for plan and reconcile modes")
	encryptOut := flag.String("encrypt-key", "", "encrypt RISKGATE_LIVE_PRIVATE_KEY with RISKGATE_LIVE_KEY_PASSWORD into this file and exit")
	flag.Parse()

	if *encryptOut != "" {
		if err := writeEncryptedKey(*encryptOut); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-key: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "encrypted key written to %s\n", *encryptOut)
		return
	}

	// Reports go to stdout, so logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if *mode != "" {
		cfg.Mode = *mode
	}

	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("riskgate starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)
	logger.Debug("effective configuration", slog.Any("config", config.RedactedConfig(cfg)))

	var opts []app.Option
	if *snapshot != "" {
		opts = append(opts, app.WithSnapshotFile(*snapshot))
	}
	application := app.New(cfg, logger, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			logger.Info("application shut down gracefully")
		case errors.Is(err, app.ErrReconcileMismatch):
			logger.Error("reconcile found mismatches", slog.String("error", err.Error()))
			os.Exit(2)
		default:
			logger.Error("application exited with error",
				slog.String("error", err.Error()),
			)
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	}

	logger.Info("riskgate stopped")
}

func writeEncryptedKey(path string) error {
	blob, err := crypto.EncryptKey(os.Getenv("RISKGATE_LIVE_PRIVATE_KEY"), os.Getenv("RISKGATE_LIVE_KEY_PASSWORD"))
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}
