package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/informer/internal/config"
	"github.com/nkkko/informer/internal/engine"
	"github.com/nkkko/informer/internal/logging"
	"github.com/nkkko/informer/internal/telemetry"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "informer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags, fs, err := config.ParseFlags("informer", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.Help {
		fmt.Fprintf(os.Stderr, "Usage: informer [flags]\n\n%s", fs.FlagUsages())
		return nil
	}

	cfg, err := config.LoadConfig(flags)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry is optional; run without it when the collector is unreachable
	telShutdown, err := telemetry.Setup(ctx, cfg.ToTelemetryConfig())
	if err != nil {
		log.Warn().Err(err).Msg("Failed to set up telemetry, continuing without it")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := telShutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shut down telemetry")
			}
		}()
	}

	e, err := engine.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	if flags.Reset {
		defer e.Shutdown(context.Background())
		if err := e.Reset(ctx); err != nil {
			return fmt.Errorf("reset failed: %w", err)
		}
		log.Info().Msg("Reset complete")
		return nil
	}

	log.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.Server.Addr).
		Str("storage", cfg.Storage.Type).
		Msg("Starting informer")

	runErr := e.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during shutdown")
	}
	return runErr
}
