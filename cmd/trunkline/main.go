// Command trunkline is the main entry point for the Trunkline voice agent
// orchestrator.
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
	"time"

	"github.com/joho/godotenv"

	"github.com/routatel/trunkline/internal/app"
	"github.com/routatel/trunkline/internal/config"
	"github.com/routatel/trunkline/internal/observe"
)

// version is stamped via -ldflags at release build time.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables alone suffice)")
	envFile := flag.String("env-file", "", "path to a .env file loaded before reading configuration")
	flag.Parse()

	// ── Environment file ───────────────────────────────────────────────────────
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "trunkline: load %q: %v\n", *envFile, err)
			return 1
		}
	} else {
		// Best effort: a ./.env is convenient in development, absent in prod.
		_ = godotenv.Load()
	}

	// ── Load configuration ─────────────────────────────────────────────────────
	// With a file, a poller keeps the log level hot-reloadable; without one,
	// defaults plus environment variables are the whole config.
	level := new(slog.LevelVar)

	var cfg *config.Config
	if *configPath != "" {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			applyConfigChange(level, config.Diff(old, new))
		})
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(os.Stderr, "trunkline: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
			} else {
				fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
			}
			return 1
		}
		defer watcher.Stop()
		cfg = watcher.Current()
	} else {
		var err error
		cfg, err = config.FromEnv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "trunkline: %v\n", err)
			return 1
		}
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("trunkline starting",
		"version", version,
		"listen_addr", cfg.Server.ListenAddr,
		"public_host", cfg.Server.PublicHost,
		"log_level", cfg.Server.LogLevel,
		"call_provider", cfg.Providers.Call,
	)

	// ── Signal context ─────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ──────────────────────────────────────────────────────────────
	// Registers the global meter and tracer providers; /metrics serves the
	// Prometheus scrape surface.
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "trunkline",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("telemetry init failed", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Application ────────────────────────────────────────────────────────────
	application, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// applyConfigChange applies what can change without a restart and names what
// cannot. Only the log level flips live; router tuning, digit plans, and
// payment gates are snapshotted by running sessions.
func applyConfigChange(level *slog.LevelVar, d config.ConfigDiff) {
	if d.Empty() {
		return
	}
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("config reloaded: log level changed", "level", d.NewLogLevel)
	}
	if d.RouteChanged || d.DigitsChanged || d.PaymentsChanged || d.VoicesChanged {
		slog.Warn("config file changed in sections that need a restart to apply",
			"route", d.RouteChanged,
			"digits", d.DigitsChanged,
			"payments", d.PaymentsChanged,
			"voices", d.VoicesChanged,
		)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
