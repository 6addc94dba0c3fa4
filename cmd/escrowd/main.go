package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/config"
	"escrowchain/core/events"
	"escrowchain/core/state"
	"escrowchain/observability"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
	"escrowchain/services/escrowd"
	"escrowchain/storage"
)

const (
	configPathEnv     = "ESCROWD_CONFIG"
	defaultConfigPath = "./escrowd.toml"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configFile := flag.String("config", "", "Path to the configuration file (overrides "+configPathEnv+")")
	allowMigrate := flag.Bool("allow-migrate", false, "Allow starting with a mismatched state schema (manual migrations only)")
	flag.Parse()

	cfg, err := config.Load(resolveConfigPath(*configFile, os.LookupEnv))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions(logging.Options{
		Service: "escrowd",
		Env:     cfg.Environment,
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, *allowMigrate); err != nil {
		logger.Error("escrowd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func resolveConfigPath(flagValue string, lookupEnv func(string) (string, bool)) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}
	if path, ok := lookupEnv(configPathEnv); ok && strings.TrimSpace(path) != "" {
		return strings.TrimSpace(path)
	}
	return defaultConfigPath
}

func ledgerPath(cfg *config.Config) string {
	if cfg.StorageBackend == storage.BackendBolt {
		return filepath.Join(cfg.DataDir, "ledger.bolt")
	}
	return filepath.Join(cfg.DataDir, "ledger")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, allowMigrate bool) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	db, err := storage.Open(cfg.StorageBackend, ledgerPath(cfg))
	if err != nil {
		return fmt.Errorf("open ledger database: %w", err)
	}
	defer db.Close()
	logger.Info("ledger opened", slog.String("backend", cfg.StorageBackend))

	manager := state.NewManager(db)
	if err := manager.EnsureStateVersion(); err != nil {
		if !allowMigrate || !errors.Is(err, state.ErrStateVersionMismatch) {
			return err
		}
		logger.Warn("starting with mismatched state schema", slog.Any("error", err))
	}

	allocs, err := cfg.GenesisAllocations()
	if err != nil {
		return err
	}
	switch err := manager.ApplyGenesis(allocs); {
	case errors.Is(err, state.ErrGenesisApplied):
		logger.Info("genesis already applied")
	case err != nil:
		return fmt.Errorf("apply genesis: %w", err)
	default:
		logger.Info("genesis applied", slog.Int("accounts", len(allocs)))
	}

	parties, err := cfg.EscrowParties()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.JournalPath), 0o755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}
	journal, err := escrowd.OpenJournal(cfg.JournalPath, logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close()

	metrics := observability.Escrow()
	instance, err := escrowd.OpenInstance(manager, parties, events.Fanout{journal, escrowd.NewMetricsObserver(metrics)})
	if err != nil {
		return fmt.Errorf("open escrow: %w", err)
	}
	logger.Info("escrow ready",
		slog.Bool("created", instance.Created),
		slog.String("state", instance.Machine.State().String()),
		slog.String("custody", instance.Vault.Custody().String()))
	if !instance.Reconciled.IsZero() {
		logger.Warn("returned stranded custody to sender",
			slog.String("amount", instance.Reconciled.Dec()))
	}

	server, err := escrowd.NewServer(instance, manager, journal, escrowd.Options{
		Skew: cfg.Auth.Skew(),
		RateLimit: escrowd.RateLimit{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		},
		Logger:  logger,
		Metrics: metrics,
		ReadAuth: escrowd.ReadAuth{
			Secret:   cfg.Auth.ReadTokenSecret,
			Issuer:   cfg.Auth.ReadTokenIssuer,
			Audience: cfg.Auth.ReadTokenAudience,
			Leeway:   cfg.Auth.Skew(),
		},
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), "escrowd"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("address", cfg.ListenAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
