// Command media-gc runs one garbage collection pass over stored media:
// deleted videos lose their bytes and stale pending uploads expire.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vidhub/internal/bootstrap"
	"vidhub/internal/gc"
	"vidhub/internal/ingest"
	"vidhub/internal/observability/metrics"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading VIDHUB_* variables")
	batch := flag.Int("batch", 0, "maximum records of each kind handled in this pass")
	pendingTTL := flag.Duration("pending-ttl", 0, "age after which unconfirmed uploads expire")
	timeout := flag.Duration("timeout", 10*time.Minute, "overall timeout")
	logFlags := bootstrap.RegisterLogFlags(flag.CommandLine)
	storeFlags := bootstrap.RegisterStoreFlags(flag.CommandLine)
	mediaFlags := bootstrap.RegisterMediaFlags(flag.CommandLine)
	flag.Parse()

	envErr := bootstrap.LoadEnvFile(*envFile)
	logger := logFlags.Init()
	if envErr != nil {
		logger.Error("failed to load env file", "error", envErr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	store, driver, err := storeFlags.Open(ctx, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	if driver != bootstrap.DriverPostgres {
		logger.Warn("media gc is running against the in-memory store; nothing persists between runs")
	}
	defer bootstrap.Close(context.Background(), logger, store)

	backend, backendDriver, err := mediaFlags.Open(ctx)
	if err != nil {
		logger.Error("failed to open media backend", "error", err)
		os.Exit(1)
	}
	ttl := *pendingTTL
	if ttl <= 0 {
		cfg, err := ingest.LoadConfigFromEnv(backendDriver)
		if err != nil {
			logger.Error("failed to load ingest configuration", "error", err)
			os.Exit(1)
		}
		ttl = cfg.PendingTTL
	}

	collector, err := gc.NewCollector(store, backend, gc.Config{
		PendingTTL: ttl,
		BatchSize:  bootstrap.ResolveInt(*batch, "VIDHUB_GC_BATCH"),
		Logger:     logger,
		Metrics:    metrics.New(),
	})
	if err != nil {
		logger.Error("failed to initialise media gc", "error", err)
		os.Exit(1)
	}
	report, err := collector.RunOnce(ctx)
	if err != nil {
		logger.Error("media gc failed", "error", err)
		os.Exit(1)
	}
	_ = json.NewEncoder(os.Stdout).Encode(report)
	if report.Failed > 0 {
		logger.Warn("media gc finished with failures", "failed", report.Failed)
		os.Exit(2)
	}
	logger.Info("media gc finished", "purged", report.Purged, "expired", report.Expired)
}
