// Command server starts the vidhub media HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"vidhub/internal/api"
	"vidhub/internal/bootstrap"
	"vidhub/internal/gc"
	"vidhub/internal/ingest"
	"vidhub/internal/media"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/playback"
	"vidhub/internal/server"
	"vidhub/internal/serverutil"
	"vidhub/internal/storage"
	"vidhub/internal/views"
)

const defaultViewFlushInterval = 10 * time.Second

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading VIDHUB_* variables")
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "grace period for in-flight requests on shutdown")
	ffprobe := flag.String("ffprobe", "", "path to the ffprobe binary")
	probeTimeout := flag.Duration("probe-timeout", 0, "timeout for a single ffprobe run")
	mediaConcurrency := flag.Int("media-concurrency", 0, "maximum concurrent thumbnail transforms and probes")
	viewFlushInterval := flag.Duration("view-flush-interval", 0, "interval between flushes of Redis buffered view counts")
	streamRedirect := flag.Bool("stream-redirect", false, "answer video GETs with a redirect to a presigned URL when the backend presigns")
	streamRedirectTTL := flag.Duration("stream-redirect-ttl", 0, "lifetime of presigned stream URLs")
	gcInterval := flag.Duration("gc-interval", 0, "interval between media GC passes (0 disables)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	uploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single IP")
	uploadWindow := flag.Duration("rate-upload-window", 0, "window for counting uploads")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")
	redisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for Redis rate limit operations")
	uploadOrigins := flag.String("cors-upload-origins", "", "comma separated origins allowed to upload")
	playerOrigins := flag.String("cors-player-origins", "", "comma separated origins allowed to report views")
	logFlags := bootstrap.RegisterLogFlags(flag.CommandLine)
	storeFlags := bootstrap.RegisterStoreFlags(flag.CommandLine)
	mediaFlags := bootstrap.RegisterMediaFlags(flag.CommandLine)
	redisFlags := bootstrap.RegisterRedisFlags(flag.CommandLine)
	flag.Parse()

	envErr := bootstrap.LoadEnvFile(*envFile)
	logger := logFlags.Init()
	if envErr != nil {
		logger.Error("failed to load env file", "error", envErr)
		os.Exit(1)
	}
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serverMode := modeValue(*mode, os.Getenv("VIDHUB_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("VIDHUB_ADDR"))

	store, driver, err := storeFlags.Open(ctx, logger)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	if serverMode == "production" {
		if err := validateProductionDatastore(driver, storeFlags.DSN()); err != nil {
			logger.Error("production datastore validation failed", "error", err)
			os.Exit(1)
		}
	}
	defer bootstrap.Close(context.Background(), logger, store)

	backend, backendDriver, err := mediaFlags.Open(ctx)
	if err != nil {
		logger.Error("failed to open media backend", "error", err)
		os.Exit(1)
	}

	ingestConfig, err := ingest.LoadConfigFromEnv(backendDriver)
	if err != nil {
		logger.Error("failed to load ingest configuration", "error", err)
		os.Exit(1)
	}

	limiter := media.NewLimiter(bootstrap.ResolveInt(*mediaConcurrency, "VIDHUB_MEDIA_CONCURRENCY"))
	prober := media.NewFFProbe(
		bootstrap.FirstNonEmpty(*ffprobe, os.Getenv("VIDHUB_FFPROBE")),
		bootstrap.ResolveDuration(*probeTimeout, "VIDHUB_PROBE_TIMEOUT", 0),
		limiter,
	)
	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Store:      store,
		Backend:    backend,
		Thumbnails: media.NewTransformer(limiter),
		Prober:     prober,
		Config:     ingestConfig,
		Logger:     logger,
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to initialise ingest pipeline", "error", err)
		os.Exit(1)
	}

	redisClient := redisFlags.Client()
	if redisClient != nil {
		defer redisClient.Close()
	}
	counter, flushViews := configureViews(redisClient, store, logger, recorder)

	components := map[string]api.Pinger{"datastore": store}
	if redisClient != nil {
		components["redis"] = bootstrap.RedisPinger{Client: redisClient}
	}
	responder := playback.NewResponder(backend, logger, recorder)
	responder.Redirect = bootstrap.ResolveBool(*streamRedirect, "VIDHUB_STREAM_REDIRECT")
	responder.RedirectTTL = bootstrap.ResolveDuration(*streamRedirectTTL, "VIDHUB_STREAM_REDIRECT_TTL", playback.DefaultRedirectTTL)
	handler, err := api.NewHandler(api.HandlerConfig{
		Pipeline:   pipeline,
		Playback:   responder,
		Views:      counter,
		Logger:     logger,
		Components: components,
	})
	if err != nil {
		logger.Error("failed to initialise handlers", "error", err)
		os.Exit(1)
	}

	tlsCfg := server.TLSConfig{
		CertFile: bootstrap.FirstNonEmpty(*tlsCert, os.Getenv("VIDHUB_TLS_CERT")),
		KeyFile:  bootstrap.FirstNonEmpty(*tlsKey, os.Getenv("VIDHUB_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS:  tlsCfg,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:             bootstrap.ResolveFloat(*globalRPS, "VIDHUB_RATE_GLOBAL_RPS"),
			GlobalBurst:           bootstrap.ResolveInt(*globalBurst, "VIDHUB_RATE_GLOBAL_BURST"),
			UploadLimit:           bootstrap.ResolveInt(*uploadLimit, "VIDHUB_RATE_UPLOAD_LIMIT"),
			UploadWindow:          bootstrap.ResolveDuration(*uploadWindow, "VIDHUB_RATE_UPLOAD_WINDOW", time.Minute),
			Redis:                 redisClient,
			RedisTimeout:          bootstrap.ResolveDuration(*redisTimeout, "VIDHUB_RATE_REDIS_TIMEOUT", 2*time.Second),
			TrustForwardedHeaders: bootstrap.ResolveBool(*trustForwarded, "VIDHUB_RATE_TRUST_FORWARDED_HEADERS"),
			TrustedProxies:        bootstrap.SplitAndTrim(bootstrap.FirstNonEmpty(*trustedProxies, os.Getenv("VIDHUB_RATE_TRUSTED_PROXIES"))),
		},
		CORS: server.CORSConfig{
			UploadOrigins: bootstrap.SplitAndTrim(bootstrap.FirstNonEmpty(*uploadOrigins, os.Getenv("VIDHUB_CORS_UPLOAD_ORIGINS"))),
			PlayerOrigins: bootstrap.SplitAndTrim(bootstrap.FirstNonEmpty(*playerOrigins, os.Getenv("VIDHUB_CORS_PLAYER_ORIGINS"))),
		},
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	var collectOnce periodicTask
	interval := bootstrap.ResolveDuration(*gcInterval, "VIDHUB_GC_INTERVAL", 0)
	if interval > 0 {
		collector, err := gc.NewCollector(store, backend, gc.Config{
			PendingTTL: ingestConfig.PendingTTL,
			Logger:     logger,
			Metrics:    recorder,
		})
		if err != nil {
			logger.Error("failed to initialise media gc", "error", err)
			os.Exit(1)
		}
		collectOnce = func(ctx context.Context) error {
			_, err := collector.RunOnce(ctx)
			return err
		}
	}

	logger.Info("vidhub starting",
		"addr", listenAddr,
		"mode", serverMode,
		"storage_driver", driver,
		"media_backend", backendDriver,
		"redis", redisClient != nil,
	)

	workerLogger := logging.WithComponent(logger, "worker")
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCfg.CertFile, KeyFile: tlsCfg.KeyFile},
			ShutdownTimeout: bootstrap.ResolveDuration(*shutdownTimeout, "VIDHUB_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
			Logger:          logging.WithComponent(logger, "http"),
		})
	})
	group.Go(func() error {
		flushEvery := bootstrap.ResolveDuration(*viewFlushInterval, "VIDHUB_VIEW_FLUSH_INTERVAL", defaultViewFlushInterval)
		return runPeriodic(groupCtx, workerLogger, "view-flush", flushEvery, flushViews, true, nil)
	})
	group.Go(func() error {
		return runPeriodic(groupCtx, workerLogger, "media-gc", interval, collectOnce, false, nil)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// configureViews buffers increments in Redis when a client is configured and
// returns the matching flush task; without Redis views go straight to the
// store and there is nothing to flush.
func configureViews(client redis.UniversalClient, store storage.Repository, logger *slog.Logger, recorder *metrics.Recorder) (views.Counter, periodicTask) {
	if client == nil {
		return views.NewStoreCounter(store, logger, recorder), nil
	}
	counter := views.NewRedisCounter(client, store, views.RedisConfig{
		KeyPrefix: os.Getenv("VIDHUB_VIEWS_KEY_PREFIX"),
	}, logger, recorder)
	return counter, func(ctx context.Context) error {
		_, err := counter.Flush(ctx)
		return err
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

// validateProductionDatastore refuses to run production traffic against the
// in-memory store.
func validateProductionDatastore(driver, dsn string) error {
	if driver != bootstrap.DriverPostgres {
		return fmt.Errorf("production mode requires the postgres datastore driver, got %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return fmt.Errorf("postgres storage selected without DSN")
	}
	return nil
}
