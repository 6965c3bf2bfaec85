// Package bootstrap builds the collaborators shared by the vidhub binaries
// from command line flags with VIDHUB_* environment fallbacks.
package bootstrap

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidhub/internal/mediastore"
	"vidhub/internal/observability/logging"
	"vidhub/internal/storage"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// LoadEnvFile loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// LogFlags configures the process logger.
type LogFlags struct {
	level  *string
	format *string
	file   *string
}

func RegisterLogFlags(fs *flag.FlagSet) *LogFlags {
	return &LogFlags{
		level:  fs.String("log-level", "", "log level (debug, info, warn, error)"),
		format: fs.String("log-format", "", "log format (json or text)"),
		file:   fs.String("log-file", "", "also write logs to this rotating file"),
	}
}

// Init builds the logger and installs it as the slog default.
func (f *LogFlags) Init() *slog.Logger {
	return logging.Init(logging.Config{
		Level:  FirstNonEmpty(*f.level, os.Getenv("VIDHUB_LOG_LEVEL"), "info"),
		Format: FirstNonEmpty(*f.format, os.Getenv("VIDHUB_LOG_FORMAT")),
		File:   FirstNonEmpty(*f.file, os.Getenv("VIDHUB_LOG_FILE")),
	})
}

// StoreFlags selects and configures the metadata repository.
type StoreFlags struct {
	driver         *string
	dsn            *string
	maxConns       *int
	minConns       *int
	maxLifetime    *time.Duration
	maxIdle        *time.Duration
	healthInterval *time.Duration
	acquireTimeout *time.Duration
	appName        *string
	seedUsers      *string
}

func RegisterStoreFlags(fs *flag.FlagSet) *StoreFlags {
	return &StoreFlags{
		driver:         fs.String("storage-driver", "", "metadata store driver (memory or postgres)"),
		dsn:            fs.String("postgres-dsn", "", "Postgres connection string"),
		maxConns:       fs.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool"),
		minConns:       fs.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool"),
		maxLifetime:    fs.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection"),
		maxIdle:        fs.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection"),
		healthInterval: fs.Duration("postgres-health-interval", 0, "interval between Postgres health checks"),
		acquireTimeout: fs.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool"),
		appName:        fs.String("postgres-app-name", "", "application_name reported to Postgres"),
		seedUsers:      fs.String("seed-users", "", "comma separated usernames created at startup (memory driver only)"),
	}
}

// DSN returns the Postgres DSN from the flag, VIDHUB_POSTGRES_DSN or
// DATABASE_URL.
func (f *StoreFlags) DSN() string {
	return FirstNonEmpty(*f.dsn, os.Getenv("VIDHUB_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

// Driver resolves the repository driver. A configured DSN implies postgres;
// otherwise the in-memory store is used.
func (f *StoreFlags) Driver() (string, error) {
	return ResolveStorageDriver(*f.driver, os.Getenv("VIDHUB_STORAGE_DRIVER"), f.DSN())
}

// ResolveStorageDriver picks the driver from the flag, then the environment,
// then the presence of a DSN.
func ResolveStorageDriver(flagValue, envValue, dsn string) (string, error) {
	driver := strings.ToLower(FirstNonEmpty(flagValue, envValue))
	if driver == "" {
		if strings.TrimSpace(dsn) != "" {
			return DriverPostgres, nil
		}
		return DriverMemory, nil
	}
	switch driver {
	case DriverMemory, DriverPostgres:
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// Postgres opens the Postgres repository regardless of the selected driver.
func (f *StoreFlags) Postgres() (*storage.PostgresRepository, error) {
	dsn := f.DSN()
	if dsn == "" {
		return nil, errors.New("postgres DSN required: set --postgres-dsn, VIDHUB_POSTGRES_DSN, or DATABASE_URL")
	}
	var opts []storage.Option
	maxConns := ResolveInt(*f.maxConns, "VIDHUB_POSTGRES_MAX_CONNS")
	minConns := ResolveInt(*f.minConns, "VIDHUB_POSTGRES_MIN_CONNS")
	if maxConns > 0 || minConns > 0 {
		opts = append(opts, storage.WithPostgresPoolLimits(int32(maxConns), int32(minConns)))
	}
	maxLifetime := ResolveDuration(*f.maxLifetime, "VIDHUB_POSTGRES_MAX_CONN_LIFETIME", 0)
	maxIdle := ResolveDuration(*f.maxIdle, "VIDHUB_POSTGRES_MAX_CONN_IDLE", 0)
	healthInterval := ResolveDuration(*f.healthInterval, "VIDHUB_POSTGRES_HEALTH_INTERVAL", 0)
	if maxLifetime > 0 || maxIdle > 0 || healthInterval > 0 {
		opts = append(opts, storage.WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval))
	}
	if timeout := ResolveDuration(*f.acquireTimeout, "VIDHUB_POSTGRES_ACQUIRE_TIMEOUT", 0); timeout > 0 {
		opts = append(opts, storage.WithPostgresAcquireTimeout(timeout))
	}
	if appName := FirstNonEmpty(*f.appName, os.Getenv("VIDHUB_POSTGRES_APP_NAME")); appName != "" {
		opts = append(opts, storage.WithPostgresApplicationName(appName))
	}
	return storage.NewPostgresRepository(dsn, opts...)
}

// Open builds the repository for the resolved driver. The memory driver is
// seeded with the configured usernames so uploads have owners.
func (f *StoreFlags) Open(ctx context.Context, logger *slog.Logger) (storage.Repository, string, error) {
	driver, err := f.Driver()
	if err != nil {
		return nil, "", err
	}
	if driver == DriverPostgres {
		repo, err := f.Postgres()
		if err != nil {
			return nil, "", err
		}
		return repo, driver, nil
	}
	repo := storage.NewMemoryRepository()
	for _, username := range SplitAndTrim(FirstNonEmpty(*f.seedUsers, os.Getenv("VIDHUB_SEED_USERS"))) {
		user, err := repo.CreateUser(ctx, username)
		if err != nil {
			return nil, "", fmt.Errorf("seed user %q: %w", username, err)
		}
		if logger != nil {
			logger.Info("seeded user", "username", user.Username, "user_id", user.ID)
		}
	}
	return repo, driver, nil
}

// MediaFlags selects and configures the media storage backend.
type MediaFlags struct {
	backend   *string
	root      *string
	bucket    *string
	region    *string
	endpoint  *string
	accessKey *string
	secretKey *string
	prefix    *string
	pathStyle *bool
}

func RegisterMediaFlags(fs *flag.FlagSet) *MediaFlags {
	return &MediaFlags{
		backend:   fs.String("media-backend", "", "media storage backend (local or s3)"),
		root:      fs.String("media-root", "", "root directory for the local backend"),
		bucket:    fs.String("s3-bucket", "", "object storage bucket"),
		region:    fs.String("s3-region", "", "object storage region"),
		endpoint:  fs.String("s3-endpoint", "", "object storage endpoint for S3 compatible services"),
		accessKey: fs.String("s3-access-key", "", "object storage access key"),
		secretKey: fs.String("s3-secret-key", "", "object storage secret key"),
		prefix:    fs.String("s3-prefix", "", "key prefix inside the bucket"),
		pathStyle: fs.Bool("s3-path-style", false, "address the bucket with path-style URLs"),
	}
}

func (f *MediaFlags) Config() mediastore.Config {
	return mediastore.Config{
		Driver:    strings.ToLower(FirstNonEmpty(*f.backend, os.Getenv("VIDHUB_MEDIA_BACKEND"), mediastore.DriverLocal)),
		LocalRoot: FirstNonEmpty(*f.root, os.Getenv("VIDHUB_MEDIA_ROOT"), "uploads"),
		S3: mediastore.S3Config{
			Bucket:       FirstNonEmpty(*f.bucket, os.Getenv("VIDHUB_S3_BUCKET")),
			Region:       FirstNonEmpty(*f.region, os.Getenv("VIDHUB_S3_REGION")),
			Endpoint:     FirstNonEmpty(*f.endpoint, os.Getenv("VIDHUB_S3_ENDPOINT")),
			AccessKey:    FirstNonEmpty(*f.accessKey, os.Getenv("VIDHUB_S3_ACCESS_KEY")),
			SecretKey:    FirstNonEmpty(*f.secretKey, os.Getenv("VIDHUB_S3_SECRET_KEY")),
			Prefix:       FirstNonEmpty(*f.prefix, os.Getenv("VIDHUB_S3_PREFIX")),
			UsePathStyle: ResolveBool(*f.pathStyle, "VIDHUB_S3_PATH_STYLE"),
		},
	}
}

func (f *MediaFlags) Open(ctx context.Context) (mediastore.Backend, string, error) {
	cfg := f.Config()
	backend, err := mediastore.Open(ctx, cfg)
	return backend, cfg.Driver, err
}

// RedisFlags configures the optional shared Redis client.
type RedisFlags struct {
	addr       *string
	addrs      *string
	username   *string
	password   *string
	masterName *string
	db         *int
	poolSize   *int
}

func RegisterRedisFlags(fs *flag.FlagSet) *RedisFlags {
	return &RedisFlags{
		addr:       fs.String("redis-addr", "", "Redis address for view buffering and upload throttling"),
		addrs:      fs.String("redis-addrs", "", "comma separated Redis cluster or sentinel addresses"),
		username:   fs.String("redis-username", "", "Redis username"),
		password:   fs.String("redis-password", "", "Redis password"),
		masterName: fs.String("redis-master-name", "", "Redis sentinel master name"),
		db:         fs.Int("redis-db", 0, "Redis database number"),
		poolSize:   fs.Int("redis-pool-size", 0, "maximum Redis connections"),
	}
}

func (f *RedisFlags) Options() *redis.UniversalOptions {
	addrs := SplitAndTrim(FirstNonEmpty(*f.addrs, os.Getenv("VIDHUB_REDIS_ADDRS")))
	if addr := FirstNonEmpty(*f.addr, os.Getenv("VIDHUB_REDIS_ADDR")); addr != "" {
		addrs = append([]string{addr}, addrs...)
	}
	if len(addrs) == 0 {
		return nil
	}
	return &redis.UniversalOptions{
		Addrs:      addrs,
		Username:   FirstNonEmpty(*f.username, os.Getenv("VIDHUB_REDIS_USERNAME")),
		Password:   FirstNonEmpty(*f.password, os.Getenv("VIDHUB_REDIS_PASSWORD")),
		MasterName: FirstNonEmpty(*f.masterName, os.Getenv("VIDHUB_REDIS_MASTER_NAME")),
		DB:         ResolveInt(*f.db, "VIDHUB_REDIS_DB"),
		PoolSize:   ResolveInt(*f.poolSize, "VIDHUB_REDIS_POOL_SIZE"),
	}
}

// Client returns nil when no Redis address is configured.
func (f *RedisFlags) Client() redis.UniversalClient {
	opts := f.Options()
	if opts == nil {
		return nil
	}
	return redis.NewUniversalClient(opts)
}

// RedisPinger adapts a Redis client to the health check interface.
type RedisPinger struct {
	Client redis.UniversalClient
}

func (p RedisPinger) Ping(ctx context.Context) error {
	return p.Client.Ping(ctx).Err()
}

func FirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func SplitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func ResolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.ParseFloat(env, 64); err == nil {
			return value
		}
	}
	return 0
}

func ResolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func ResolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func ResolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}

// Close releases a repository, logging but not returning the error.
func Close(ctx context.Context, logger *slog.Logger, repo storage.Repository) {
	if repo == nil {
		return
	}
	if err := repo.Close(ctx); err != nil && logger != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
}
