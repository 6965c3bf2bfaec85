package ingest

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	mib = int64(1 << 20)

	DefaultMaxVideoBytes          = 500 * mib
	DefaultMaxThumbnailBytesLocal = 2 * mib
	DefaultMaxThumbnailBytesS3    = 20 * mib
	DefaultMaxThumbnailInputBytes = 20 * mib
	DefaultUploadURLTTL           = 15 * time.Minute
	DefaultReadURLTTL             = time.Hour
	DefaultPendingTTL             = 24 * time.Hour
)

// Config bounds what the pipeline accepts.
type Config struct {
	// MaxVideoBytes caps the stored video.
	MaxVideoBytes int64
	// MaxThumbnailBytes caps the transformed thumbnail.
	MaxThumbnailBytes int64
	// MaxThumbnailInputBytes caps the thumbnail as uploaded, before resizing.
	MaxThumbnailInputBytes int64
	// UploadURLTTL is the lifetime of presigned PUT URLs.
	UploadURLTTL time.Duration
	// ReadURLTTL is the lifetime of presigned GET URLs used for probing.
	ReadURLTTL time.Duration
	// PendingTTL is how long a presigned upload may stay unconfirmed.
	PendingTTL time.Duration
	// TempDir holds spooled uploads and intermediate files. Empty means
	// os.TempDir.
	TempDir string
}

// DefaultConfig returns the defaults for the named storage driver. The object
// store allows larger thumbnails than local disk.
func DefaultConfig(driver string) Config {
	cfg := Config{
		MaxVideoBytes:          DefaultMaxVideoBytes,
		MaxThumbnailBytes:      DefaultMaxThumbnailBytesLocal,
		MaxThumbnailInputBytes: DefaultMaxThumbnailInputBytes,
		UploadURLTTL:           DefaultUploadURLTTL,
		ReadURLTTL:             DefaultReadURLTTL,
		PendingTTL:             DefaultPendingTTL,
	}
	if strings.EqualFold(strings.TrimSpace(driver), "s3") {
		cfg.MaxThumbnailBytes = DefaultMaxThumbnailBytesS3
	}
	return cfg
}

// LoadConfigFromEnv starts from DefaultConfig(driver) and applies any
// VIDHUB_* overrides.
func LoadConfigFromEnv(driver string) (Config, error) {
	cfg := DefaultConfig(driver)

	sizes := []struct {
		name   string
		target *int64
	}{
		{"VIDHUB_MAX_VIDEO_BYTES", &cfg.MaxVideoBytes},
		{"VIDHUB_MAX_THUMBNAIL_BYTES", &cfg.MaxThumbnailBytes},
		{"VIDHUB_MAX_THUMBNAIL_INPUT_BYTES", &cfg.MaxThumbnailInputBytes},
	}
	for _, size := range sizes {
		value := strings.TrimSpace(os.Getenv(size.name))
		if value == "" {
			continue
		}
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", size.name, err)
		}
		*size.target = parsed
	}

	durations := []struct {
		name   string
		target *time.Duration
	}{
		{"VIDHUB_PRESIGN_UPLOAD_TTL", &cfg.UploadURLTTL},
		{"VIDHUB_PRESIGN_READ_TTL", &cfg.ReadURLTTL},
		{"VIDHUB_PENDING_TTL", &cfg.PendingTTL},
	}
	for _, duration := range durations {
		value := strings.TrimSpace(os.Getenv(duration.name))
		if value == "" {
			continue
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", duration.name, err)
		}
		*duration.target = parsed
	}

	if dir := strings.TrimSpace(os.Getenv("VIDHUB_UPLOAD_TEMP_DIR")); dir != "" {
		cfg.TempDir = dir
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.MaxVideoBytes <= 0 {
		return errors.New("max video size must be positive")
	}
	if c.MaxThumbnailBytes <= 0 {
		return errors.New("max thumbnail size must be positive")
	}
	if c.MaxThumbnailInputBytes <= 0 {
		return errors.New("max thumbnail input size must be positive")
	}
	if c.UploadURLTTL <= 0 || c.ReadURLTTL <= 0 {
		return errors.New("presigned URL lifetimes must be positive")
	}
	if c.PendingTTL < c.UploadURLTTL {
		return errors.New("pending TTL must not be shorter than the upload URL lifetime")
	}
	return nil
}

// MaxRequestBytes bounds a multipart upload body: both files plus room for
// the text fields.
func (c Config) MaxRequestBytes() int64 {
	return c.MaxVideoBytes + c.MaxThumbnailInputBytes + mib
}

// SpoolDir is the directory for spooled uploads and intermediate files.
func (c Config) SpoolDir() string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return os.TempDir()
}
