package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"vidhub/internal/observability/metrics"
)

// Config selects the level, encoding, and destination of process logs. When
// File is set, records are written to Writer and to a rotating file.
type Config struct {
	Level      string
	Writer     io.Writer
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// Init creates a slog.Logger using the provided configuration and installs it
// as the process-wide default logger.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New creates a structured slog.Logger using the provided configuration.
func New(cfg Config) *slog.Logger {
	return slog.New(newHandler(cfg, destination(cfg)))
}

func destination(cfg Config) io.Writer {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	file := strings.TrimSpace(cfg.File)
	if file == "" {
		return writer
	}
	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 5),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 28),
		Compress:   cfg.Compress,
	}
	return io.MultiWriter(writer, rotator)
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}

func newHandler(cfg Config, writer io.Writer) slog.Handler {
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		return slog.NewTextHandler(writer, options)
	default:
		return slog.NewJSONHandler(writer, options)
	}
}

// parseLevel accepts slog level names with optional offsets ("debug",
// "warn+2") and the alias "warning". Anything else is info.
func parseLevel(level string) slog.Leveler {
	name := strings.ToLower(strings.TrimSpace(level))
	if name == "warning" {
		name = "warn"
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// WithComponent returns a logger annotated with the provided component field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

// Discard returns a logger that drops every record. Useful for tests and for
// components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// scope is the request metadata carried in a context. It is copied on every
// change so parent contexts are never mutated.
type scope struct {
	requestID string
	videoID   string
	logger    *slog.Logger
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, update func(*scope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	s := scopeOf(ctx)
	update(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// ContextWithRequestID records the request id. Blank ids are ignored.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := scopeOf(ctx).requestID
	return id, id != ""
}

// ContextWithVideoID tags the context with the public id of the video being
// handled. Blank ids are ignored.
func ContextWithVideoID(ctx context.Context, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.videoID = id })
}

func VideoIDFromContext(ctx context.Context) (string, bool) {
	id := scopeOf(ctx).videoID
	return id, id != ""
}

// ContextWithLogger stores a request-scoped logger. A nil logger is ignored.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return withScope(ctx, func(s *scope) { s.logger = logger })
}

// LoggerFromContext returns the logger stored by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	return scopeOf(ctx).logger
}

// WithContext annotates logger with the request and video ids found on ctx.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	s := scopeOf(ctx)
	if s.requestID != "" {
		logger = logger.With("request_id", s.requestID)
	}
	if s.videoID != "" {
		logger = logger.With("video_id", s.videoID)
	}
	return logger
}

// FromContext returns the request-scoped logger when there is one, adding the
// video id if it was set later. Otherwise base (or slog.Default) is annotated
// with the context's ids.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	s := scopeOf(ctx)
	if s.logger != nil {
		if s.videoID != "" {
			return s.logger.With("video_id", s.videoID)
		}
		return s.logger
	}
	if base == nil {
		base = slog.Default()
	}
	return WithContext(ctx, base)
}

// RequestLoggerConfig configures RequestLogger. AdditionalFields returns
// extra key/value pairs for the record, given the final status and duration.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	AdditionalFields  func(*http.Request, int, time.Duration) []any
}

// RequestLogger writes one "request completed" record per request. Server
// errors are logged at error level.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := metrics.NewResponseRecorder(w)
			started := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(started)
			status := rec.Status()

			attrs := make([]slog.Attr, 0, 8)
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int64("bytes", rec.BytesWritten()),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
			)
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, slog.String("remote_addr", r.RemoteAddr))
			}
			if cfg.AdditionalFields != nil {
				attrs = append(attrs, argsToAttrs(cfg.AdditionalFields(r, status, elapsed))...)
			}

			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			WithContext(r.Context(), base).LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

// argsToAttrs converts the key/value pairs accepted by slog.Logger.Info into
// attributes. slog.Attr values are taken as they are; a trailing key with no
// value and non-string keys are dropped.
func argsToAttrs(args []any) []slog.Attr {
	attrs := make([]slog.Attr, 0, len(args)/2)
	for len(args) > 0 {
		switch key := args[0].(type) {
		case slog.Attr:
			attrs = append(attrs, key)
			args = args[1:]
		case string:
			if len(args) < 2 {
				return attrs
			}
			attrs = append(attrs, slog.Any(key, args[1]))
			args = args[2:]
		default:
			args = args[1:]
		}
	}
	return attrs
}
