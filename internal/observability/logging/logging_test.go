package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	return record
}

func TestNewSelectsFormatAndLevel(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantJSON  bool
		wantDebug bool
	}{
		{name: "json default", cfg: Config{}, wantJSON: true},
		{name: "text", cfg: Config{Format: " TEXT "}, wantJSON: false},
		{name: "debug json", cfg: Config{Format: "json", Level: "debug"}, wantJSON: true, wantDebug: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.cfg.Writer = &buf
			logger := New(tc.cfg)
			logger.Debug("probe")
			if got := buf.Len() > 0; got != tc.wantDebug {
				t.Fatalf("debug emitted = %v, want %v", got, tc.wantDebug)
			}
			buf.Reset()
			logger.Info("stored", "key", "clip.mp4")
			if isJSON := json.Valid(bytes.TrimSpace(buf.Bytes())); isJSON != tc.wantJSON {
				t.Fatalf("json output = %v for %q", isJSON, buf.String())
			}
		})
	}
}

func TestNewTeesToRotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "vidhub.log")

	New(Config{Writer: &buf, File: path, MaxSizeMB: 1}).Warn("disk nearly full")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "disk nearly full") || !strings.Contains(buf.String(), "disk nearly full") {
		t.Fatalf("record missing: file=%q writer=%q", data, buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	for input, want := range map[string]slog.Level{
		"debug":    slog.LevelDebug,
		" DeBuG ":  slog.LevelDebug,
		"warn":     slog.LevelWarn,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"info+2":   slog.LevelInfo + 2,
		"":         slog.LevelInfo,
		"verbose":  slog.LevelInfo,
		"error-12": slog.LevelError - 12,
	} {
		if got := parseLevel(input).Level(); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestContextScope(t *testing.T) {
	parent := ContextWithRequestID(context.Background(), " req-7 ")
	child := ContextWithVideoID(parent, "8d1f")
	child = ContextWithVideoID(child, "  ")

	if id, ok := RequestIDFromContext(child); !ok || id != "req-7" {
		t.Fatalf("request id = %q, %v", id, ok)
	}
	if id, ok := VideoIDFromContext(child); !ok || id != "8d1f" {
		t.Fatalf("video id = %q, %v", id, ok)
	}
	if _, ok := VideoIDFromContext(parent); ok {
		t.Fatal("parent context must not see the child's video id")
	}
	if LoggerFromContext(child) != nil || LoggerFromContext(nil) != nil {
		t.Fatal("no logger was stored")
	}
	if ContextWithLogger(parent, nil) != parent {
		t.Fatal("nil logger should leave the context untouched")
	}
}

func TestWithContextAndFromContext(t *testing.T) {
	var base, scoped bytes.Buffer
	baseLogger := slog.New(slog.NewJSONHandler(&base, nil))
	scopedLogger := slog.New(slog.NewJSONHandler(&scoped, nil)).With("request_id", "req-1")

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithVideoID(ctx, "video-1")

	WithContext(ctx, baseLogger).Info("annotated")
	record := decodeRecord(t, &base)
	if record["request_id"] != "req-1" || record["video_id"] != "video-1" {
		t.Fatalf("unexpected record %v", record)
	}
	base.Reset()

	FromContext(ContextWithLogger(ctx, scopedLogger), baseLogger).Info("routed")
	if base.Len() != 0 {
		t.Fatalf("base logger should stay silent, got %q", base.String())
	}
	record = decodeRecord(t, &scoped)
	if record["request_id"] != "req-1" || record["video_id"] != "video-1" {
		t.Fatalf("unexpected scoped record %v", record)
	}

	if WithContext(ctx, nil) != nil || WithComponent(nil, "api") != nil {
		t.Fatal("nil loggers stay nil")
	}
}

func TestWithComponentAndInit(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf})
	if logger != slog.Default() {
		t.Fatal("Init should install the default logger")
	}
	WithComponent(slog.Default(), "ingest").Info("ready")
	if record := decodeRecord(t, &buf); record["component"] != "ingest" {
		t.Fatalf("component = %v", record["component"])
	}

	Discard().Error("dropped")
}

func TestRequestLogger(t *testing.T) {
	tests := []struct {
		name       string
		cfg        RequestLoggerConfig
		status     int
		body       string
		wantLevel  string
		wantRemote bool
		wantExtra  any
	}{
		{name: "partial content", status: http.StatusPartialContent, body: "0123456789", wantLevel: "INFO", wantRemote: true},
		{name: "server error without remote", cfg: RequestLoggerConfig{DisableRemoteAddr: true}, status: http.StatusInternalServerError, wantLevel: "ERROR"},
		{
			name: "additional fields",
			cfg: RequestLoggerConfig{AdditionalFields: func(r *http.Request, status int, _ time.Duration) []any {
				return []any{"client_ip", "198.51.100.7", slog.Bool("slow", false), "dangling"}
			}},
			status:     http.StatusOK,
			wantLevel:  "INFO",
			wantRemote: true,
			wantExtra:  "198.51.100.7",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			tc.cfg.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
			handler := RequestLogger(tc.cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			req := httptest.NewRequest(http.MethodGet, "/alice/video/abc.mp4", nil)
			req.RemoteAddr = "127.0.0.1:1234"
			req = req.WithContext(ContextWithRequestID(req.Context(), "req-9"))
			handler.ServeHTTP(httptest.NewRecorder(), req)

			record := decodeRecord(t, &buf)
			if record["msg"] != "request completed" || record["level"] != tc.wantLevel {
				t.Fatalf("unexpected record %v", record)
			}
			if record["status"] != float64(tc.status) || record["bytes"] != float64(len(tc.body)) {
				t.Fatalf("status/bytes = %v/%v", record["status"], record["bytes"])
			}
			if record["request_id"] != "req-9" || record["path"] != "/alice/video/abc.mp4" {
				t.Fatalf("missing request metadata %v", record)
			}
			if _, ok := record["remote_addr"]; ok != tc.wantRemote {
				t.Fatalf("remote_addr present = %v", ok)
			}
			if tc.wantExtra != nil {
				if record["client_ip"] != tc.wantExtra || record["slow"] != false {
					t.Fatalf("additional fields missing %v", record)
				}
				if _, ok := record["dangling"]; ok {
					t.Fatal("dangling key should be dropped")
				}
			}
		})
	}
}
