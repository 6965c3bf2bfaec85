package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"vidhub/internal/api"
	"vidhub/internal/ingest"
	"vidhub/internal/media"
	"vidhub/internal/mediastore"
	"vidhub/internal/observability/metrics"
	"vidhub/internal/playback"
	"vidhub/internal/storage"
	"vidhub/internal/views"
)

type stubProber struct{}

func (stubProber) ProbeDuration(context.Context, string) (float64, error) { return 1.5, nil }

type testEnv struct {
	handler  *api.Handler
	repo     storage.Repository
	backend  *mediastore.LocalBackend
	recorder *metrics.Recorder
}

func newTestHandler(t *testing.T) *testEnv {
	t.Helper()
	repo := storage.NewMemoryRepository()
	if _, err := repo.CreateUser(context.Background(), "alice"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	backend, err := mediastore.NewLocalBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	cfg := ingest.DefaultConfig("local")
	cfg.TempDir = t.TempDir()
	recorder := metrics.New()
	pipeline, err := ingest.NewPipeline(ingest.PipelineConfig{
		Store:      repo,
		Backend:    backend,
		Thumbnails: media.NewTransformer(nil),
		Prober:     stubProber{},
		Config:     cfg,
		Metrics:    recorder,
	})
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	handler, err := api.NewHandler(api.HandlerConfig{
		Pipeline:   pipeline,
		Playback:   playback.NewResponder(backend, nil, recorder),
		Views:      views.NewStoreCounter(repo, nil, recorder),
		Components: map[string]api.Pinger{"datastore": repo},
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &testEnv{handler: handler, repo: repo, backend: backend, recorder: recorder}
}

func (e *testEnv) server(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.Metrics == nil {
		cfg.Metrics = e.recorder
	}
	srv, err := New(e.handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func envelopeCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return payload.Code
}

func assertHeaderEquals(t *testing.T, res *http.Response, key, expected string) {
	t.Helper()
	if got := res.Header.Get(key); got != expected {
		t.Fatalf("expected %s=%q, got %q", key, expected, got)
	}
}
