package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vidhub/internal/api"
	"vidhub/internal/api/response"
	"vidhub/internal/observability/logging"
	"vidhub/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// ReadTimeout and WriteTimeout default to zero so long uploads and
	// streams are not cut off; slow clients are bounded by ReadHeaderTimeout
	// and IdleTimeout.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

// apiRoutes are the JSON endpoints browsers call cross-origin; they get the
// CORS policy and a preflight route. Player origins may only report views.
var apiRoutes = []struct {
	method, path string
	player       bool
	handler      func(*api.Handler) http.HandlerFunc
}{
	{http.MethodPost, "/upload-video", false, func(h *api.Handler) http.HandlerFunc { return h.UploadVideo }},
	{http.MethodPost, "/generate-presigned-url", false, func(h *api.Handler) http.HandlerFunc { return h.GeneratePresignedURL }},
	{http.MethodPost, "/confirm-upload/{videoId}", false, func(h *api.Handler) http.HandlerFunc { return h.ConfirmUpload }},
	{http.MethodPost, "/view-count/{uuid}", true, func(h *api.Handler) http.HandlerFunc { return h.IncrementViewCount }},
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logging.WithComponent(logger, "http")
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl, err := newRateLimiter(cfg.RateLimit)
	if err != nil {
		return nil, err
	}
	resolver, err := newClientIPResolver(cfg.RateLimit)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())
	for _, route := range apiRoutes {
		allowed := policy.upload
		if route.player {
			allowed = policy.viewers
		}
		mux.Handle(route.method+" "+route.path, corsMiddleware(allowed, logger, route.handler(handler)))
		mux.Handle(http.MethodOptions+" "+route.path, corsMiddleware(allowed, logger, http.HandlerFunc(preflightFallback)))
	}
	// GET patterns also match HEAD.
	mux.HandleFunc("GET /{username}/video/{filename}", handler.StreamVideo)
	mux.HandleFunc("GET /{username}/thumbnail/{filename}", handler.StreamThumbnail)

	handlerChain := jsonFallback(mux)
	handlerChain = rateLimitMiddleware(rl, resolver, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = metrics.RouteMiddleware(recorder, func(r *http.Request) string {
		_, pattern := mux.Handler(r)
		return pattern
	}, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		AdditionalFields: func(r *http.Request, _ int, _ time.Duration) []any {
			ip, source := resolver.ClientIPFromRequest(r)
			return []any{"client_ip", ip, "client_ip_source", string(source)}
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}
	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// HTTPServer exposes the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server { return s.httpServer }

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// preflightFallback answers OPTIONS requests that carried no Origin and so
// were not handled by the CORS middleware.
func preflightFallback(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func isUploadRoute(r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	path := r.URL.Path
	return path == "/upload-video" || path == "/generate-presigned-url" || strings.HasPrefix(path, "/confirm-upload/")
}

func rateLimitMiddleware(rl *rateLimiter, resolver *clientIPResolver, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, response.TooManyRequests)
			return
		}
		if isUploadRoute(r) {
			ip, _ := resolver.ClientIPFromRequest(r)
			allowed, retryAfter, err := rl.AllowUpload(r.Context(), ip)
			if err != nil {
				loggerWithRequest(r, logger).Error("rate limiter failure", "error", err)
				writeMiddlewareError(w, http.StatusServiceUnavailable, response.RateLimiterUnavailable)
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
				}
				writeMiddlewareError(w, http.StatusTooManyRequests, response.TooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// jsonFallback lets the mux route as usual but replaces its plain text 404
// and 405 bodies with the JSON envelope.
func jsonFallback(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, pattern := mux.Handler(r); pattern != "" {
			mux.ServeHTTP(w, r)
			return
		}
		capture := &fallbackWriter{header: make(http.Header), status: http.StatusNotFound}
		mux.ServeHTTP(capture, r)
		if allow := capture.header.Values("Allow"); len(allow) > 0 {
			w.Header()["Allow"] = allow
		}
		code := response.NotFound
		if capture.status == http.StatusMethodNotAllowed {
			code = response.MethodNotAllowed
		}
		response.Error(w, capture.status, code)
	})
}

type fallbackWriter struct {
	header http.Header
	status int
}

func (f *fallbackWriter) Header() http.Header { return f.header }

func (f *fallbackWriter) WriteHeader(status int) { f.status = status }

func (f *fallbackWriter) Write(p []byte) (int, error) { return len(p), nil }
