package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"vidhub/internal/api/response"
)

// CORSConfig declares the browser origins allowed to call the JSON API.
// UploadOrigins are studio frontends; they may call every API route.
// PlayerOrigins are embedded players; they may only report views. Same-origin
// requests are always allowed. Media streams set their own cross-origin
// headers and bypass this policy.
type CORSConfig struct {
	UploadOrigins []string
	PlayerOrigins []string
}

type originSet map[string]struct{}

func (s originSet) has(origin string) bool {
	_, ok := s[origin]
	return ok
}

type corsPolicy struct {
	upload originSet
	// viewers holds player and upload origins.
	viewers originSet
}

func newCORSPolicy(cfg CORSConfig) (corsPolicy, error) {
	upload, err := parseOrigins(cfg.UploadOrigins)
	if err != nil {
		return corsPolicy{}, err
	}
	player, err := parseOrigins(cfg.PlayerOrigins)
	if err != nil {
		return corsPolicy{}, err
	}
	viewers := make(originSet, len(upload)+len(player))
	for origin := range upload {
		viewers[origin] = struct{}{}
	}
	for origin := range player {
		viewers[origin] = struct{}{}
	}
	return corsPolicy{upload: upload, viewers: viewers}, nil
}

func parseOrigins(raw []string) (originSet, error) {
	set := make(originSet, len(raw))
	for _, origin := range raw {
		normalized, err := normalizeOrigin(origin)
		if err != nil {
			return nil, fmt.Errorf("parse origin %q: %w", origin, err)
		}
		if normalized != "" {
			set[normalized] = struct{}{}
		}
	}
	return set, nil
}

// normalizeOrigin lowercases scheme and host and drops any path.
func normalizeOrigin(origin string) (string, error) {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return "", nil
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("origin must include scheme and host")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}

// corsMiddleware admits requests without an Origin header, same-origin
// requests and origins in allowed. Anything else gets 403 before the handler
// runs, so a blocked upload never touches the pipeline.
func corsMiddleware(allowed originSet, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		normalized, err := normalizeOrigin(origin)
		if err != nil || normalized == "" || !(allowed.has(normalized) || normalized == requestOrigin(r)) {
			loggerWithRequest(r, logger).Warn("blocked CORS origin", "origin", origin, "path", r.URL.Path)
			writeMiddlewareError(w, http.StatusForbidden, response.OriginNotAllowed)
			return
		}

		header := w.Header()
		header.Set("Access-Control-Allow-Origin", origin)
		header.Add("Vary", "Origin")
		header.Set("Access-Control-Expose-Headers", "X-Request-Id, Retry-After")

		if r.Method != http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Access-Control-Request-Method") != "" {
			header.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
			if requested := r.Header.Get("Access-Control-Request-Headers"); requested != "" {
				header.Set("Access-Control-Allow-Headers", requested)
			} else {
				header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
			}
			header.Set("Access-Control-Max-Age", "600")
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// requestOrigin is the origin the request was addressed to.
func requestOrigin(r *http.Request) string {
	host := strings.ToLower(strings.TrimSpace(r.Host))
	if host == "" {
		return ""
	}
	if r.TLS != nil {
		return "https://" + host
	}
	return "http://" + host
}
