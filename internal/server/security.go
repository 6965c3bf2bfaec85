package server

import "net/http"

const (
	defaultContentSecurityPolicy = "default-src 'none'; frame-ancestors 'none'"
	defaultFrameOptions          = "DENY"
	defaultReferrerPolicy        = "no-referrer"
	defaultContentTypeOptions    = "nosniff"
	defaultStrictTransport       = "max-age=31536000"
)

// SecurityConfig overrides the hardening headers sent on every response.
// Empty fields keep the defaults, which forbid the browser from loading
// anything since the API only returns JSON and media bytes.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ReferrerPolicy        string
	ContentTypeOptions    string
	// StrictTransportSecurity is only sent on TLS connections.
	StrictTransportSecurity string
}

type headerValue struct{ name, value string }

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	always := []headerValue{
		{"Content-Security-Policy", orDefault(cfg.ContentSecurityPolicy, defaultContentSecurityPolicy)},
		{"X-Frame-Options", orDefault(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", orDefault(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, defaultReferrerPolicy)},
	}
	hsts := orDefault(cfg.StrictTransportSecurity, defaultStrictTransport)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for _, h := range always {
			header.Set(h.name, h.value)
		}
		if r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
