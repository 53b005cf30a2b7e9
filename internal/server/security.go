package server

import (
	"net/http"
	"strconv"
	"time"
)

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=(), interest-cohort=()"
	defaultContentTypeOptions = "nosniff"
)

// SecurityConfig controls the hardening headers added to every response. The
// service only returns JSON and media, so the default policy forbids loading
// anything in a browsing context. Zero-valued fields fall back to defaults.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
	// HSTSMaxAge is only advertised on TLS connections.
	HSTSMaxAge time.Duration
}

type headerValue struct {
	name  string
	value string
}

func defaultContentSecurityPolicy(frameAncestors string) string {
	if frameAncestors == "" {
		frameAncestors = defaultFrameAncestors
	}
	return "default-src 'none'; base-uri 'none'; frame-ancestors " + frameAncestors + "; form-action 'none'"
}

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

// headers resolves the configured values once so the middleware only copies
// them onto each response.
func (cfg SecurityConfig) headers() []headerValue {
	csp := cfg.ContentSecurityPolicy
	if csp == "" {
		csp = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}
	return []headerValue{
		{"Content-Security-Policy", csp},
		{"X-Frame-Options", orDefault(cfg.FrameOptions, defaultFrameOptions)},
		{"X-Content-Type-Options", orDefault(cfg.ContentTypeOptions, defaultContentTypeOptions)},
		{"Referrer-Policy", orDefault(cfg.ReferrerPolicy, defaultReferrerPolicy)},
		{"Permissions-Policy", orDefault(cfg.PermissionsPolicy, defaultPermissionsPolicy)},
	}
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	fixed := cfg.headers()
	hsts := ""
	if seconds := int64(cfg.HSTSMaxAge / time.Second); seconds > 0 {
		hsts = "max-age=" + strconv.FormatInt(seconds, 10)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for _, h := range fixed {
			header.Set(h.name, h.value)
		}
		if hsts != "" && r.TLS != nil {
			header.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
