package collector

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSConfig controls which browser origins may post envelopes to the collector.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled" yaml:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods" yaml:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers" yaml:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials" yaml:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age" yaml:"max_age"`
}

// DefaultCORSConfig returns a disabled configuration with the methods and headers a
// telemetry client sends. Origins must be listed explicitly once enabled.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		Enabled:        false,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Traceparent", "Tracestate", "Baggage"},
		MaxAge:         86400, // 24 hours
	}
}

// CORSMiddleware adds CORS headers for allowed origins and answers preflight
// requests with 204.
//
// Origins match exactly, by "*", by subdomain wildcard ("https://*.example.com") or
// by port wildcard ("http://localhost:*").
func CORSMiddleware(config CORSConfig) func(http.Handler) http.Handler {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		if !config.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if isOriginAllowed(origin, config.AllowedOrigins) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				if config.AllowCredentials {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if methods != "" {
					h.Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					h.Set("Access-Control-Allow-Headers", headers)
				}
				if config.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isOriginAllowed reports whether origin matches one of the allowed patterns. An
// empty origin is a same-origin request and needs no CORS headers.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	if origin == "" {
		return false
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}

		if i := strings.Index(allowed, "*."); i >= 0 {
			prefix, suffix := allowed[:i], allowed[i+1:] // suffix keeps the dot
			// The root domain itself does not match a subdomain wildcard.
			if len(origin) > len(prefix)+len(suffix) && strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix) {
				if sub := origin[len(prefix) : len(origin)-len(suffix)]; !strings.HasSuffix(sub, ".") {
					return true
				}
			}
		}

		if base, ok := strings.CutSuffix(allowed, ":*"); ok && strings.HasPrefix(origin, base+":") {
			return true
		}
	}
	return false
}
