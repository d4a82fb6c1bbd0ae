package collector

import (
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itsneelabh/pulse/core"
)

// slowRequest is the duration above which a request is logged outside dev mode.
const slowRequest = time.Second

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.status = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	if !rw.written {
		rw.status = http.StatusOK
		rw.written = true
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs requests through logger. In dev mode every request is
// logged; otherwise only 4xx, 5xx and requests slower than a second.
func LoggingMiddleware(logger core.Logger, devMode bool, clk clock.Clock) func(http.Handler) http.Handler {
	if clk == nil {
		clk = clock.New()
	}
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clk.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			duration := clk.Since(start)
			if !devMode && rec.status < 400 && duration <= slowRequest {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      rec.status,
				"duration_ms": duration.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if r.URL.RawQuery != "" {
				fields["query"] = r.URL.RawQuery
			}
			if r.ContentLength > 0 {
				fields["content_length"] = r.ContentLength
			}

			switch {
			case rec.status >= 500:
				logger.Error("HTTP request error", fields)
			case rec.status >= 400:
				logger.Warn("HTTP request client error", fields)
			case duration > slowRequest:
				logger.Warn("HTTP request slow", fields)
			default:
				logger.Info("HTTP request", fields)
			}
		})
	}
}
