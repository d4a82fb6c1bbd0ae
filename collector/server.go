package collector

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

// ServerConfig configures a collector Server.
type ServerConfig struct {
	Addr            string
	ServiceName     string
	DevMode         bool
	CORS            CORSConfig
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultServerConfig listens on the port clients post to by default.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:            ":12347",
		ServiceName:     "pulse-collector",
		CORS:            DefaultCORSConfig(),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Server runs the collector HTTP endpoints.
type Server struct {
	config  ServerConfig
	store   Store
	logger  core.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer wires the handler with tracing, CORS and request logging.
func NewServer(config ServerConfig, store Store, logger core.Logger) *Server {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if config.ServiceName == "" {
		config.ServiceName = "pulse-collector"
	}

	var handler http.Handler = NewHandler(store, logger).Routes()
	handler = CORSMiddleware(config.CORS)(handler)
	handler = LoggingMiddleware(logger, config.DevMode, clock.New())(handler)
	handler = telemetry.TracingMiddlewareWithConfig(config.ServiceName, &telemetry.TracingMiddlewareConfig{
		ExcludedPaths: []string{"/health"},
	})(handler)

	return &Server{
		config:  config,
		store:   store,
		logger:  logger,
		handler: handler,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down within ShutdownTimeout and
// closes the store.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting collector", map[string]interface{}{
			"address": s.config.Addr,
			"cors":    s.config.CORS.Enabled,
		})
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		if cerr := s.store.Close(); err == nil {
			err = cerr
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	s.logger.Info("Stopping collector", map[string]interface{}{"address": s.config.Addr})
	err := s.server.Shutdown(shutdownCtx)
	if cerr := s.store.Close(); err == nil {
		err = cerr
	}
	return err
}
