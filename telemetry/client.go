package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/resilience"
)

// Log levels accepted by PushLog.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Measurement is a named numeric sample.
type Measurement struct {
	Name       string
	Value      float64
	Unit       string
	Attributes Attributes
}

// ClientOption customizes a Client beyond what core.Config describes.
type ClientOption func(*clientOptions)

type clientOptions struct {
	logger       core.Logger
	transport    Transport
	clock        clock.Clock
	hooks        []BeforeSendFunc
	httpClient   *http.Client
	metricReader sdkmetric.Reader
	providers    *Providers
}

// WithLogger sets the logger used for the pipeline's own diagnostics.
func WithLogger(logger core.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

// WithTransport replaces the transport selected by the configuration.
func WithTransport(t Transport) ClientOption {
	return func(o *clientOptions) { o.transport = t }
}

// WithClock sets the clock used for envelope timestamps and timers.
func WithClock(clk clock.Clock) ClientOption {
	return func(o *clientOptions) { o.clock = clk }
}

// WithBeforeSend adds a hook run on every envelope before it is queued.
// Hooks run in the order they were added.
func WithBeforeSend(fn BeforeSendFunc) ClientOption {
	return func(o *clientOptions) {
		if fn != nil {
			o.hooks = append(o.hooks, fn)
		}
	}
}

// WithHTTPClient sets the client used by the HTTP transport.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithMetricReader registers an extra metric reader on the client's meter provider.
func WithMetricReader(r sdkmetric.Reader) ClientOption {
	return func(o *clientOptions) { o.metricReader = r }
}

// WithProviders makes the client use providers owned by the caller. They are not
// shut down with the client.
func WithProviders(p *Providers) ClientOption {
	return func(o *clientOptions) { o.providers = p }
}

// Client is the entry point of the pipeline. It owns the session and user context, the
// envelope builder and the dispatcher that ships envelopes in the background.
//
// Every push and track method returns immediately and never panics. Delivery failures
// are logged as warnings on the client's logger and are otherwise invisible to callers.
// A Client is safe for concurrent use.
type Client struct {
	config     *core.Config
	store      *ContextStore
	builder    *Builder
	dispatcher *Dispatcher
	transport  Transport
	circuit    *TelemetryCircuitBreaker
	logger     core.Logger
	metrics    *Instruments
	limiter    *CardinalityLimiter
	hooks      []BeforeSendFunc
	clock      clock.Clock
	startTime  time.Time

	providers     *Providers
	ownsProviders bool

	timersMu sync.Mutex
	timers   map[string]time.Time

	closeOnce sync.Once
	closeErr  error
}

// NewClient creates a client from cfg and starts its workers. A nil cfg is loaded
// with core.NewConfig, i.e. from defaults and the environment.
func NewClient(cfg *core.Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		var err error
		if cfg, err = core.NewConfig(); err != nil {
			return nil, err
		}
	} else if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &clientOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Client{
		config: cfg,
		clock:  o.clock,
		timers: make(map[string]time.Time),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.startTime = c.clock.Now()

	c.logger = o.logger
	if c.logger == nil {
		tl := NewTelemetryLogger(cfg.AppName)
		tl.SetLevel(cfg.Logging.Level)
		tl.SetFormat(cfg.Logging.Format)
		c.logger = tl
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = NewSessionID(cfg.Platform, c.clock.Now())
	}
	c.store = NewContextStore(Attributes{
		AttrPlatform:    String(cfg.Platform),
		AttrSessionID:   String(sessionID),
		AttrAppName:     String(cfg.AppName),
		AttrAppVersion:  String(cfg.AppVersion),
		AttrEnvironment: String(cfg.Environment),
	})
	c.builder = NewBuilder(c.store, c.clock)

	if err := c.setupProviders(o); err != nil {
		return nil, err
	}

	c.transport = o.transport
	if c.transport == nil {
		t, err := c.newTransport(o)
		if err != nil {
			_ = c.shutdownProviders(context.Background())
			return nil, err
		}
		c.transport = t
	}

	c.circuit = NewTelemetryCircuitBreaker(CircuitConfigFrom(cfg.CircuitBreaker), c.logger, c.clock)

	c.hooks = append(c.hooks, o.hooks...)
	if len(cfg.RedactKeys) > 0 {
		c.hooks = append(c.hooks, RedactHook(cfg.RedactKeys...))
	}

	c.dispatcher = NewDispatcher(c.transport, DispatcherConfig{
		QueueSize: cfg.Queue.Size,
		Workers:   cfg.Queue.Workers,
		Retry:     c.retryConfig(),
		Circuit:   c.circuit,
		Logger:    c.logger,
		Metrics:   c.metrics,
		Clock:     c.clock,
	})
	c.dispatcher.Start()

	c.logger.Info("Telemetry client started", map[string]interface{}{
		"endpoint":    c.endpoint(),
		"transport":   c.transport.Name(),
		"session_id":  sessionID,
		"app_name":    cfg.AppName,
		"environment": cfg.Environment,
	})
	return c, nil
}

func (c *Client) setupProviders(o *clientOptions) error {
	cfg := c.config
	if o.providers != nil {
		c.providers = o.providers
	} else if cfg.MetricsEnabled || cfg.TracingEnabled || cfg.Transport.Kind == "otlp" {
		pc := ProviderConfigFrom(cfg)
		pc.MetricReader = o.metricReader
		p, err := NewProviders(context.Background(), pc)
		if err != nil {
			return &core.FrameworkError{
				Op:      "NewClient",
				Kind:    "telemetry",
				Message: "failed to create OpenTelemetry providers",
				Err:     err,
			}
		}
		c.providers = p
		c.ownsProviders = true
		if p.Exporting() {
			p.SetGlobal()
		}
	}

	if cfg.MetricsEnabled && c.providers != nil && c.providers.MeterProvider != nil {
		c.limiter = NewCardinalityLimiter(map[string]int{"screen_name": 200, "endpoint": 200}, 100)
		m, err := NewInstruments(c.providers.MeterProvider, c.limiter)
		if err != nil {
			c.logger.Warn("Metric instruments unavailable", map[string]interface{}{
				"error":  err.Error(),
				"impact": "Measurements are shipped but not mirrored into metrics",
			})
			c.limiter.Stop()
			c.limiter = nil
		} else {
			c.metrics = m
			if tl, ok := c.logger.(*TelemetryLogger); ok {
				tl.SetHook(m.RecordLog)
			}
		}
	}
	return nil
}

func (c *Client) newTransport(o *clientOptions) (Transport, error) {
	cfg := c.config
	switch cfg.Transport.Kind {
	case "otlp":
		if c.providers == nil || c.providers.LoggerProvider == nil {
			return nil, &core.FrameworkError{
				Op:      "NewClient",
				Kind:    "transport",
				Message: "otlp transport requires a logger provider",
				Err:     core.ErrMissingConfiguration,
			}
		}
		return NewOTLPLogTransport(c.providers.LoggerProvider)
	default:
		return NewHTTPTransport(HTTPTransportConfig{
			URL:     cfg.URL,
			Timeout: cfg.Transport.Timeout,
			Headers: cfg.Headers,
			Client:  o.httpClient,
			Traced:  cfg.TracingEnabled,
		}), nil
	}
}

func (c *Client) retryConfig() *resilience.RetryConfig {
	t := c.config.Transport
	return &resilience.RetryConfig{
		MaxAttempts:   t.MaxAttempts,
		InitialDelay:  t.InitialBackoff,
		MaxDelay:      t.MaxBackoff,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		ShouldRetry:   core.IsRetryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			c.logger.Debug("Retrying envelope delivery", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
				"delay":   delay.String(),
			})
		},
	}
}

func (c *Client) endpoint() string {
	if c.config.Transport.Kind == "otlp" {
		return c.config.OTLP.Endpoint
	}
	return c.config.URL
}

// PushEvent records a named event.
func (c *Client) PushEvent(name string, attrs Attributes) {
	c.PushEventContext(context.Background(), name, attrs)
}

// PushEventContext records a named event linked to the span and baggage in ctx.
func (c *Client) PushEventContext(ctx context.Context, name string, attrs Attributes) {
	defer c.recoverHelper("PushEvent")

	name = normalizeName(name)
	c.emit(KindEvent, Payload{Name: name, Attributes: attrs, Context: ctx})
	if c.config.TracingEnabled {
		AddSpanEvent(ctx, name, spanAttributes(attrs)...)
	}
}

// PushMeasurement records a numeric sample.
func (c *Client) PushMeasurement(m Measurement) {
	c.PushMeasurementContext(context.Background(), m)
}

// PushMeasurementContext records a numeric sample linked to ctx. Non-finite values are
// recorded as 0. The unit, if any, is also copied into the attributes.
func (c *Client) PushMeasurementContext(ctx context.Context, m Measurement) {
	defer c.recoverHelper("PushMeasurement")

	name := normalizeName(m.Name)
	value := m.Value
	if math.IsNaN(value) || math.IsInf(value, 0) {
		c.logger.Debug("Non-finite measurement value replaced with 0", map[string]interface{}{
			"name":  name,
			"value": fmt.Sprint(value),
		})
		value = 0
	}

	attrs := m.Attributes.Clone()
	if m.Unit != "" {
		attrs["unit"] = String(m.Unit)
	}
	data := &MeasurementData{Name: name, Value: value, Unit: m.Unit}

	c.emit(KindMeasurement, Payload{Name: name, Attributes: attrs, Measurement: data, Context: ctx})
	c.metrics.RecordMeasurement(contextOrBackground(ctx), data, attrs)
}

// PushError records err as an error envelope with handled=true. A nil err is recorded
// as "unknown error".
func (c *Client) PushError(err error, attrs Attributes) {
	defer c.recoverHelper("PushError")
	c.pushError(context.Background(), err, attrs, true, 1)
}

// PushErrorContext records err linked to ctx and marks the span in ctx as failed.
func (c *Client) PushErrorContext(ctx context.Context, err error, attrs Attributes) {
	defer c.recoverHelper("PushError")
	c.pushError(ctx, err, attrs, true, 1)
	if c.config.TracingEnabled {
		RecordSpanError(ctx, err)
	}
}

// pushError records err. The captured stack starts skip frames above the caller of
// pushError.
func (c *Client) pushError(ctx context.Context, err error, attrs Attributes, handled bool, skip int) {
	data := captureError(err, skip)
	merged := Attributes{"handled": Bool(handled)}.Merge(attrs)
	c.emit(KindError, Payload{
		Name:       data.Type,
		Message:    data.Message,
		Attributes: merged,
		Error:      data,
		Context:    ctx,
	})
}

// PushLog records a log line. Unknown levels are recorded as info.
func (c *Client) PushLog(level, message string, attrs Attributes) {
	c.PushLogContext(context.Background(), level, message, attrs)
}

// PushLogContext records a log line linked to ctx.
func (c *Client) PushLogContext(ctx context.Context, level, message string, attrs Attributes) {
	defer c.recoverHelper("PushLog")
	c.emit(KindLog, Payload{
		Message:    message,
		Level:      normalizeLevel(level),
		Attributes: attrs,
		Context:    ctx,
	})
}

// SetSession merges attrs into the session context.
func (c *Client) SetSession(attrs Attributes) {
	defer c.recoverHelper("SetSession")
	c.store.SetSession(attrs)
}

// AddSessionAttribute sets one session attribute.
func (c *Client) AddSessionAttribute(key string, value interface{}) {
	defer c.recoverHelper("AddSessionAttribute")
	c.store.AddSessionAttribute(key, value)
}

// SetUser replaces the user context.
func (c *Client) SetUser(u User) {
	defer c.recoverHelper("SetUser")
	c.store.SetUser(u)
}

// SetUserContext replaces the user context with id, the client platform and attrs.
func (c *Client) SetUserContext(id string, attrs Attributes) {
	defer c.recoverHelper("SetUserContext")
	base := Attributes{AttrPlatform: String(c.config.Platform)}
	c.store.SetUser(User{ID: id, Attributes: base.Merge(attrs)})
}

// ClearUser empties the user context, e.g. on logout.
func (c *Client) ClearUser() {
	defer c.recoverHelper("ClearUser")
	c.store.ClearUser()
}

// Session returns a copy of the current session context.
func (c *Client) Session() Attributes { return c.store.Session() }

// User returns a copy of the current user context.
func (c *Client) User() Attributes { return c.store.User() }

// SessionID returns the id of the current session.
func (c *Client) SessionID() string {
	return c.store.Session()[AttrSessionID].String()
}

// Config returns a copy of the client configuration.
func (c *Client) Config() core.Config { return *c.config }

// Logger returns the logger the client reports its own diagnostics to.
func (c *Client) Logger() core.Logger { return c.logger }

// Flush waits until every envelope pushed before the call has been attempted.
func (c *Client) Flush(ctx context.Context) error {
	return c.dispatcher.Flush(ctx)
}

// Shutdown drains the queue and releases the transport and OpenTelemetry providers.
// Without a deadline on ctx the configured queue shutdown timeout applies. Envelopes
// pushed after Shutdown are dropped. Calling Shutdown more than once is safe.
func (c *Client) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && c.config.Queue.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Queue.ShutdownTimeout)
		defer cancel()
	}

	err := c.dispatcher.Shutdown(ctx)
	c.closeOnce.Do(func() {
		stats := c.dispatcher.Stats()
		c.logger.Info("Telemetry client stopped", map[string]interface{}{
			"sent":    stats.Sent,
			"failed":  stats.Failed,
			"dropped": stats.Dropped,
		})
		if c.limiter != nil {
			c.limiter.Stop()
		}
		c.closeErr = c.shutdownProviders(ctx)
	})
	return errors.Join(err, c.closeErr)
}

func (c *Client) shutdownProviders(ctx context.Context) error {
	if !c.ownsProviders {
		return nil
	}
	return c.providers.Shutdown(ctx)
}

// emit builds an envelope, runs the hooks and queues the result.
func (c *Client) emit(kind Kind, p Payload) {
	env := c.builder.Build(kind, p)
	for _, hook := range c.hooks {
		if env = hook(env); env == nil {
			c.dispatcher.dropped.Add(1)
			c.metrics.RecordDropped(context.Background(), DropHook)
			c.logger.Debug("Envelope dropped by before-send hook", map[string]interface{}{
				"type": string(kind),
				"name": p.Name,
			})
			return
		}
	}
	c.dispatcher.Enqueue(env)
}

// recoverHelper is deferred by every public method so a bug in the pipeline never
// reaches the host application.
func (c *Client) recoverHelper(op string) {
	if r := recover(); r != nil {
		c.logger.Warn("Recovered panic in telemetry helper", map[string]interface{}{
			"operation": op,
			"error":     fmt.Sprint(r),
			"impact":    "Envelope discarded",
		})
	}
}

func normalizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unnamed"
	}
	return name
}

func normalizeLevel(level string) string {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return l
	case "warning":
		return LevelWarn
	default:
		return LevelInfo
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
