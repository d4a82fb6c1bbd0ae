package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/resilience"
)

// Drop reasons reported in logs and metrics.
const (
	DropQueueFull   = "queue_full"
	DropClosed      = "closed"
	DropCircuitOpen = "circuit_open"
	DropShutdown    = "shutdown"
	DropHook        = "before_send"
)

// dropErrors maps drop reasons to the state errors recorded as the last error.
var dropErrors = map[string]error{
	DropQueueFull:   core.ErrQueueFull,
	DropClosed:      core.ErrClientClosed,
	DropShutdown:    core.ErrClientClosed,
	DropCircuitOpen: core.ErrCircuitOpen,
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	QueueSize int
	Workers   int

	// Retry controls per-envelope delivery attempts. Nil means a single attempt.
	Retry *resilience.RetryConfig

	Circuit *TelemetryCircuitBreaker
	Logger  core.Logger
	Metrics *Instruments
	Clock   clock.Clock
}

// DispatcherStats is a point-in-time view of the dispatcher counters.
type DispatcherStats struct {
	Sent      int64
	Failed    int64
	Dropped   int64
	Queued    int
	LastError string
}

// queued is an accepted envelope and the flush generation it belongs to.
type queued struct {
	env *Envelope
	gen *flushGeneration
}

// flushGeneration counts the envelopes accepted between two Flush calls. done is
// closed once they and every earlier generation have been attempted.
type flushGeneration struct {
	wg   sync.WaitGroup
	prev *flushGeneration
	done chan struct{}
}

func newFlushGeneration(prev *flushGeneration) *flushGeneration {
	return &flushGeneration{prev: prev, done: make(chan struct{})}
}

// seal waits for the generation's envelopes in the background and closes done.
func (g *flushGeneration) seal() {
	go func() {
		g.wg.Wait()
		if g.prev != nil {
			<-g.prev.done
		}
		g.prev = nil
		close(g.done)
	}()
}

// lastErr boxes the last error so atomic.Value always stores one concrete type.
type lastErr struct{ err error }

// Dispatcher moves envelopes from callers to a Transport on background workers.
// Enqueue never blocks: when the queue is full the envelope is dropped and counted.
// Envelopes may reach the collector out of enqueue order.
type Dispatcher struct {
	transport Transport
	config    DispatcherConfig
	logger    core.Logger
	clock     clock.Clock

	queue chan queued

	// mu guards closed and sends on queue so that Shutdown can close the channel safely.
	mu     sync.RWMutex
	closed bool

	// ctx is cancelled when Shutdown gives up waiting; workers then abandon their work.
	ctx    context.Context
	cancel context.CancelFunc

	workers  sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	// genMu guards gen. Enqueue registers with the current generation and Flush
	// replaces it, so a Flush only waits for envelopes accepted before it.
	genMu sync.Mutex
	gen   *flushGeneration

	sent      atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	lastError atomic.Value // lastErr

	dropLimiter *RateLimiter
}

// NewDispatcher creates a dispatcher delivering through transport. Call Start to run
// the workers.
func NewDispatcher(transport Transport, config DispatcherConfig) *Dispatcher {
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Logger == nil {
		config.Logger = GetLogger()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Retry == nil {
		config.Retry = &resilience.RetryConfig{MaxAttempts: 1}
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		transport:   transport,
		config:      config,
		logger:      config.Logger,
		clock:       config.Clock,
		queue:       make(chan queued, config.QueueSize),
		ctx:         ctx,
		cancel:      cancel,
		stopped:     make(chan struct{}),
		gen:         newFlushGeneration(nil),
		dropLimiter: NewRateLimiterWithClock(5*time.Second, config.Clock),
	}
	d.lastError.Store(lastErr{})
	return d
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.config.Workers; i++ {
		d.workers.Add(1)
		go d.worker()
	}
}

// Enqueue hands env to the workers. It returns false if the envelope was dropped
// because the queue is full or the dispatcher is shut down.
func (d *Dispatcher) Enqueue(env *Envelope) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(DropClosed, env)
		return false
	}

	d.genMu.Lock()
	gen := d.gen
	gen.wg.Add(1)
	d.genMu.Unlock()

	select {
	case d.queue <- queued{env: env, gen: gen}:
		return true
	default:
		gen.wg.Done()
		d.drop(DropQueueFull, env)
		return false
	}
}

// Flush blocks until every envelope accepted before the call has been attempted or
// ctx is done. Envelopes enqueued while Flush waits are not waited for.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.genMu.Lock()
	gen := d.gen
	d.gen = newFlushGeneration(gen)
	d.genMu.Unlock()
	gen.seal()

	select {
	case <-gen.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting envelopes, waits for queued ones to be attempted and then
// closes the transport. If ctx ends first, in-flight sends are cancelled and whatever
// is still queued is counted as dropped. Calling Shutdown again waits on the same drain.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()

		go func() {
			d.workers.Wait()
			close(d.stopped)
		}()
	})

	var err error
	select {
	case <-d.stopped:
	case <-ctx.Done():
		d.cancel()
		<-d.stopped
		err = &core.FrameworkError{
			Op:      "Dispatcher.Shutdown",
			Kind:    "queue",
			Message: "shutdown deadline reached before the queue drained",
			Err:     ctx.Err(),
		}
	}
	d.cancel()

	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if cerr := d.transport.Close(closeCtx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Stats returns the current counters.
func (d *Dispatcher) Stats() DispatcherStats {
	stats := DispatcherStats{
		Sent:    d.sent.Load(),
		Failed:  d.failed.Load(),
		Dropped: d.dropped.Load(),
		Queued:  len(d.queue),
	}
	if err := d.LastError(); err != nil {
		stats.LastError = err.Error()
	}
	return stats
}

// LastError returns the most recent delivery failure or drop, or nil. Drops wrap
// core.ErrQueueFull, core.ErrClientClosed or core.ErrCircuitOpen.
func (d *Dispatcher) LastError() error {
	box, _ := d.lastError.Load().(lastErr)
	return box.err
}

// Closed reports whether Shutdown has been called.
func (d *Dispatcher) Closed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.closed
}

func (d *Dispatcher) worker() {
	defer d.workers.Done()
	for item := range d.queue {
		d.process(item)
	}
}

func (d *Dispatcher) process(item queued) {
	env := item.env
	defer item.gen.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			// Counted as a failure so a half-open circuit releases its trial slot.
			d.config.Circuit.RecordFailure()
			d.failed.Add(1)
			d.lastError.Store(lastErr{err: &core.FrameworkError{
				Op:      "Dispatcher.send",
				Kind:    "transport",
				ID:      env.Name,
				Message: "transport panicked",
				Err:     fmt.Errorf("%v", r),
			}})
			d.logger.Warn("Recovered panic while sending telemetry envelope", map[string]interface{}{
				"type":  string(env.Type),
				"name":  env.Name,
				"panic": fmt.Sprint(r),
			})
		}
	}()

	if d.ctx.Err() != nil {
		d.drop(DropShutdown, env)
		return
	}
	if !d.config.Circuit.Allow() {
		d.drop(DropCircuitOpen, env)
		return
	}

	start := d.clock.Now()
	attempts := 0
	err := resilience.Retry(d.ctx, d.config.Retry, func() error {
		attempts++
		return d.transport.Send(d.ctx, env)
	})
	if err != nil {
		if d.ctx.Err() != nil && errors.Is(err, context.Canceled) {
			d.drop(DropShutdown, env)
			return
		}
		d.config.Circuit.RecordFailure()
		d.failed.Add(1)
		d.lastError.Store(lastErr{err: err})
		d.config.Metrics.RecordFailed(d.ctx, env.Type, failureReason(err))

		d.logger.Warn("Failed to send telemetry envelope", map[string]interface{}{
			"error":     err.Error(),
			"type":      string(env.Type),
			"name":      env.Name,
			"attempts":  attempts,
			"transport": d.transport.Name(),
			"impact":    "Envelope discarded",
		})
		return
	}

	d.config.Circuit.RecordSuccess()
	d.sent.Add(1)
	d.config.Metrics.RecordSent(d.ctx, env.Type, d.clock.Since(start))
}

func (d *Dispatcher) drop(reason string, env *Envelope) {
	d.dropped.Add(1)
	d.config.Metrics.RecordDropped(context.Background(), reason)
	if sentinel, ok := dropErrors[reason]; ok {
		op := "Dispatcher.send"
		if reason == DropQueueFull || reason == DropClosed {
			op = "Dispatcher.Enqueue"
		}
		d.lastError.Store(lastErr{err: &core.FrameworkError{
			Op:      op,
			Kind:    "queue",
			ID:      env.Name,
			Message: "envelope dropped",
			Err:     sentinel,
		}})
	}

	switch reason {
	case DropQueueFull:
		if ok, suppressed := d.dropLimiter.AllowWithCount(); ok {
			d.logger.Warn("Telemetry queue full, dropping envelopes", map[string]interface{}{
				"queue_size":       d.config.QueueSize,
				"suppressed_drops": suppressed,
				"type":             string(env.Type),
				"name":             env.Name,
				"action":           "Increase queue size or workers, or check collector latency",
			})
		}
	default:
		d.logger.Debug("Dropping telemetry envelope", map[string]interface{}{
			"reason": reason,
			"type":   string(env.Type),
			"name":   env.Name,
		})
	}
}

// failureReason maps a delivery error to a low-cardinality metric label.
func failureReason(err error) string {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return fmt.Sprintf("http_%dxx", se.StatusCode/100)
	case errors.Is(err, core.ErrTimeout):
		return "timeout"
	case errors.Is(err, core.ErrConnectionFailed):
		return "connection"
	case errors.Is(err, core.ErrInvalidEnvelope):
		return "encoding"
	default:
		return "other"
	}
}
