// Package shutdown drains the broker client within a hard deadline when the plugin unloads.
package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/geyserpub/internal/infra/telemetry"
	"github.com/coachpo/geyserpub/internal/observability"
)

// DefaultTimeout bounds the drain when no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Flusher is the broker client capability the coordinator drives.
type Flusher interface {
	// Flush blocks until the client buffer is empty or ctx is done and returns what remains.
	Flush(ctx context.Context) (int64, error)
	// Pending returns the outstanding record count without blocking.
	Pending() int64
}

// State is the coordinator lifecycle.
type State int32

const (
	// Running accepts traffic normally.
	Running State = iota
	// Draining waits for the broker client to flush.
	Draining
	// Stopped is terminal.
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Outcome summarises a drain.
type Outcome struct {
	// Flushed is true when nothing was left outstanding.
	Flushed bool
	// Remaining counts the messages abandoned at the deadline.
	Remaining int64
	// Deadline is the hard bound the drain ran under.
	Deadline time.Time
	// Elapsed is how long the drain took.
	Elapsed time.Duration
	// Err is a flush error unrelated to the deadline, if any.
	Err error
}

// Result labels the outcome for logs and metrics.
func (o Outcome) Result() string {
	if o.Flushed {
		return telemetry.ResultFlushed
	}
	return telemetry.ResultAbandoned
}

// Coordinator moves Running -> Draining -> Stopped exactly once.
type Coordinator struct {
	flusher Flusher
	timeout time.Duration
	logger  observability.Logger

	state   atomic.Int32
	once    sync.Once
	outcome Outcome

	drainDuration metric.Float64Histogram
	abandoned     metric.Int64Counter
	drains        metric.Int64Counter
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used to report the drain outcome.
func WithLogger(logger observability.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a coordinator. A non-positive timeout selects DefaultTimeout.
func New(flusher Flusher, timeout time.Duration, opts ...Option) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := new(Coordinator)
	c.flusher = flusher
	c.timeout = timeout
	c.logger = observability.Log()
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}

	meter := telemetry.Meter()
	c.drainDuration, _ = meter.Float64Histogram("shutdown.drain.duration",
		metric.WithDescription("Time spent draining the broker client at unload"),
		metric.WithUnit("ms"))
	c.abandoned, _ = meter.Int64Counter("shutdown.abandoned",
		metric.WithDescription("Messages still outstanding when the drain deadline passed"),
		metric.WithUnit("{message}"))
	c.drains, _ = meter.Int64Counter("shutdown.drains",
		metric.WithDescription("Drain outcomes"),
		metric.WithUnit("{drain}"))
	return c
}

// Timeout returns the configured drain bound.
func (c *Coordinator) Timeout() time.Duration {
	return c.timeout
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Drain flushes the broker client and always returns by the earlier of ctx's deadline and
// now+timeout. Later calls return the first outcome.
func (c *Coordinator) Drain(ctx context.Context) Outcome {
	c.once.Do(func() {
		c.outcome = c.drain(ctx)
		c.state.Store(int32(Stopped))
	})
	return c.outcome
}

func (c *Coordinator) drain(ctx context.Context) Outcome {
	c.state.Store(int32(Draining))
	start := time.Now()
	deadline := start.Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	outcome := Outcome{Deadline: deadline, Flushed: true}
	if c.flusher != nil {
		outcome.Remaining, outcome.Err = c.flush(ctx, deadline)
		outcome.Flushed = outcome.Remaining == 0
	}
	outcome.Elapsed = time.Since(start)
	c.report(outcome)
	return outcome
}

type flushResult struct {
	remaining int64
	err       error
}

// flush runs the client flush in the background so an unresponsive client cannot hold
// the caller past the deadline.
func (c *Coordinator) flush(ctx context.Context, deadline time.Time) (int64, error) {
	flushCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	done := make(chan flushResult, 1)
	go func() {
		remaining, err := c.flusher.Flush(flushCtx)
		done <- flushResult{remaining: remaining, err: err}
	}()

	select {
	case res := <-done:
		if res.remaining == 0 || isDeadline(res.err) {
			return res.remaining, nil
		}
		return res.remaining, res.err
	case <-flushCtx.Done():
		return c.flusher.Pending(), nil
	}
}

func isDeadline(err error) bool {
	return err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

func (c *Coordinator) report(o Outcome) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrResult.String(o.Result()))
	if c.drainDuration != nil {
		c.drainDuration.Record(ctx, float64(o.Elapsed.Microseconds())/1000, attrs)
	}
	if c.drains != nil {
		c.drains.Add(ctx, 1, attrs)
	}
	if o.Remaining > 0 && c.abandoned != nil {
		c.abandoned.Add(ctx, o.Remaining, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	fields := []observability.Field{
		observability.F("result", o.Result()),
		observability.F("remaining", o.Remaining),
		observability.F("elapsed", o.Elapsed.String()),
		observability.F("timeout", c.timeout.String()),
	}
	switch {
	case o.Err != nil:
		c.logger.Error("broker drain failed", append(fields, observability.F("error", o.Err))...)
	case o.Flushed:
		c.logger.Info("broker drained", fields...)
	default:
		c.logger.Warn("shutdown deadline reached; abandoning outstanding messages", fields...)
	}
}
