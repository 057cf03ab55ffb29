package allowlist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/infra/telemetry"
	"github.com/coachpo/geyserpub/internal/observability"
)

const (
	// MinExpiry is the shortest allowed interval between successful fetches.
	MinExpiry = time.Second
	// DefaultPollInterval is how often the refresher checks for expiry.
	DefaultPollInterval = time.Second
)

// TickResult describes what a single refresh check did.
type TickResult int

const (
	// TickNotDue means the cache is younger than the expiry; nothing was fetched.
	TickNotDue TickResult = iota
	// TickBackingOff means a previous failure postponed the next attempt.
	TickBackingOff
	// TickRefreshed means a fetch succeeded and the snapshot was replaced.
	TickRefreshed
	// TickFailed means a fetch was attempted and failed; the cache is unchanged.
	TickFailed
)

func (r TickResult) String() string {
	switch r {
	case TickNotDue:
		return "not_due"
	case TickBackingOff:
		return "backing_off"
	case TickRefreshed:
		return "refreshed"
	case TickFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Refresher periodically re-fetches the remote allowlist and swaps it into the cache.
// It is the only writer of the cache.
type Refresher struct {
	cache        *Cache
	fetcher      Fetcher
	expiry       time.Duration
	pollInterval time.Duration
	now          func() time.Time
	logger       observability.Logger
	meter        metric.Meter
	metrics      *refreshMetrics

	mu          sync.Mutex
	retry       backoff.BackOff
	nextAttempt time.Time

	lifecycle conc.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
}

// Option customises a Refresher.
type Option func(*Refresher)

// WithClock overrides the time source, primarily for testing.
func WithClock(now func() time.Time) Option {
	return func(r *Refresher) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPollInterval overrides how often expiry is checked.
func WithPollInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithRetryBackOff overrides the policy spacing attempts after failures.
func WithRetryBackOff(b backoff.BackOff) Option {
	return func(r *Refresher) {
		if b != nil {
			r.retry = b
		}
	}
}

// WithMeterProvider reports refresh metrics to provider instead of the global one.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Refresher) {
		if provider != nil {
			r.meter = provider.Meter(telemetry.MeterName)
		}
	}
}

// WithLogger sets the logger used for refresh warnings.
func WithLogger(logger observability.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRefresher constructs a refresher. Expiry is clamped to MinExpiry.
func NewRefresher(cache *Cache, fetcher Fetcher, expiry time.Duration, opts ...Option) *Refresher {
	if expiry < MinExpiry {
		expiry = MinExpiry
	}
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = expiry

	r := &Refresher{
		cache:        cache,
		fetcher:      fetcher,
		expiry:       expiry,
		pollInterval: DefaultPollInterval,
		now:          time.Now,
		logger:       observability.Log(),
		retry:        retry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.pollInterval > r.expiry {
		r.pollInterval = r.expiry
	}
	if r.meter == nil {
		r.meter = telemetry.Meter()
	}
	r.metrics = newRefreshMetrics(r.meter, cache)
	return r
}

// Expiry returns the effective expiry after clamping.
func (r *Refresher) Expiry() time.Duration {
	return r.expiry
}

// Prime performs an initial fetch regardless of expiry. A failure leaves the static
// allowlist in force and is returned for logging only.
func (r *Refresher) Prime(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.attemptLocked(ctx, r.now())
	return err
}

// Tick runs one refresh check: fetch only when the last successful fetch is at least
// expiry old and no failure backoff is pending.
func (r *Refresher) Tick(ctx context.Context) (TickResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	snap := r.cache.Load()
	if !snap.FetchedAt.IsZero() && now.Sub(snap.FetchedAt) < r.expiry {
		return TickNotDue, nil
	}
	if !r.nextAttempt.IsZero() && now.Before(r.nextAttempt) {
		return TickBackingOff, nil
	}
	return r.attemptLocked(ctx, now)
}

func (r *Refresher) attemptLocked(ctx context.Context, now time.Time) (TickResult, error) {
	start := time.Now()
	ids, err := r.fetcher.Fetch(ctx)
	r.metrics.recordFetchDuration(ctx, time.Since(start), r.cache.Source())

	if err != nil {
		delay := r.retry.NextBackOff()
		if delay == backoff.Stop || delay > r.expiry {
			delay = r.expiry
		}
		r.nextAttempt = now.Add(delay)
		reason := failureReason(err)
		r.metrics.recordRefresh(ctx, r.cache.Source(), false, reason)
		if !errors.Is(err, context.Canceled) {
			r.logger.Warn("allowlist refresh failed; keeping previous allowlist",
				observability.F("source", r.cache.Source()),
				observability.F("reason", reason),
				observability.F("retry_in", delay.String()),
				observability.F("error", err))
		}
		return TickFailed, err
	}

	snap := r.cache.replace(ids, now)
	r.retry.Reset()
	r.nextAttempt = time.Time{}
	r.metrics.recordRefresh(ctx, r.cache.Source(), true, "")
	r.logger.Info("allowlist refreshed",
		observability.F("source", r.cache.Source()),
		observability.F("remote_size", len(snap.Remote)),
		observability.F("combined_size", len(snap.Combined)))
	return TickRefreshed, nil
}

// Start launches the background refresh loop. Calling Start more than once has no effect.
func (r *Refresher) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		loopCtx, cancel := context.WithCancel(ctx)
		r.cancel = cancel
		r.lifecycle.Go(func() {
			r.run(loopCtx)
		})
	})
}

// Stop cancels any in-flight fetch and waits for the loop to exit.
func (r *Refresher) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.lifecycle.Wait()
		r.metrics.unregister()
	})
}

func (r *Refresher) run(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = r.Tick(ctx)
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errs.HasCode(err, errs.CodeDecode):
		return "malformed"
	case errs.HasCode(err, errs.CodeNetwork):
		return "network"
	default:
		return "unknown"
	}
}
