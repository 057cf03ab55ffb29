// Package dispatcher hands encoded messages to the broker without ever blocking the caller.
package dispatcher

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/infra/telemetry"
	"github.com/coachpo/geyserpub/internal/observability"
)

// DefaultWarnInterval spaces saturation and delivery-failure warnings, each per topic.
const DefaultWarnInterval = 10 * time.Second

// Broker is the non-blocking hand-off into the broker client's send buffer.
// TryEnqueue returns false when the buffer is saturated or the client is closed.
type Broker interface {
	TryEnqueue(msg schema.OutboundMessage) bool
}

// Result is the outcome of a publish attempt.
type Result uint8

const (
	// Enqueued means the broker client accepted the message.
	Enqueued Result = iota
	// Dropped means the broker buffer was saturated and the message was discarded.
	Dropped
)

func (r Result) String() string {
	if r == Enqueued {
		return telemetry.ResultEnqueued
	}
	return telemetry.ResultDropped
}

// TopicStats is a point-in-time copy of a topic's counters.
type TopicStats struct {
	Enqueued         uint64
	Dropped          uint64
	DeliveryFailures uint64
}

type topicState struct {
	enqueued         atomic.Uint64
	dropped          atomic.Uint64
	deliveryFailures atomic.Uint64
	attrs            metric.MeasurementOption
	dropWarn         *rate.Limiter
	failureWarn      *rate.Limiter
}

// Dispatcher applies the drop-on-saturation policy and keeps per-topic counters.
type Dispatcher struct {
	broker       Broker
	logger       observability.Logger
	warnInterval time.Duration
	topics       sync.Map // map[string]*topicState

	enqueuedCounter        metric.Int64Counter
	droppedCounter         metric.Int64Counter
	deliveryFailureCounter metric.Int64Counter
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger used for saturation warnings.
func WithLogger(logger observability.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithWarnInterval overrides how often a saturated topic is logged.
func WithWarnInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.warnInterval = interval
		}
	}
}

// New constructs a dispatcher over the supplied broker.
func New(broker Broker, opts ...Option) *Dispatcher {
	d := new(Dispatcher)
	d.broker = broker
	d.logger = observability.Log()
	d.warnInterval = DefaultWarnInterval
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	meter := telemetry.Meter()
	d.enqueuedCounter, _ = meter.Int64Counter("dispatcher.messages.enqueued",
		metric.WithDescription("Messages accepted by the broker client"),
		metric.WithUnit("{message}"))
	d.droppedCounter, _ = meter.Int64Counter("dispatcher.messages.dropped",
		metric.WithDescription("Messages dropped because the broker buffer was saturated"),
		metric.WithUnit("{message}"))
	d.deliveryFailureCounter, _ = meter.Int64Counter("dispatcher.delivery.failures",
		metric.WithDescription("Messages the broker client failed to deliver after hand-off"),
		metric.WithUnit("{message}"))
	return d
}

// TryPublish offers msg to the broker exactly once. It never blocks, never retries and never errors.
func (d *Dispatcher) TryPublish(ctx context.Context, msg schema.OutboundMessage) Result {
	state := d.topic(msg.Topic)
	if d.broker != nil && d.broker.TryEnqueue(msg) {
		state.enqueued.Add(1)
		if d.enqueuedCounter != nil {
			d.enqueuedCounter.Add(ctx, 1, state.attrs)
		}
		return Enqueued
	}

	total := state.dropped.Add(1)
	if d.droppedCounter != nil {
		d.droppedCounter.Add(ctx, 1, state.attrs)
	}
	if state.dropWarn.Allow() {
		d.logger.Warn("broker buffer saturated; dropping messages",
			observability.F("topic", msg.Topic),
			observability.F("dropped_total", total))
	}
	return Dropped
}

// RecordDeliveryFailure counts a message the broker client gave up on after accepting it.
func (d *Dispatcher) RecordDeliveryFailure(topic string, err error) {
	state := d.topic(topic)
	total := state.deliveryFailures.Add(1)
	if d.deliveryFailureCounter != nil {
		d.deliveryFailureCounter.Add(context.Background(), 1, state.attrs)
	}
	if state.failureWarn.Allow() {
		d.logger.Warn("broker failed to deliver message",
			observability.F("topic", topic),
			observability.F("delivery_failures_total", total),
			observability.F("error", err))
	}
}

// Drops returns the number of messages dropped for topic.
func (d *Dispatcher) Drops(topic string) uint64 {
	if v, ok := d.topics.Load(topic); ok {
		return v.(*topicState).dropped.Load()
	}
	return 0
}

// Snapshot copies the counters of every topic seen so far.
func (d *Dispatcher) Snapshot() map[string]TopicStats {
	out := make(map[string]TopicStats)
	d.topics.Range(func(key, value any) bool {
		state := value.(*topicState)
		out[key.(string)] = TopicStats{
			Enqueued:         state.enqueued.Load(),
			Dropped:          state.dropped.Load(),
			DeliveryFailures: state.deliveryFailures.Load(),
		}
		return true
	})
	return out
}

// Topics lists the topics seen so far in lexical order.
func (d *Dispatcher) Topics() []string {
	var out []string
	d.topics.Range(func(key, _ any) bool {
		out = append(out, key.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (d *Dispatcher) topic(name string) *topicState {
	if v, ok := d.topics.Load(name); ok {
		return v.(*topicState)
	}
	state := &topicState{
		attrs:       metric.WithAttributeSet(attribute.NewSet(telemetry.TopicAttributes(telemetry.Environment(), name)...)),
		dropWarn:    rate.NewLimiter(rate.Every(d.warnInterval), 1),
		failureWarn: rate.NewLimiter(rate.Every(d.warnInterval), 1),
	}
	actual, _ := d.topics.LoadOrStore(name, state)
	return actual.(*topicState)
}
