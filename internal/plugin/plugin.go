// Package plugin wires the filter, codec, dispatcher, allowlist refresher and shutdown
// coordinator behind the host callback surface.
package plugin

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/geyserpub/internal/allowlist"
	"github.com/coachpo/geyserpub/internal/codec"
	"github.com/coachpo/geyserpub/internal/dispatcher"
	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/filter"
	"github.com/coachpo/geyserpub/internal/infra/broker/kafka"
	"github.com/coachpo/geyserpub/internal/infra/config"
	"github.com/coachpo/geyserpub/internal/infra/telemetry"
	"github.com/coachpo/geyserpub/internal/observability"
	"github.com/coachpo/geyserpub/internal/shutdown"
)

const closeTimeout = time.Second

// Broker is everything the plugin needs from the broker client.
type Broker interface {
	dispatcher.Broker
	shutdown.Flusher
	Close()
}

type failureReporter interface {
	SetFailureHandler(kafka.FailureHandler)
}

// Plugin is safe for concurrent callbacks from any number of host threads.
type Plugin struct {
	cfg    config.AppConfig
	logger observability.Logger

	cache       *allowlist.Cache
	refresher   *allowlist.Refresher
	filter      *filter.Filter
	encoder     *codec.Encoder
	dispatcher  *dispatcher.Dispatcher
	broker      Broker
	coordinator *shutdown.Coordinator

	counts     [dispositionCount]atomic.Uint64
	events     metric.Int64Counter
	decisions  metric.Int64Counter
	accountOut [dispositionCount]metric.AddOption
	slotOut    [dispositionCount]metric.AddOption
	decideOut  [4]metric.AddOption

	unloadOnce sync.Once
	outcome    shutdown.Outcome
}

// Option customises plugin construction.
type Option func(*options)

type options struct {
	broker     Broker
	logger     observability.Logger
	httpClient *http.Client
	clock      func() time.Time
	skipPrime  bool
}

// WithBroker replaces the Kafka producer, mainly for tests.
func WithBroker(b Broker) Option {
	return func(o *options) { o.broker = b }
}

// WithLogger overrides the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithHTTPClient overrides the client used to fetch the remote allowlist.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithClock overrides the time source of the refresher and codec.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// WithoutInitialFetch skips the synchronous allowlist fetch at startup.
func WithoutInitialFetch() Option {
	return func(o *options) { o.skipPrime = true }
}

// New normalises and validates cfg, then starts the pipeline. Any error is a fatal
// configuration error and nothing is left running.
func New(ctx context.Context, cfg config.AppConfig, opts ...Option) (*Plugin, error) {
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{logger: observability.Log(), clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = observability.Log()
	}
	if o.clock == nil {
		o.clock = time.Now
	}

	p := new(Plugin)
	p.cfg = cfg
	p.logger = o.logger

	encoder, err := codec.New(cfg.Format(), cfg.UpdateAccountTopic, cfg.SlotStatusTopic, codec.WithClock(o.clock))
	if err != nil {
		return nil, err
	}
	p.encoder = encoder

	p.cache = allowlist.NewCache(cfg.ProgramAllowlistIDs(), cfg.ProgramAllowlistURL)
	p.filter = filter.New(cfg.ProgramIgnoreIDs(), p.cache)

	p.broker = o.broker
	if p.broker == nil {
		producer, err := newProducer(cfg, o.logger)
		if err != nil {
			return nil, err
		}
		p.broker = producer
	}

	p.dispatcher = dispatcher.New(p.broker, dispatcher.WithLogger(o.logger))
	if reporter, ok := p.broker.(failureReporter); ok {
		reporter.SetFailureHandler(p.dispatcher.RecordDeliveryFailure)
	}
	p.coordinator = shutdown.New(p.broker, cfg.ShutdownTimeout(), shutdown.WithLogger(o.logger))
	p.initMetrics()

	if cfg.ProgramAllowlistURL != "" {
		var fetchOpts []allowlist.HTTPOption
		if o.httpClient != nil {
			fetchOpts = append(fetchOpts, allowlist.WithHTTPClient(o.httpClient))
		}
		fetcher := allowlist.NewHTTPFetcher(cfg.ProgramAllowlistURL, cfg.AllowlistFetchTimeout(), fetchOpts...)
		p.refresher = allowlist.NewRefresher(p.cache, fetcher, cfg.AllowlistExpiry(),
			allowlist.WithClock(o.clock), allowlist.WithLogger(o.logger))
		if !o.skipPrime {
			if err := p.refresher.Prime(ctx); err != nil {
				o.logger.Warn("initial allowlist fetch failed; continuing with static allowlist",
					observability.F("error", err))
			}
		}
		p.refresher.Start(context.WithoutCancel(ctx))
	}

	o.logger.Info("geyser publisher loaded",
		observability.F("update_account_topic", cfg.UpdateAccountTopic),
		observability.F("slot_status_topic", cfg.SlotStatusTopic),
		observability.F("publish_all_accounts", cfg.PublishAllAccounts),
		observability.F("encoding", string(cfg.Format())),
		observability.F("program_ignores", p.filter.Ignores()),
		observability.F("static_allowlist", len(p.cache.Static())),
		observability.F("allowlist_url", cfg.ProgramAllowlistURL))
	return p, nil
}

func newProducer(cfg config.AppConfig, logger observability.Logger) (*kafka.Producer, error) {
	kcfg, unknown, err := cfg.KafkaConfig()
	if err != nil {
		return nil, err
	}
	for _, key := range unknown {
		logger.Warn("ignoring unsupported kafka option", observability.F("key", key))
	}
	level := kgo.LogLevelWarn
	if cfg.Log.Level == "debug" {
		level = kgo.LogLevelInfo
	}
	return kafka.NewProducer(kcfg, kafka.WithLogger(logger, level))
}

func (p *Plugin) initMetrics() {
	meter := telemetry.Meter()
	p.events, _ = meter.Int64Counter("plugin.events",
		metric.WithDescription("Host callbacks by stream and disposition"),
		metric.WithUnit("{event}"))
	p.decisions, _ = meter.Int64Counter("filter.decisions",
		metric.WithDescription("Program filter decisions"),
		metric.WithUnit("{decision}"))

	env := telemetry.Environment()
	for d := Disposition(0); d < dispositionCount; d++ {
		p.accountOut[d] = metric.WithAttributeSet(attribute.NewSet(
			telemetry.StreamResultAttributes(env, string(schema.EventTypeAccountUpdate), d.String())...))
		p.slotOut[d] = metric.WithAttributeSet(attribute.NewSet(
			telemetry.StreamResultAttributes(env, string(schema.EventTypeSlotStatus), d.String())...))
	}
	for i := range p.decideOut {
		p.decideOut[i] = metric.WithAttributeSet(attribute.NewSet(
			telemetry.AttrEnvironment.String(env),
			telemetry.AttrReason.String(filter.Decision(i).String())))
	}
}

// OnAccountUpdate filters, encodes and offers an account update to the broker. It never blocks.
func (p *Plugin) OnAccountUpdate(ctx context.Context, update schema.AccountUpdate) Disposition {
	return p.recordAccount(ctx, p.accountDisposition(ctx, update))
}

func (p *Plugin) accountDisposition(ctx context.Context, update schema.AccountUpdate) Disposition {
	if p.cfg.UpdateAccountTopic == "" {
		return Disabled
	}
	if update.IsStartup && !p.cfg.PublishAllAccounts {
		return StartupSkipped
	}
	decision := p.filter.Decide(update.Owner)
	if p.decisions != nil {
		p.decisions.Add(ctx, 1, p.decideOut[decision])
	}
	if !decision.Publish() {
		return Filtered
	}
	msg, err := p.encoder.EncodeAccount(update)
	if err != nil {
		p.logger.Debug("account update not encodable", observability.F("error", err))
		return Invalid
	}
	return fromResult(p.dispatcher.TryPublish(ctx, msg))
}

// OnSlotStatus encodes and offers a slot status update to the broker. It never blocks.
func (p *Plugin) OnSlotStatus(ctx context.Context, update schema.SlotStatusUpdate) Disposition {
	d := Disabled
	if p.cfg.SlotStatusTopic != "" {
		msg, err := p.encoder.EncodeSlot(update)
		if err != nil {
			p.logger.Debug("slot status not encodable", observability.F("error", err))
			d = Invalid
		} else {
			d = fromResult(p.dispatcher.TryPublish(ctx, msg))
		}
	}
	p.counts[d].Add(1)
	if p.events != nil {
		p.events.Add(ctx, 1, p.slotOut[d])
	}
	return d
}

func (p *Plugin) recordAccount(ctx context.Context, d Disposition) Disposition {
	p.counts[d].Add(1)
	if p.events != nil {
		p.events.Add(ctx, 1, p.accountOut[d])
	}
	return d
}

// OnUnload stops the refresher, drains the broker within shutdown_timeout_ms and closes it.
// Later calls return the first outcome.
func (p *Plugin) OnUnload(ctx context.Context) shutdown.Outcome {
	p.unloadOnce.Do(func() {
		var stepErrs []error
		if p.refresher != nil {
			p.refresher.Stop()
		}
		p.outcome = p.coordinator.Drain(ctx)
		if p.outcome.Err != nil {
			stepErrs = append(stepErrs, p.outcome.Err)
		}
		if err := p.closeBroker(); err != nil {
			stepErrs = append(stepErrs, err)
		}
		_ = observability.JoinStepErrors(p.logger, "unload", stepErrs,
			observability.F("result", p.outcome.Result()),
			observability.F("remaining", p.outcome.Remaining))
	})
	return p.outcome
}

var errCloseTimeout = errors.New("broker close did not finish in time")

func (p *Plugin) closeBroker() error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.broker.Close()
	}()
	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return errCloseTimeout
	}
}

// Cache exposes the allowlist snapshot holder.
func (p *Plugin) Cache() *allowlist.Cache {
	return p.cache
}

// Refresher returns the allowlist refresher, nil when no URL is configured.
func (p *Plugin) Refresher() *allowlist.Refresher {
	return p.refresher
}

// Dispatcher exposes per-topic counters.
func (p *Plugin) Dispatcher() *dispatcher.Dispatcher {
	return p.dispatcher
}

// State reports the shutdown lifecycle state.
func (p *Plugin) State() shutdown.State {
	return p.coordinator.State()
}

// Stats returns how many callbacks ended in each disposition.
func (p *Plugin) Stats() map[Disposition]uint64 {
	out := make(map[Disposition]uint64, dispositionCount)
	for d := Disposition(0); d < dispositionCount; d++ {
		if n := p.counts[d].Load(); n > 0 {
			out[d] = n
		}
	}
	return out
}
