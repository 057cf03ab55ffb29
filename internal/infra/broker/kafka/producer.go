package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/observability"
)

// FailureHandler is told about records the client accepted but could not deliver.
type FailureHandler func(topic string, err error)

// Producer hands records to a franz-go client without blocking. The record and byte budget is
// reserved before the hand-off and released when the client resolves the record.
type Producer struct {
	cfg    Config
	client *kgo.Client
	logger observability.Logger

	records   atomic.Int64
	bytes     atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	onFailure atomic.Pointer[FailureHandler]
}

// ProducerOption customises a Producer.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	logger   observability.Logger
	logLevel kgo.LogLevel
	extra    []kgo.Opt
}

// WithLogger routes client logs through logger at the given level.
func WithLogger(logger observability.Logger, level kgo.LogLevel) ProducerOption {
	return func(o *producerOptions) {
		if logger != nil {
			o.logger = logger
			o.logLevel = level
		}
	}
}

// WithClientOptions appends raw franz-go options, mainly for tests.
func WithClientOptions(opts ...kgo.Opt) ProducerOption {
	return func(o *producerOptions) {
		o.extra = append(o.extra, opts...)
	}
}

// NewProducer constructs a producer. The client connects lazily, so an unreachable cluster
// does not fail construction.
func NewProducer(cfg Config, opts ...ProducerOption) (*Producer, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options := producerOptions{logger: observability.Log(), logLevel: kgo.LogLevelWarn}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	kopts, err := cfg.clientOptions()
	if err != nil {
		return nil, err
	}
	kopts = append(kopts, kgo.WithLogger(newClientLogger(options.logger, options.logLevel)))
	kopts = append(kopts, options.extra...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, errs.New(component, errs.CodeConfig,
			errs.WithMessage("new kafka client"), errs.WithCause(err))
	}
	return &Producer{cfg: cfg, client: client, logger: options.logger}, nil
}

// Config returns the effective configuration.
func (p *Producer) Config() Config {
	return p.cfg
}

// SetFailureHandler installs the callback for asynchronous delivery failures.
func (p *Producer) SetFailureHandler(fn FailureHandler) {
	if fn == nil {
		p.onFailure.Store(nil)
		return
	}
	p.onFailure.Store(&fn)
}

// TryEnqueue reserves buffer space and hands the message to the client. It returns false
// without blocking when either buffer limit is reached or the producer is closed.
func (p *Producer) TryEnqueue(msg schema.OutboundMessage) bool {
	if p.closed.Load() {
		return false
	}
	size := int64(msg.Size())
	if p.records.Add(1) > p.cfg.MaxBufferedRecords {
		p.records.Add(-1)
		return false
	}
	if p.bytes.Add(size) > p.cfg.MaxBufferedBytes {
		p.bytes.Add(-size)
		p.records.Add(-1)
		return false
	}

	record := &kgo.Record{
		Topic:     msg.Topic,
		Key:       msg.PartitionKey,
		Value:     msg.Payload,
		Timestamp: msg.EnqueuedAt,
	}
	p.client.TryProduce(context.Background(), record, func(r *kgo.Record, err error) {
		p.bytes.Add(-size)
		p.records.Add(-1)
		if err == nil || errors.Is(err, kgo.ErrClientClosed) {
			return
		}
		if fn := p.onFailure.Load(); fn != nil {
			(*fn)(r.Topic, err)
		}
	})
	return true
}

// Pending returns the number of records handed to the client and not yet resolved.
func (p *Producer) Pending() int64 {
	return p.records.Load()
}

// PendingBytes returns the bytes reserved by unresolved records.
func (p *Producer) PendingBytes() int64 {
	return p.bytes.Load()
}

// Flush waits until every buffered record is resolved or ctx is done, and reports what is left.
func (p *Producer) Flush(ctx context.Context) (int64, error) {
	if p.closed.Load() {
		return p.Pending(), nil
	}
	if err := p.client.Flush(ctx); err != nil {
		return p.Pending(), fmt.Errorf("kafka flush: %w", err)
	}
	return p.Pending(), nil
}

// Close stops accepting records and shuts the client down, failing anything still buffered.
func (p *Producer) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.client.Close()
		p.logger.Debug("kafka producer closed", observability.F("client_id", p.cfg.ClientID))
	})
}
