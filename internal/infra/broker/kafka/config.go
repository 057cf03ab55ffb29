// Package kafka adapts a franz-go client to the pipeline's non-blocking broker contract.
package kafka

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/coachpo/geyserpub/errs"
)

const component = "kafka"

// Defaults mirror the usual librdkafka producer settings.
const (
	DefaultMaxBufferedRecords = 100_000
	DefaultMaxBufferedKBytes  = 1_048_576
	DefaultClientIDPrefix     = "geyserpub"

	// MinDeliveryTimeout is the smallest message.timeout.ms the client accepts.
	MinDeliveryTimeout = time.Second
	// MinRequestTimeout and MaxLinger are the client's own bounds.
	MinRequestTimeout = 100 * time.Millisecond
	MaxLinger         = time.Minute
	// MinMessageMaxBytes and MaxMessageMaxBytes bound message.max.bytes.
	MinMessageMaxBytes = 512
	MaxMessageMaxBytes = 1 << 30

	defaultBrokerMaxWriteBytes = 100 << 20
)

// Option keys accepted under the `kafka` configuration map.
const (
	KeyBootstrapServers  = "bootstrap.servers"
	KeyClientID          = "client.id"
	KeyMaxMessages       = "queue.buffering.max.messages"
	KeyMaxKBytes         = "queue.buffering.max.kbytes"
	KeyAcks              = "acks"
	KeyCompressionType   = "compression.type"
	KeyCompressionCodec  = "compression.codec"
	KeyLingerMs          = "linger.ms"
	KeyRequestTimeoutMs  = "request.timeout.ms"
	KeyMessageTimeoutMs  = "message.timeout.ms"
	KeyEnableIdempotence = "enable.idempotence"
	KeyMessageMaxBytes   = "message.max.bytes"
)

// Config is the typed producer configuration.
type Config struct {
	Brokers            []string
	ClientID           string
	MaxBufferedRecords int64
	MaxBufferedBytes   int64
	Acks               string
	Compression        string
	Linger             time.Duration
	RequestTimeout     time.Duration
	DeliveryTimeout    time.Duration
	// MaxMessageBytes caps one record batch; zero keeps the client default of roughly 1 MB.
	MaxMessageBytes int32
	Idempotent      bool
}

// ParseOptions translates the opaque option map into a Config. Unrecognised keys are returned
// so the caller can log them; they never fail parsing.
func ParseOptions(opts map[string]string) (Config, []string, error) {
	cfg := Config{Idempotent: true}
	var unknown []string
	for rawKey, rawValue := range opts {
		key := strings.ToLower(strings.TrimSpace(rawKey))
		value := strings.TrimSpace(rawValue)
		var err error
		switch key {
		case KeyBootstrapServers:
			cfg.Brokers = splitList(value)
		case KeyClientID:
			cfg.ClientID = value
		case KeyMaxMessages:
			cfg.MaxBufferedRecords, err = parsePositive(key, value)
		case KeyMaxKBytes:
			var kb int64
			kb, err = parsePositive(key, value)
			cfg.MaxBufferedBytes = kb * 1024
		case KeyAcks:
			cfg.Acks = strings.ToLower(value)
		case KeyCompressionType, KeyCompressionCodec:
			cfg.Compression = strings.ToLower(value)
		case KeyLingerMs:
			cfg.Linger, err = parseMillis(key, value)
		case KeyRequestTimeoutMs:
			cfg.RequestTimeout, err = parseMillis(key, value)
		case KeyMessageTimeoutMs:
			cfg.DeliveryTimeout, err = parseMillis(key, value)
		case KeyMessageMaxBytes:
			var n int64
			n, err = parsePositive(key, value)
			if err == nil && (n < MinMessageMaxBytes || n > MaxMessageMaxBytes) {
				err = invalidOption(key, value, fmt.Errorf("must be between %d and %d", MinMessageMaxBytes, MaxMessageMaxBytes))
			}
			cfg.MaxMessageBytes = int32(n) // #nosec G115 -- bounded above.
		case KeyEnableIdempotence:
			cfg.Idempotent, err = strconv.ParseBool(value)
			if err != nil {
				err = invalidOption(key, value, err)
			}
		default:
			unknown = append(unknown, rawKey)
		}
		if err != nil {
			return Config{}, nil, err
		}
	}
	sort.Strings(unknown)
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, nil, err
	}
	return cfg, unknown, nil
}

func (c *Config) withDefaults() {
	if c.MaxBufferedRecords <= 0 {
		c.MaxBufferedRecords = DefaultMaxBufferedRecords
	}
	if c.MaxBufferedBytes <= 0 {
		c.MaxBufferedBytes = DefaultMaxBufferedKBytes * 1024
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.ClientID == "" {
		c.ClientID = DefaultClientIDPrefix + "-" + uuid.NewString()[:8]
	}
}

// Validate checks the producer settings.
func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage(KeyBootstrapServers+" required"))
	}
	if _, err := c.acks(); err != nil {
		return err
	}
	if _, err := c.codec(); err != nil {
		return err
	}
	if c.MaxBufferedRecords <= 0 || c.MaxBufferedBytes <= 0 {
		return errs.New(component, errs.CodeConfig, errs.WithMessage("buffer limits must be positive"))
	}
	if c.DeliveryTimeout > 0 && c.DeliveryTimeout < MinDeliveryTimeout {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage(KeyMessageTimeoutMs+" must be 0 or at least 1000"),
			errs.WithField(KeyMessageTimeoutMs, strconv.FormatInt(c.DeliveryTimeout.Milliseconds(), 10)))
	}
	if c.RequestTimeout > 0 && c.RequestTimeout < MinRequestTimeout {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage(KeyRequestTimeoutMs+" must be 0 or at least 100"),
			errs.WithField(KeyRequestTimeoutMs, strconv.FormatInt(c.RequestTimeout.Milliseconds(), 10)))
	}
	if c.Linger > MaxLinger {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage(KeyLingerMs+" must be at most 60000"),
			errs.WithField(KeyLingerMs, strconv.FormatInt(c.Linger.Milliseconds(), 10)))
	}
	if c.MaxMessageBytes != 0 && (c.MaxMessageBytes < MinMessageMaxBytes || c.MaxMessageBytes > MaxMessageMaxBytes) {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage(KeyMessageMaxBytes+" out of range"),
			errs.WithField(KeyMessageMaxBytes, strconv.FormatInt(int64(c.MaxMessageBytes), 10)))
	}
	return nil
}

func (c Config) acks() (kgo.Acks, error) {
	switch c.Acks {
	case "all", "-1":
		return kgo.AllISRAcks(), nil
	case "1":
		return kgo.LeaderAck(), nil
	case "0":
		return kgo.NoAck(), nil
	default:
		return kgo.Acks{}, errs.New(component, errs.CodeConfig,
			errs.WithMessage("unsupported acks value"), errs.WithField(KeyAcks, c.Acks))
	}
}

func (c Config) codec() (kgo.CompressionCodec, error) {
	switch c.Compression {
	case "none", "":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, errs.New(component, errs.CodeConfig,
			errs.WithMessage("unsupported compression codec"), errs.WithField(KeyCompressionType, c.Compression))
	}
}

// clientOptions builds the kgo options. The client's own buffer limits sit above ours so that
// saturation is always detected synchronously by the producer's reservation counters.
func (c Config) clientOptions() ([]kgo.Opt, error) {
	acks, err := c.acks()
	if err != nil {
		return nil, err
	}
	codec, err := c.codec()
	if err != nil {
		return nil, err
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ClientID(c.ClientID),
		kgo.RequiredAcks(acks),
		kgo.ProducerBatchCompression(codec),
		kgo.MaxBufferedRecords(int(c.MaxBufferedRecords * 2)),
		kgo.MaxBufferedBytes(int(c.MaxBufferedBytes * 2)),
	}
	if !c.Idempotent || (c.Acks != "all" && c.Acks != "-1") {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}
	if c.Linger > 0 {
		opts = append(opts, kgo.ProducerLinger(c.Linger))
	}
	if c.RequestTimeout > 0 {
		opts = append(opts, kgo.ProduceRequestTimeout(c.RequestTimeout))
	}
	if c.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(c.DeliveryTimeout))
	}
	if c.MaxMessageBytes > 0 {
		opts = append(opts, kgo.ProducerBatchMaxBytes(c.MaxMessageBytes))
		// The client refuses a write cap below the batch cap.
		if c.MaxMessageBytes >= defaultBrokerMaxWriteBytes {
			opts = append(opts, kgo.BrokerMaxWriteBytes(MaxMessageMaxBytes))
		}
	}
	return opts, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parsePositive(key, value string) (int64, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, invalidOption(key, value, err)
	}
	if n <= 0 {
		return 0, invalidOption(key, value, fmt.Errorf("must be > 0"))
	}
	return n, nil
}

func parseMillis(key, value string) (time.Duration, error) {
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, invalidOption(key, value, err)
	}
	if n < 0 {
		return 0, invalidOption(key, value, fmt.Errorf("must be >= 0"))
	}
	return time.Duration(n) * time.Millisecond, nil
}

func invalidOption(key, value string, cause error) error {
	return errs.New(component, errs.CodeConfig,
		errs.WithMessage("invalid kafka option"),
		errs.WithField("key", key), errs.WithField("value", value), errs.WithCause(cause))
}
