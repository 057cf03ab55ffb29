// Package config loads and validates the plugin configuration.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/codec"
	"github.com/coachpo/geyserpub/internal/domain/schema"
	"github.com/coachpo/geyserpub/internal/infra/broker/kafka"
	"github.com/coachpo/geyserpub/internal/infra/telemetry"
)

const component = "config"

// Defaults applied by Normalise.
const (
	DefaultAllowlistExpirySec       = 60
	DefaultAllowlistFetchTimeoutMs  = 10_000
	DefaultShutdownTimeoutMs        = 5_000
	DefaultTelemetryMetricIntervalS = 30
)

// AppConfig is the plugin configuration. YAML and JSON documents are both accepted.
type AppConfig struct {
	// LibPath is read by the validator host to locate the plugin; it is accepted and ignored here.
	LibPath     string      `yaml:"libpath"`
	Environment Environment `yaml:"environment"`

	UpdateAccountTopic string `yaml:"update_account_topic"`
	SlotStatusTopic    string `yaml:"slot_status_topic"`
	PublishAllAccounts bool   `yaml:"publish_all_accounts"`

	ProgramIgnores                 []string `yaml:"program_ignores"`
	ProgramAllowlist               []string `yaml:"program_allowlist"`
	ProgramAllowlistURL            string   `yaml:"program_allowlist_url"`
	ProgramAllowlistFetchTimeoutMs int64    `yaml:"program_allowlist_fetch_timeout_ms"`
	// ProgramAllowlistExpirySec is nil when unset; an explicit value below one second is raised
	// to the refresher's minimum.
	ProgramAllowlistExpirySec *int64 `yaml:"program_allowlist_expiry_sec"`

	ShutdownTimeoutMs int64             `yaml:"shutdown_timeout_ms"`
	Encoding          string            `yaml:"encoding"`
	Kafka             map[string]string `yaml:"kafka"`

	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Load reads, normalises and validates the configuration at configPath, then applies
// GEYSERPUB_* environment overrides.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, errs.New(component, errs.CodeConfig,
			errs.WithMessage("read config"), errs.WithCause(err))
	}
	return Parse(raw)
}

// Parse decodes a configuration document and applies environment overrides.
func Parse(raw []byte) (AppConfig, error) {
	var cfg AppConfig
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return AppConfig{}, errs.New(component, errs.CodeConfig,
			errs.WithMessage("unmarshal config"), errs.WithCause(err))
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return AppConfig{}, err
	}
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Normalise trims and lower-cases string settings and fills defaults for unset ones. Parse
// calls it; configurations built in code should call it before Validate.
func (c *AppConfig) Normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	c.UpdateAccountTopic = strings.TrimSpace(c.UpdateAccountTopic)
	c.SlotStatusTopic = strings.TrimSpace(c.SlotStatusTopic)
	c.ProgramIgnores = dedupe(c.ProgramIgnores)
	c.ProgramAllowlist = dedupe(c.ProgramAllowlist)
	c.ProgramAllowlistURL = strings.TrimSpace(c.ProgramAllowlistURL)
	c.Encoding = strings.ToLower(strings.TrimSpace(c.Encoding))
	if c.Encoding == "" {
		c.Encoding = string(codec.FormatJSON)
	}

	if c.ProgramAllowlistExpirySec == nil {
		expiry := int64(DefaultAllowlistExpirySec)
		c.ProgramAllowlistExpirySec = &expiry
	}
	if c.ProgramAllowlistFetchTimeoutMs <= 0 {
		c.ProgramAllowlistFetchTimeoutMs = DefaultAllowlistFetchTimeoutMs
	}
	if c.ShutdownTimeoutMs <= 0 {
		c.ShutdownTimeoutMs = DefaultShutdownTimeoutMs
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.MetricIntervalSec <= 0 {
		c.Telemetry.MetricIntervalSec = DefaultTelemetryMetricIntervalS
	}
	if c.Kafka == nil {
		c.Kafka = map[string]string{}
	}
}

// Validate performs semantic validation. Every failure is a fatal errs.CodeConfig error.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("environment must be one of dev, staging, prod", "environment", string(c.Environment))
	}
	if c.UpdateAccountTopic == "" && c.SlotStatusTopic == "" {
		return invalid("at least one of update_account_topic or slot_status_topic required", "", "")
	}
	if _, err := schema.ParseProgramIDs(c.ProgramIgnores); err != nil {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage("program_ignores contains an invalid program id"), errs.WithCause(err))
	}
	if _, err := schema.ParseProgramIDs(c.ProgramAllowlist); err != nil {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage("program_allowlist contains an invalid program id"), errs.WithCause(err))
	}
	if c.ProgramAllowlistURL != "" {
		parsed, err := url.Parse(c.ProgramAllowlistURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			return invalid("program_allowlist_url must be an absolute http(s) URL", "program_allowlist_url", c.ProgramAllowlistURL)
		}
	}
	if c.ProgramAllowlistExpirySec != nil && *c.ProgramAllowlistExpirySec < 0 {
		return invalid("program_allowlist_expiry_sec must not be negative",
			"program_allowlist_expiry_sec", strconv.FormatInt(*c.ProgramAllowlistExpirySec, 10))
	}
	if _, err := codec.ParseFormat(c.Encoding); err != nil {
		return errs.New(component, errs.CodeConfig, errs.WithMessage("encoding"), errs.WithCause(err))
	}
	if _, _, err := kafka.ParseOptions(c.Kafka); err != nil {
		return errs.New(component, errs.CodeConfig, errs.WithMessage("kafka"), errs.WithCause(err))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return invalid("log format must be json or text", "log.format", c.Log.Format)
	}
	return nil
}

// ProgramIgnoreIDs returns the decoded ignore list. Call after Validate.
func (c AppConfig) ProgramIgnoreIDs() []schema.ProgramID {
	ids, _ := schema.ParseProgramIDs(c.ProgramIgnores)
	return ids
}

// ProgramAllowlistIDs returns the decoded static allowlist. Call after Validate.
func (c AppConfig) ProgramAllowlistIDs() []schema.ProgramID {
	ids, _ := schema.ParseProgramIDs(c.ProgramAllowlist)
	return ids
}

// AllowlistExpiry is the configured remote allowlist refresh interval. The refresher raises
// anything below one second, including zero, to one second.
func (c AppConfig) AllowlistExpiry() time.Duration {
	if c.ProgramAllowlistExpirySec == nil {
		return DefaultAllowlistExpirySec * time.Second
	}
	return time.Duration(*c.ProgramAllowlistExpirySec) * time.Second
}

// AllowlistFetchTimeout bounds a single remote allowlist fetch.
func (c AppConfig) AllowlistFetchTimeout() time.Duration {
	return time.Duration(c.ProgramAllowlistFetchTimeoutMs) * time.Millisecond
}

// ShutdownTimeout bounds the drain at unload.
func (c AppConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMs) * time.Millisecond
}

// Format returns the payload encoding.
func (c AppConfig) Format() codec.Format {
	format, _ := codec.ParseFormat(c.Encoding)
	return format
}

// KafkaConfig translates the opaque kafka map and lists the keys it ignored.
func (c AppConfig) KafkaConfig() (kafka.Config, []string, error) {
	return kafka.ParseOptions(c.Kafka)
}

// TelemetryConfig overlays the file settings on the OTEL_* environment defaults.
func (c AppConfig) TelemetryConfig() telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if c.Telemetry.Enabled {
		cfg.Enabled = true
	}
	if c.Telemetry.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	if c.Telemetry.OTLPInsecure {
		cfg.OTLPInsecure = true
	}
	if c.Telemetry.ServiceName != "" {
		cfg.ServiceName = c.Telemetry.ServiceName
	}
	cfg.MetricInterval = time.Duration(c.Telemetry.MetricIntervalSec) * time.Second
	cfg.Environment = string(c.Environment)
	return cfg
}

func invalid(message, field, value string) error {
	opts := []errs.Option{errs.WithMessage(message)}
	if field != "" {
		opts = append(opts, errs.WithField(field, value))
	}
	return errs.New(component, errs.CodeConfig, opts...)
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, errs.New(component, errs.CodeConfig,
			errs.WithMessage(fmt.Sprintf("open config %s", candidate)), errs.WithCause(err))
	}
	return file, func() { _ = file.Close() }, nil
}
