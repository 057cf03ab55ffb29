package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"

	"github.com/coachpo/geyserpub/errs"
	"github.com/coachpo/geyserpub/internal/infra/broker/kafka"
)

// EnvPrefix namespaces the environment overrides, e.g. GEYSERPUB_BOOTSTRAP_SERVERS.
const EnvPrefix = "geyserpub"

// envOverrides are deployment-specific settings that operators commonly inject via the environment.
type envOverrides struct {
	Environment         string `envconfig:"ENVIRONMENT"`
	BootstrapServers    string `envconfig:"BOOTSTRAP_SERVERS"`
	ProgramAllowlistURL string `envconfig:"PROGRAM_ALLOWLIST_URL"`
	LogLevel            string `envconfig:"LOG_LEVEL"`
	LogFormat           string `envconfig:"LOG_FORMAT"`
}

func applyEnvOverrides(cfg *AppConfig) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return errs.New(component, errs.CodeConfig,
			errs.WithMessage("process environment overrides"), errs.WithCause(err))
	}
	if v := strings.TrimSpace(env.Environment); v != "" {
		cfg.Environment = Environment(v)
	}
	if v := strings.TrimSpace(env.BootstrapServers); v != "" {
		if cfg.Kafka == nil {
			cfg.Kafka = map[string]string{}
		}
		cfg.Kafka[kafka.KeyBootstrapServers] = v
	}
	if v := strings.TrimSpace(env.ProgramAllowlistURL); v != "" {
		cfg.ProgramAllowlistURL = v
	}
	if v := strings.TrimSpace(env.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(env.LogFormat); v != "" {
		cfg.Log.Format = v
	}
	return nil
}
