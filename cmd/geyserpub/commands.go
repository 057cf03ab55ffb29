package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coachpo/geyserpub/internal/bridge"
	"github.com/coachpo/geyserpub/internal/infra/config"
	"github.com/coachpo/geyserpub/internal/infra/telemetry"
	"github.com/coachpo/geyserpub/internal/observability"
	"github.com/coachpo/geyserpub/internal/plugin"
)

const (
	defaultConfigPath        = "config/geyserpub.yaml"
	stdinInput               = "-"
	telemetryShutdownTimeout = 5 * time.Second
	unloadGrace              = 2 * time.Second
)

// logOutput receives the structured logs of run.
var logOutput io.Writer = os.Stderr

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "geyserpub",
		Short:         "Publish Solana account and slot updates to Kafka",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Plugin configuration file (YAML or JSON)")

	root.AddCommand(validateCommand(&configPath))
	root.AddCommand(runCommand(&configPath))
	return root
}

func validateCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			kcfg, unknown, err := cfg.KafkaConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: env=%s encoding=%s\n", cfg.Environment, cfg.Format())
			fmt.Fprintf(out, "  update_account_topic=%q slot_status_topic=%q publish_all_accounts=%t\n",
				cfg.UpdateAccountTopic, cfg.SlotStatusTopic, cfg.PublishAllAccounts)
			fmt.Fprintf(out, "  program_ignores=%d program_allowlist=%d program_allowlist_url=%q\n",
				len(cfg.ProgramIgnores), len(cfg.ProgramAllowlist), cfg.ProgramAllowlistURL)
			fmt.Fprintf(out, "  brokers=%v acks=%s compression=%s\n", kcfg.Brokers, kcfg.Acks, kcfg.Compression)
			for _, key := range unknown {
				fmt.Fprintf(out, "  ignored kafka option %q\n", key)
			}
			return nil
		},
	}
}

func runCommand(configPath *string) *cobra.Command {
	var input string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the plugin and feed it events until EOF or a shutdown signal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return run(ctx, *configPath, input, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&input, "input", stdinInput, "Event stream file, - for stdin")
	return cmd
}

func run(ctx context.Context, configPath, input string, stdin io.Reader, opts ...plugin.Option) error {
	cfg, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogrusLogger(logOutput, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	observability.SetLogger(logger)

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}

	shutdownTelemetry := func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer shutdownCancel()
		performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{telemetry: provider})
	}

	reader, closeInput, err := openInput(input, stdin)
	if err != nil {
		shutdownTelemetry()
		return err
	}
	defer closeInput()

	p, err := plugin.New(ctx, cfg, append([]plugin.Option{plugin.WithLogger(logger)}, opts...)...)
	if err != nil {
		shutdownTelemetry()
		return err
	}

	type result struct {
		summary bridge.Summary
		err     error
	}
	done := make(chan result, 1)
	go func() {
		summary, err := bridge.Run(ctx, reader, p, logger)
		done <- result{summary: summary, err: err}
	}()

	var streamErr error
	select {
	case res := <-done:
		streamErr = res.err
		logger.Info("event stream finished",
			observability.F("lines", res.summary.Lines),
			observability.F("accounts", res.summary.Accounts),
			observability.F("slots", res.summary.Slots),
			observability.F("malformed", res.summary.Malformed))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout()+unloadGrace+telemetryShutdownTimeout)
	defer shutdownCancel()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		plugin:        p,
		unloadTimeout: cfg.ShutdownTimeout() + unloadGrace,
		telemetry:     provider,
	})
	return streamErr
}

type gracefulShutdownConfig struct {
	plugin        *plugin.Plugin
	unloadTimeout time.Duration
	telemetry     *telemetry.Provider
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown: "+name+" failed", observability.F("error", err))
		}
	}

	if cfg.plugin != nil {
		shutdownStep("unloading plugin", cfg.unloadTimeout, func(stepCtx context.Context) error {
			outcome := cfg.plugin.OnUnload(stepCtx)
			for topic, stats := range cfg.plugin.Dispatcher().Snapshot() {
				logger.Info("topic totals",
					observability.F("topic", topic),
					observability.F("enqueued", stats.Enqueued),
					observability.F("dropped", stats.Dropped),
					observability.F("delivery_failures", stats.DeliveryFailures))
			}
			return outcome.Err
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}

func openInput(input string, stdin io.Reader) (io.Reader, func(), error) {
	if input == "" || input == stdinInput {
		return stdin, func() {}, nil
	}
	file, err := os.Open(filepath.Clean(input)) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
