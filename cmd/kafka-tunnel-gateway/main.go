package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/config"
	"github.com/irctrakz/kafkatunnel/pkg/gateway"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	configFile      string
	listen          string
	allow           []string
	tlsCert         string
	tlsKey          string
	logLevel        string
	metricsInterval time.Duration
	metricsFormat   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logging.Errorf("kafka-tunnel-gateway: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "kafka-tunnel-gateway",
		Short:        "Accept Kafka tunnel links over HTTP and relay sessions to brokers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "config file (.yaml, .yml or .json)")
	f.StringVar(&opts.listen, "listen", "", "listen address, overrides gateway.listen")
	f.StringSliceVar(&opts.allow, "allow", nil, "allowed host:port pattern (repeatable), overrides gateway.allow")
	f.StringVar(&opts.tlsCert, "tls-cert", "", "TLS certificate file")
	f.StringVar(&opts.tlsKey, "tls-key", "", "TLS key file")
	f.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error")
	f.DurationVar(&opts.metricsInterval, "metrics-interval", 0, "log a metrics summary at this interval (0 disables; METRICS_INTERVAL)")
	f.StringVar(&opts.metricsFormat, "metrics-format", "", "text or json (METRICS_FORMAT)")

	cmd.AddCommand(newHealthcheckCommand())
	return cmd
}

// loadConfig layers defaults, the config file, the environment and flags.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		if err := config.LoadFromFile(opts.configFile, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)

	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Gateway.Listen = opts.listen
	}
	if f.Changed("allow") {
		cfg.Gateway.Allow = opts.allow
	}
	if f.Changed("tls-cert") {
		cfg.Gateway.TLSCert = opts.tlsCert
	}
	if f.Changed("tls-key") {
		cfg.Gateway.TLSKey = opts.tlsKey
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, opts *options) error {
	g, err := gateway.New(cfg.Gateway.Gateway())
	if err != nil {
		return err
	}

	interval, format := metricsSettings(opts)
	if interval > 0 {
		go runMetricsReporter(ctx, g, interval, format)
	}

	gc := g.Config()
	logging.Named("main").WithField("listen", gc.Listen).
		Infof("serving tunnel on %s, allow=%s", gc.Path, strings.Join(gc.Allow, ","))
	if err := g.ListenAndServe(ctx); err != nil {
		logging.ErrorWithFields(logrus.Fields{"listen": gc.Listen}, "gateway stopped: %v", err)
		return err
	}
	return nil
}

// metricsSettings resolves the reporter settings from flags, falling back
// to METRICS_INTERVAL and METRICS_FORMAT.
func metricsSettings(opts *options) (time.Duration, string) {
	interval := opts.metricsInterval
	if interval == 0 {
		if iv := strings.TrimSpace(os.Getenv("METRICS_INTERVAL")); iv != "" {
			d, err := time.ParseDuration(iv)
			if err != nil {
				d = 30 * time.Second
			}
			interval = d
		}
	}
	format := strings.ToLower(strings.TrimSpace(opts.metricsFormat))
	if format == "" {
		format = strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_FORMAT")))
	}
	if format == "" {
		format = "text"
	}
	return interval, format
}
