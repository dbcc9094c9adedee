// Command kafka-tunnel-probe checks end-to-end reachability of Kafka brokers
// through a tunnel gateway: it bootstraps a real Kafka client over the
// tunnel and prints the cluster metadata.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/irctrakz/kafkatunnel/pkg/config"
	"github.com/irctrakz/kafkatunnel/pkg/logging"
	"github.com/irctrakz/kafkatunnel/pkg/transport"
	"github.com/irctrakz/kafkatunnel/pkg/vsock"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type options struct {
	configFile string
	endpoint   string
	brokers    []string
	targets    []string
	insecure   bool
	timeout    time.Duration
	topics     []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logging.Errorf("kafka-tunnel-probe: %v", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:          "kafka-tunnel-probe --brokers broker:9092",
		Short:        "Ping Kafka brokers through the HTTP tunnel and print metadata",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			return probe(ctx, cfg, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "config file (.yaml, .yml or .json)")
	f.StringVar(&opts.endpoint, "endpoint", "", "gateway URL or host:port (KAFKA_HTTP_TUNNEL_ENDPOINT)")
	f.StringSliceVar(&opts.brokers, "brokers", nil, "seed brokers (repeatable)")
	f.StringSliceVar(&opts.targets, "targets", nil, "host:port patterns to tunnel; default tunnels everything")
	f.BoolVar(&opts.insecure, "insecure", false, "skip gateway certificate verification")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall timeout")
	f.StringSliceVar(&opts.topics, "topic", nil, "limit metadata to these topics")
	return cmd
}

func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if opts.configFile != "" {
		if err := config.LoadFromFile(opts.configFile, cfg); err != nil {
			return nil, err
		}
	}
	config.LoadFromEnv(cfg)
	f := cmd.Flags()
	if f.Changed("endpoint") {
		cfg.Client.Endpoint = opts.endpoint
	}
	if f.Changed("targets") {
		cfg.Client.Targets = opts.targets
	}
	if f.Changed("insecure") {
		cfg.Client.Insecure = opts.insecure
	}
	if len(cfg.Client.Targets) == 0 {
		cfg.Client.Targets = []string{"*"}
	}
	if cfg.Client.Endpoint == "" {
		return nil, errors.New("a gateway endpoint is required (--endpoint or KAFKA_HTTP_TUNNEL_ENDPOINT)")
	}
	if len(opts.brokers) == 0 {
		return nil, errors.New("at least one --brokers address is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func probe(ctx context.Context, cfg *config.Config, opts *options) error {
	log := logging.Named("probe")

	tc, err := transport.NewClient(cfg.Client.Transport())
	if err != nil {
		return err
	}
	defer tc.Close()

	pred, err := cfg.Client.Predicate()
	if err != nil {
		return err
	}
	p := vsock.NewProvider(tc)
	p.SetTunnelingCondition(pred)
	if err := vsock.Install(p); err != nil {
		return err
	}

	cl, err := kgo.NewClient(
		kgo.SeedBrokers(opts.brokers...),
		kgo.Dialer(vsock.DialContext),
		kgo.ClientID("kafka-tunnel-probe"),
	)
	if err != nil {
		return err
	}
	defer cl.Close()

	start := time.Now()
	if err := cl.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	log.Infof("ping ok via %s in %s", tc.URL(), time.Since(start).Round(time.Millisecond))

	req := kmsg.NewPtrMetadataRequest()
	for _, t := range opts.topics {
		rt := kmsg.NewMetadataRequestTopic()
		rt.Topic = kmsg.StringPtr(t)
		req.Topics = append(req.Topics, rt)
	}
	resp, err := req.RequestWith(ctx, cl)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	cluster := "<unknown>"
	if resp.ClusterID != nil {
		cluster = *resp.ClusterID
	}
	fmt.Printf("cluster %s, controller %d\n", cluster, resp.ControllerID)
	for _, b := range resp.Brokers {
		fmt.Printf("broker %d %s:%d\n", b.NodeID, b.Host, b.Port)
	}
	for _, t := range resp.Topics {
		name := ""
		if t.Topic != nil {
			name = *t.Topic
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			fmt.Printf("topic %s: %v\n", name, err)
			continue
		}
		fmt.Printf("topic %s partitions=%d\n", name, len(t.Partitions))
	}

	m := tc.Metrics()
	log.WithField("sessions", m.SessionsOpened).Debugf("tunnel frames sent=%d recv=%d", m.FramesSent, m.FramesReceived)
	return nil
}
