package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/firewatch/internal/config"
	"github.com/e7canasta/firewatch/internal/emitter"
	"github.com/e7canasta/firewatch/internal/relay"
)

func newRelayCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward alerts with a matching label to another topic",
		Long: `Subscribe to relay.source_topic and republish every message whose label
equals relay.label on relay.dest_topic, unmodified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return runRelay(cfg)
		},
	}
}

func relayClientID(cfg *config.Config) string {
	if cfg.MQTT.ClientID == "" {
		return ""
	}
	return cfg.MQTT.ClientID + "-relay"
}

func runRelay(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	client := emitter.NewClient(emitter.Options{
		BrokerURL: cfg.MQTT.BrokerURL(),
		ClientID:  relayClientID(cfg),
		Role:      "relay",
	})
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}
	defer client.Disconnect()

	r := relay.New(relay.Rule{
		SourceTopic: cfg.Relay.SourceTopic,
		DestTopic:   cfg.Relay.DestTopic,
		Label:       cfg.Relay.Label,
		QoS:         cfg.Relay.QoS,
	}, client)

	if err := r.Start(ctx); err != nil {
		return err
	}

	sig := <-sigChan
	slog.Info("received shutdown signal", "signal", sig)

	if err := r.Stop(); err != nil {
		slog.Error("failed to stop relay", "error", err)
	}

	stats := r.Stats()
	slog.Info("firewatch relay stopped successfully",
		"forwarded", stats.Forwarded,
		"filtered", stats.Filtered,
		"malformed", stats.Malformed,
		"failed", stats.Failed,
	)
	return nil
}
