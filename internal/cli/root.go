// Package cli implements the firewatch command line.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/e7canasta/firewatch/internal/config"
)

// rootOptions holds flags shared by every subcommand
type rootOptions struct {
	configPath string
	debug      bool
	broker     string
	port       int
	topic      string
	sourceID   string
}

// NewRootCmd builds the firewatch command tree
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "firewatch",
		Short: "Edge fire detection sensor and alert relay",
		Long: `Firewatch supervises an on-device inference program, confirms fire
detections over consecutive frames and publishes alerts and heartbeats over MQTT.
The relay subcommand forwards matching alerts to a second topic.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(opts.debug)
		},
	}

	opts.addFlags(cmd.PersistentFlags())

	cmd.AddCommand(newEmitCmd(opts))
	cmd.AddCommand(newRelayCmd(opts))

	return cmd
}

// Execute runs the root command and logs a failure
func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		slog.Error("firewatch failed", "error", err)
		return err
	}
	return nil
}

func setupLogger(debug bool) {
	logLevel := slog.LevelInfo
	if debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func (o *rootOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&o.configPath, "config", "c", "", "config file (built-in defaults when empty)")
	fs.BoolVar(&o.debug, "debug", false, "Enable debug logging")
	fs.StringVar(&o.broker, "broker", "", "MQTT broker host (overrides mqtt.broker)")
	fs.IntVar(&o.port, "port", 0, "MQTT broker port (overrides mqtt.port)")
	fs.StringVar(&o.topic, "topic", "", "alert topic (overrides mqtt.topic)")
	fs.StringVar(&o.sourceID, "source-id", "", "sensor identifier (overrides source_id)")
}

// loadConfig reads the config file, applies flag overrides and validates
func (o *rootOptions) loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if flags.Changed("broker") {
		cfg.MQTT.Broker = o.broker
	}
	if flags.Changed("port") {
		cfg.MQTT.Port = o.port
	}
	if flags.Changed("topic") {
		// The relay follows the alert topic unless configured separately
		if cfg.Relay.SourceTopic == cfg.MQTT.Topic {
			cfg.Relay.SourceTopic = o.topic
		}
		cfg.MQTT.Topic = o.topic
	}
	if flags.Changed("source-id") {
		cfg.SourceID = o.sourceID
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("configuration loaded",
		"config", o.configPath,
		"source_id", cfg.SourceID,
		"broker", cfg.MQTT.BrokerURL(),
		"topic", cfg.MQTT.Topic,
	)

	return cfg, nil
}
