package cli

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFlags(t *testing.T, args ...string) (*rootOptions, *pflag.FlagSet) {
	t.Helper()
	opts := &rootOptions{}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.addFlags(fs)
	require.NoError(t, fs.Parse(args))
	return opts, fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "firewatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	opts, fs := parseFlags(t)

	cfg, err := opts.loadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "RPI_1", cfg.SourceID)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL())
	assert.Equal(t, "alerta/fuego", cfg.MQTT.Topic)
	assert.Equal(t, "alerta/fuego", cfg.Relay.SourceTopic)
}

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
source_id: RPI_7
mqtt:
  broker: broker.local
  port: 1884
  topic: sensors/fire
`)
	opts, fs := parseFlags(t,
		"--config", path,
		"--broker", "10.0.0.5",
		"--port", "8883",
		"--topic", "site/a/fire",
		"--source-id", "RPI_9",
	)

	cfg, err := opts.loadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "RPI_9", cfg.SourceID)
	assert.Equal(t, "tcp://10.0.0.5:8883", cfg.MQTT.BrokerURL())
	assert.Equal(t, "site/a/fire", cfg.MQTT.Topic)
	assert.Equal(t, "site/a/fire", cfg.Relay.SourceTopic, "relay follows the overridden alert topic")
}

func TestLoadConfigKeepsExplicitRelaySource(t *testing.T) {
	path := writeConfig(t, `
relay:
  source_topic: upstream/alerts
`)
	opts, fs := parseFlags(t, "--config", path, "--topic", "site/a/fire")

	cfg, err := opts.loadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, "upstream/alerts", cfg.Relay.SourceTopic)
}

func TestLoadConfigFileOnly(t *testing.T) {
	path := writeConfig(t, `
detection:
  labels: [fire, smoke]
  threshold: 0.8
`)
	opts, fs := parseFlags(t, "--config", path)

	cfg, err := opts.loadConfig(fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"fire", "smoke"}, cfg.Detection.Labels)
	assert.Equal(t, 0.8, cfg.Detection.Threshold)
	assert.Equal(t, 5, cfg.Detection.RequiredConsecutive)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		opts, fs := parseFlags(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		_, err := opts.loadConfig(fs)
		assert.ErrorContains(t, err, "failed to load config")
	})

	t.Run("invalid override", func(t *testing.T) {
		opts, fs := parseFlags(t, "--port", "70000")
		_, err := opts.loadConfig(fs)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()

	for _, name := range []string{"emit", "relay"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	emit, _, err := root.Find([]string{"emit"})
	require.NoError(t, err)
	assert.NotNil(t, emit.Flags().Lookup("model"))
	assert.NotNil(t, emit.InheritedFlags().Lookup("broker"))
}

func TestEmitFailsOnBadConfig(t *testing.T) {
	root := NewRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"emit", "--config", filepath.Join(t.TempDir(), "missing.yaml")})

	err := root.Execute()
	assert.ErrorContains(t, err, "failed to load config")
}
