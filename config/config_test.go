package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "understand-lsp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "127.0.0.1:5007", cfg.Server.Address)
	assert.Equal(t, 32768, cfg.Server.MaxFrameSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Watch.Window)
	assert.Equal(t, 100*time.Millisecond, cfg.Selection.Window)
}

func TestLoadFromMissingFile(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Defaults(), *cfg)
}

func TestLoadFromPartialYAML(t *testing.T) {
	path := writeYAML(t, `
server:
  address: 127.0.0.1:6000
  shutdown_timeout: 500ms
watch:
  window: 1s
log:
  level: debug
`)
	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", cfg.Server.Address)
	assert.Equal(t, 500*time.Millisecond, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Second, cfg.Watch.Window)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "socket", cfg.Server.Transport)
	assert.Equal(t, 10*time.Second, cfg.Server.HandshakeTimeout)
}

func TestEnvOverridesYAML(t *testing.T) {
	path := writeYAML(t, "log:\n  level: debug\n")
	t.Setenv("UNDERSTAND_LOG_LEVEL", "warn")
	t.Setenv("UNDERSTAND_SHUTDOWN_TIMEOUT", "3s")
	t.Setenv("UNDERSTAND_WATCH", "false")
	t.Setenv("UNDERSTAND_MAX_FRAME_SIZE", "not a number")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.False(t, cfg.Watch.Enabled)
	assert.Equal(t, 32768, cfg.Server.MaxFrameSize)
}

func TestMalformedYAML(t *testing.T) {
	_, err := LoadFrom(writeYAML(t, "server: [unclosed"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad transport", func(c *Config) { c.Server.Transport = "carrier-pigeon" }, "Transport"},
		{"bad address", func(c *Config) { c.Server.Address = "localhost" }, "Address"},
		{"tiny frames", func(c *Config) { c.Server.MaxFrameSize = 10 }, "MaxFrameSize"},
		{"zero window", func(c *Config) { c.Watch.Window = 0 }, "Window"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "Level"},
		{"bad exporter", func(c *Config) { c.Telemetry.Metrics = "statsd" }, "Metrics"},
		{"prometheus without address", func(c *Config) {
			c.Telemetry.Metrics = "prometheus"
			c.Telemetry.Address = ""
		}, "Address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs)
			assert.Equal(t, tt.field, verrs[0].Field())
		})
	}

	cfg := Defaults()
	cfg.Server.Transport = "stdio"
	cfg.Server.Command = []string{"understand-server", "--stdio"}
	assert.NoError(t, cfg.Validate())
}

func TestTransportAliasesAreValid(t *testing.T) {
	// The server reads the same file and has no command to spawn
	for _, method := range []string{"socket", "tcp", "stdio", "stdin"} {
		t.Run(method, func(t *testing.T) {
			cfg := Defaults()
			cfg.Server.Transport = method
			assert.NoError(t, cfg.Validate())
		})
	}
}
