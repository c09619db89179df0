package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
strix:
  node:
    host_ip: 100.120.241.10
  capture:
    interface: eth0
  ticket:
    endpoints:
      - http://127.0.0.1:11434/api/generate
`

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "100.120.241.10", cfg.Node.HostIP)
	assert.NotEmpty(t, cfg.Node.Hostname)

	// Ambient defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9091", cfg.Metrics.Listen)

	// Transport defaults
	assert.Equal(t, []string{"127.0.0.1:9092"}, cfg.Transport.Brokers)
	assert.Equal(t, "strix.audio", cfg.Transport.AudioTopic)
	assert.Equal(t, "strix.asr-events", cfg.Transport.EventsTopic)

	// Pipeline defaults
	assert.Equal(t, uint16(10000), cfg.Capture.RTPPortMin)
	assert.Equal(t, uint16(20000), cfg.Capture.RTPPortMax)
	assert.Equal(t, 2.0, cfg.Capture.SegmentThreshold)
	assert.Equal(t, 30.0, cfg.Capture.CallTimeout)
	assert.Equal(t, 5.0, cfg.Router.MaxDelay)
	assert.Equal(t, []string{"*"}, cfg.Router.AllowedOrigins)
	assert.False(t, cfg.Router.BroadcastAll)
	assert.Equal(t, "20s", cfg.Ticket.Timeout)
	assert.Equal(t, "noisegate", cfg.ASR.Preprocess)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
strix:
  node:
    host_ip: 10.0.0.1
  capture:
    interface: enp2s0
    segment_threshold: 1.5
    rtp_port_min: 16384
    rtp_port_max: 32767
  router:
    listen: ":9002"
    broadcast_all: true
    max_delay: 2.5
    allowed_origins:
      - http://localhost:5173
  ticket:
    endpoints:
      - http://a:11434/api/generate
      - http://b:11434/api/generate
  log:
    level: debug
    format: text
`))
	require.NoError(t, err)

	assert.Equal(t, "enp2s0", cfg.Capture.Interface)
	assert.Equal(t, 1.5, cfg.Capture.SegmentThreshold)
	assert.Equal(t, uint16(16384), cfg.Capture.RTPPortMin)
	assert.True(t, cfg.Router.BroadcastAll)
	assert.Equal(t, 2.5, cfg.Router.MaxDelay)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Router.AllowedOrigins)
	assert.Len(t, cfg.Ticket.Endpoints, 2)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("STRIX_ROUTER_LISTEN", ":7777")
	t.Setenv("STRIX_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Router.Listen)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad log level", `
strix:
  node: {host_ip: 10.0.0.1}
  log: {level: loud}
`},
		{"bad host ip", `
strix:
  node: {host_ip: not-an-ip}
`},
		{"inverted rtp range", `
strix:
  node: {host_ip: 10.0.0.1}
  capture: {rtp_port_min: 20000, rtp_port_max: 10000}
`},
		{"negative segment threshold", `
strix:
  node: {host_ip: 10.0.0.1}
  capture: {segment_threshold: -1}
`},
		{"bad preprocess", `
strix:
  node: {host_ip: 10.0.0.1}
  asr: {preprocess: louder}
`},
		{"zero max delay", `
strix:
  node: {host_ip: 10.0.0.1}
  router: {max_delay: 0}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	assert.Error(t, err)
}
