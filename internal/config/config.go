// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig is the top-level static configuration shared by all four
// components. Maps to the `strix:` root key in YAML.
type GlobalConfig struct {
	Node      NodeConfig      `mapstructure:"node"`
	Transport TransportConfig `mapstructure:"transport"`
	Capture   CaptureConfig   `mapstructure:"capture"`
	ASR       ASRConfig       `mapstructure:"asr"`
	Router    RouterConfig    `mapstructure:"router"`
	Ticket    TicketConfig    `mapstructure:"ticket"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Log       LogConfig       `mapstructure:"log"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
// HostIP is the address of the PBX host the capture runs on; SIP INVITEs
// originating from any other address are classified as outgoing calls.
type NodeConfig struct {
	HostIP   string `mapstructure:"host_ip"` // Empty = auto-detect
	Hostname string `mapstructure:"hostname"`
}

// ─── Transport (Kafka hops) ───

// TransportConfig configures the two message-queue hops.
type TransportConfig struct {
	Brokers     []string `mapstructure:"brokers"`
	AudioTopic  string   `mapstructure:"audio_topic"`  // capture → asr
	EventsTopic string   `mapstructure:"events_topic"` // asr → router
	GroupID     string   `mapstructure:"group_id"`     // consumer group prefix
}

// ─── Capture ───

// CaptureConfig configures the packet capture component.
type CaptureConfig struct {
	Interface        string  `mapstructure:"interface"`
	SnapLen          int     `mapstructure:"snap_len"`
	BufferSizeMB     int     `mapstructure:"buffer_size_mb"`
	PollTimeoutMs    int     `mapstructure:"poll_timeout_ms"`
	RTPPortMin       uint16  `mapstructure:"rtp_port_min"`
	RTPPortMax       uint16  `mapstructure:"rtp_port_max"`
	SegmentThreshold float64 `mapstructure:"segment_threshold"` // seconds
	CallTimeout      float64 `mapstructure:"call_timeout"`      // seconds of RTP silence before a call is closed
	AttachFarEnd     bool    `mapstructure:"attach_far_end"`    // attach citizen-leg PCM as AEC reference
}

// ─── ASR Worker ───

// ASRConfig configures the recognition worker.
type ASRConfig struct {
	InferURL      string `mapstructure:"infer_url"`
	InferTimeout  string `mapstructure:"infer_timeout"`
	AllowlistFile string `mapstructure:"allowlist_file"`
	Preprocess    string `mapstructure:"preprocess"` // aec | noisegate | bypass
}

// ─── Event Router ───

// RouterConfig configures the WebSocket fan-out server.
type RouterConfig struct {
	Listen         string   `mapstructure:"listen"`
	BroadcastAll   bool     `mapstructure:"broadcast_all"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	MaxDelay       float64  `mapstructure:"max_delay"` // seconds an out-of-order event may be held
}

// ─── Ticket Proxy ───

// TicketConfig configures the summarization proxy.
type TicketConfig struct {
	Listen    string   `mapstructure:"listen"`
	Endpoints []string `mapstructure:"endpoints"` // LLM summarizer pool
	Timeout   string   `mapstructure:"timeout"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `strix: ...`.
type configRoot struct {
	Strix GlobalConfig `mapstructure:"strix"`
}

// Load loads configuration from file.
// The YAML file uses `strix:` as root key; env vars map through the key
// replacer (key "strix.router.listen" → env "STRIX_ROUTER_LISTEN").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Strix

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "strix." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("strix.log.level", "info")
	v.SetDefault("strix.log.format", "json")
	v.SetDefault("strix.log.outputs.file.enabled", false)
	v.SetDefault("strix.log.outputs.file.path", "/var/log/strix/strix.log")
	v.SetDefault("strix.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("strix.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("strix.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("strix.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("strix.metrics.enabled", true)
	v.SetDefault("strix.metrics.listen", ":9091")
	v.SetDefault("strix.metrics.path", "/metrics")

	// Transport defaults
	v.SetDefault("strix.transport.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("strix.transport.audio_topic", "strix.audio")
	v.SetDefault("strix.transport.events_topic", "strix.asr-events")
	v.SetDefault("strix.transport.group_id", "strix")

	// Capture defaults
	v.SetDefault("strix.capture.snap_len", 2048)
	v.SetDefault("strix.capture.buffer_size_mb", 64)
	v.SetDefault("strix.capture.poll_timeout_ms", 100)
	v.SetDefault("strix.capture.rtp_port_min", 10000)
	v.SetDefault("strix.capture.rtp_port_max", 20000)
	v.SetDefault("strix.capture.segment_threshold", 2.0)
	v.SetDefault("strix.capture.call_timeout", 30.0)
	v.SetDefault("strix.capture.attach_far_end", false)

	// ASR defaults
	v.SetDefault("strix.asr.infer_timeout", "10s")
	v.SetDefault("strix.asr.preprocess", "noisegate")

	// Router defaults
	v.SetDefault("strix.router.listen", ":8000")
	v.SetDefault("strix.router.broadcast_all", false)
	v.SetDefault("strix.router.allowed_origins", []string{"*"})
	v.SetDefault("strix.router.max_delay", 5.0)

	// Ticket defaults
	v.SetDefault("strix.ticket.listen", ":8001")
	v.SetDefault("strix.ticket.timeout", "20s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Host IP resolution ──
	resolvedIP, err := resolveHostIP(&cfg.Node)
	if err != nil {
		return err
	}
	cfg.Node.HostIP = resolvedIP

	// ── Capture validation ──
	if cfg.Capture.SegmentThreshold <= 0 {
		return fmt.Errorf("capture.segment_threshold must be positive, got %v", cfg.Capture.SegmentThreshold)
	}
	if cfg.Capture.CallTimeout <= 0 {
		return fmt.Errorf("capture.call_timeout must be positive, got %v", cfg.Capture.CallTimeout)
	}
	if cfg.Capture.RTPPortMin >= cfg.Capture.RTPPortMax {
		return fmt.Errorf("capture.rtp_port_min (%d) must be below rtp_port_max (%d)",
			cfg.Capture.RTPPortMin, cfg.Capture.RTPPortMax)
	}

	// ── ASR validation ──
	switch cfg.ASR.Preprocess {
	case "aec", "noisegate", "bypass":
	default:
		return fmt.Errorf("invalid asr.preprocess: %s (must be aec/noisegate/bypass)", cfg.ASR.Preprocess)
	}

	// ── Router validation ──
	if cfg.Router.MaxDelay <= 0 {
		return fmt.Errorf("router.max_delay must be positive, got %v", cfg.Router.MaxDelay)
	}
	if len(cfg.Router.AllowedOrigins) == 0 {
		cfg.Router.AllowedOrigins = []string{"*"}
	}

	return nil
}

// resolveHostIP resolves the PBX host IP address.
// Priority: explicit config/env value → auto-detect → error.
func resolveHostIP(node *NodeConfig) (string, error) {
	if node.HostIP != "" {
		if net.ParseIP(node.HostIP) == nil {
			return "", fmt.Errorf("invalid node.host_ip: %s", node.HostIP)
		}
		return node.HostIP, nil
	}

	// Auto-detect: first non-loopback, non-link-local IPv4
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("cannot resolve host IP: failed to list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipNet.IP.To4()
			if ip4 == nil {
				continue
			}
			// Skip link-local 169.254.x.x
			if ip4[0] == 169 && ip4[1] == 254 {
				continue
			}
			return ip4.String(), nil
		}
	}

	return "", fmt.Errorf("cannot resolve host IP: set STRIX_NODE_HOST_IP or strix.node.host_ip")
}
