// Package config is the root configuration layer: a single YAML-backed
// Config struct with one nested sub-config per subsystem, a zero-config
// default, and environment-variable substitution on load.
package config

import (
	"time"

	"github.com/aegiscore/aegis/internal/alert"
	"github.com/aegiscore/aegis/internal/drift"
)

// Config is the top-level aegis configuration.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Policy    PolicyConfig    `yaml:"policy"`
	Drift     DriftConfig     `yaml:"drift"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Auth      AuthConfig      `yaml:"auth"`
}

// GatewayConfig configures the Host-visible HTTP/WebSocket surface.
type GatewayConfig struct {
	Port         int    `yaml:"port"`
	WebSocketPath string `yaml:"websocket_path"` // not read by the server; the event stream is always served at /api/events
	KillSwitchFile string `yaml:"kill_switch_file"` // sentinel-file path, out-of-band emergency stop
	LogLevel     string `yaml:"log_level"`
}

// LedgerConfig configures the Signed Audit Ledger.
type LedgerConfig struct {
	Path       string `yaml:"path"`
	DemoSigned bool   `yaml:"demo_signed"` // HMAC demo mode vs a real offline-verifiable signature
	SigningKey string `yaml:"signing_key,omitempty"`
}

// PolicyConfig configures the rule-source directory watched by the
// Policy Engine's Loader.
type PolicyConfig struct {
	RuleSourceDir string `yaml:"rule_source_dir"`
	HotReload     bool   `yaml:"hot_reload"`
}

// DriftConfig configures the Drift Engine's signal weights, thresholds,
// and resurrection policy.
type DriftConfig struct {
	Weights          drift.Weights   `yaml:"weights"`
	Thresholds       drift.Thresholds `yaml:"thresholds"`
	MaxResurrections int             `yaml:"max_resurrections"`
	LearningIntents  int             `yaml:"learning_intents"`
	SnapshotStorePath string         `yaml:"snapshot_store_path"` // sqlite cold-start optimization store
}

// EmbeddingConfig holds the embedding settings. aegisd reads only
// Dimension; Provider, Endpoint and Timeout are not read, and the daemon
// always uses the hash embedding provider.
type EmbeddingConfig struct {
	Provider  string        `yaml:"provider"` // "hash" or "external"
	Dimension int           `yaml:"dimension"`
	Endpoint  string        `yaml:"endpoint,omitempty"` // external provider URL, if any
	Timeout   time.Duration `yaml:"timeout"`
}

// AlertsConfig wires the configured alert sinks. Sender config types
// live in internal/alert to avoid a config<->alert import cycle.
type AlertsConfig struct {
	Slack   alert.SlackConfig   `yaml:"slack"`
	Webhook alert.WebhookConfig `yaml:"webhook"`
}

// AuthConfig configures the Gateway's bearer-token admin surface.
type AuthConfig struct {
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// DefaultConfig returns a config with sensible defaults for zero-config
// startup, mirroring the donor's own DefaultConfig.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:          8443,
			WebSocketPath: "/api/events",
			LogLevel:      "info",
		},
		Ledger: LedgerConfig{
			Path:       "./aegis-ledger.log",
			DemoSigned: true,
		},
		Policy: PolicyConfig{
			RuleSourceDir: "./rules",
			HotReload:     true,
		},
		Drift: DriftConfig{
			Weights:           drift.DefaultWeights,
			Thresholds:        drift.DefaultThresholds,
			MaxResurrections:  drift.DefaultMaxResurrections,
			LearningIntents:   20,
			SnapshotStorePath: "./aegis-fingerprints.db",
		},
		Embedding: EmbeddingConfig{
			Provider:  "hash",
			Dimension: 256,
			Timeout:   2 * time.Second,
		},
		Auth: AuthConfig{
			TokenTTL: time.Hour,
		},
	}
}
