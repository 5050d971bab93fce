// Package config handles configuration loading for the trade-offer agent.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/tradeoffer/config.yaml, /config/config.yaml,
// /etc/tradeoffer/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tradeoffer", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/tradeoffer/config.yaml")
	return paths
}

// searchPathsFunc is indirected for testability so tests don't stumble
// onto real config files on the developer/CI machine.
var searchPathsFunc = DefaultSearchPaths

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches searchPathsFunc() and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	paths := searchPathsFunc()
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", paths)
}

// Config holds all trade-offer agent configuration. Durations
// (cancel_time, pending_cancel_time, interval) are expressed in
// milliseconds in YAML; Go callers use the *Duration() helpers below
// to get a time.Duration.
type Config struct {
	Account  AccountConfig  `yaml:"account"`
	Manager  ManagerConfig  `yaml:"manager"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	EventAPI EventAPIConfig `yaml:"event_api"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// AccountConfig carries the identifiers needed to talk to the remote
// API and confirmation endpoints on behalf of one account.
type AccountConfig struct {
	Username       string `yaml:"username"`
	AccountID      uint64 `yaml:"account_id"`
	APIKey         string `yaml:"api_key"`
	IdentitySecret string `yaml:"identity_secret"`
}

// ManagerConfig carries the knobs that control reconciliation timing
// and auto-cancel policy thresholds.
type ManagerConfig struct {
	// IntervalMS is the poll period in milliseconds. Negative disables
	// auto-scheduling (the caller must invoke Tick manually).
	IntervalMS int `yaml:"interval_ms"`
	// CancelTimeMS auto-cancels Active sent offers older than this.
	// Zero disables the policy.
	CancelTimeMS int64 `yaml:"cancel_time_ms"`
	// PendingCancelTimeMS auto-cancels unconfirmed sent offers older
	// than this. Zero disables the policy.
	PendingCancelTimeMS int64 `yaml:"pending_cancel_time_ms"`
	// CancelOfferCount caps outstanding Active sent offers. Zero disables
	// quota trimming.
	CancelOfferCount int `yaml:"cancel_offer_count"`
	// CancelOfferCountMinAgeMS is the floor age before an offer
	// qualifies for quota trimming.
	CancelOfferCountMinAgeMS int64 `yaml:"cancel_offer_count_min_age_ms"`
	// GetDescriptions enables item name enrichment, which also affects
	// glitch detection on received offers.
	GetDescriptions bool `yaml:"get_descriptions"`
	// Language is the Steam language tag used on remote API requests.
	Language string `yaml:"language"`
}

// IntervalDuration returns IntervalMS as a time.Duration.
func (m ManagerConfig) IntervalDuration() time.Duration {
	return time.Duration(m.IntervalMS) * time.Millisecond
}

// CancelTimeDuration returns CancelTimeMS as a time.Duration.
func (m ManagerConfig) CancelTimeDuration() time.Duration {
	return time.Duration(m.CancelTimeMS) * time.Millisecond
}

// PendingCancelTimeDuration returns PendingCancelTimeMS as a time.Duration.
func (m ManagerConfig) PendingCancelTimeDuration() time.Duration {
	return time.Duration(m.PendingCancelTimeMS) * time.Millisecond
}

// CancelOfferCountMinAgeDuration returns CancelOfferCountMinAgeMS as a time.Duration.
func (m ManagerConfig) CancelOfferCountMinAgeDuration() time.Duration {
	return time.Duration(m.CancelOfferCountMinAgeMS) * time.Millisecond
}

// MQTTConfig defines the optional operational-telemetry MQTT publisher,
// which exposes poll/offer counters as Home-Assistant-style discovered
// sensors. Nothing in the core reconciliation engine depends on this;
// it is a read-only observer wired to internal/events.Bus.
type MQTTConfig struct {
	Enabled            bool   `yaml:"enabled"`
	BrokerURL          string `yaml:"broker_url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	ClientID           string `yaml:"client_id"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// EventAPIConfig defines the optional read-only WebSocket event stream.
type EventAPIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Configured reports whether enough account detail is present to
// authenticate requests. It does not imply the session is currently
// logged in; that is a runtime property tracked by the manager.
func (c AccountConfig) Configured() bool {
	return c.Username != "" && c.APIKey != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${STEAM_API_KEY}), a
	// convenience for container deployments.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Manager.IntervalMS == 0 {
		c.Manager.IntervalMS = 30000
	}
	if c.Manager.Language == "" {
		c.Manager.Language = "english"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.EventAPI.Port == 0 {
		c.EventAPI.Port = 8787
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "tradeoffer-agent"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "Trade Offer Agent"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
func (c *Config) Validate() error {
	if c.EventAPI.Enabled && (c.EventAPI.Port < 1 || c.EventAPI.Port > 65535) {
		return fmt.Errorf("event_api.port %d out of range (1-65535)", c.EventAPI.Port)
	}
	if c.Manager.CancelOfferCount < 0 {
		return fmt.Errorf("manager.cancel_offer_count cannot be negative")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a pre-authenticated session. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
