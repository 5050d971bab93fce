package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: ./data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig() error = %v", err)
	}
	if got != path {
		t.Errorf("FindConfig() = %q, want %q", got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing explicit config path")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data_dir: ./data\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "nope.yaml"), path}
	}
	defer func() { searchPathsFunc = orig }()

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig() error = %v", err)
	}
	if got != path {
		t.Errorf("FindConfig() = %q, want %q", got, path)
	}
}

func TestFindConfig_NoneFound(t *testing.T) {
	dir := t.TempDir()

	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "a.yaml"), filepath.Join(dir, "b.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	if _, err := FindConfig(""); err == nil {
		t.Fatal("expected error when no search path exists")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
account:
  username: tradebot
  api_key: ${TRADEOFFER_TEST_API_KEY}
  identity_secret: ${TRADEOFFER_TEST_IDENTITY_SECRET}
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	os.Setenv("TRADEOFFER_TEST_API_KEY", "deadbeef")
	os.Setenv("TRADEOFFER_TEST_IDENTITY_SECRET", "c2VjcmV0")
	defer os.Unsetenv("TRADEOFFER_TEST_API_KEY")
	defer os.Unsetenv("TRADEOFFER_TEST_IDENTITY_SECRET")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Account.APIKey != "deadbeef" {
		t.Errorf("Account.APIKey = %q, want %q", cfg.Account.APIKey, "deadbeef")
	}
	if cfg.Account.IdentitySecret != "c2VjcmV0" {
		t.Errorf("Account.IdentitySecret = %q, want %q", cfg.Account.IdentitySecret, "c2VjcmV0")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("account: [this is not a mapping\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("account:\n  username: tradebot\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Manager.IntervalMS != 30000 {
		t.Errorf("Manager.IntervalMS = %d, want 30000", cfg.Manager.IntervalMS)
	}
	if cfg.Manager.Language != "english" {
		t.Errorf("Manager.Language = %q, want %q", cfg.Manager.Language, "english")
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "./data")
	}
	if cfg.EventAPI.Port != 8787 {
		t.Errorf("EventAPI.Port = %d, want 8787", cfg.EventAPI.Port)
	}
	if cfg.MQTT.ClientID != "tradeoffer-agent" {
		t.Errorf("MQTT.ClientID = %q, want %q", cfg.MQTT.ClientID, "tradeoffer-agent")
	}
	if cfg.MQTT.DeviceName != "Trade Offer Agent" {
		t.Errorf("MQTT.DeviceName = %q, want %q", cfg.MQTT.DeviceName, "Trade Offer Agent")
	}
}

func TestLoad_PreservesExplicitValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
manager:
  interval_ms: 5000
  language: german
data_dir: /var/lib/tradeoffer
event_api:
  enabled: true
  port: 9999
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Manager.IntervalMS != 5000 {
		t.Errorf("Manager.IntervalMS = %d, want 5000", cfg.Manager.IntervalMS)
	}
	if cfg.Manager.Language != "german" {
		t.Errorf("Manager.Language = %q, want %q", cfg.Manager.Language, "german")
	}
	if cfg.DataDir != "/var/lib/tradeoffer" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/var/lib/tradeoffer")
	}
	if cfg.EventAPI.Port != 9999 {
		t.Errorf("EventAPI.Port = %d, want 9999", cfg.EventAPI.Port)
	}
}

func TestValidate_EventAPIPortOutOfRange(t *testing.T) {
	tests := []struct {
		name    string
		port    int
		wantErr bool
	}{
		{"zero", 0, true},
		{"negative", -1, true},
		{"too large", 70000, true},
		{"valid low", 1, false},
		{"valid high", 65535, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.EventAPI.Enabled = true
			cfg.EventAPI.Port = tt.port

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_EventAPIPortIgnoredWhenDisabled(t *testing.T) {
	cfg := Default()
	cfg.EventAPI.Enabled = false
	cfg.EventAPI.Port = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil when event_api disabled", err)
	}
}

func TestValidate_NegativeCancelOfferCount(t *testing.T) {
	cfg := Default()
	cfg.Manager.CancelOfferCount = -1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative cancel_offer_count")
	}
}

func TestValidate_ZeroCancelOfferCountAllowed(t *testing.T) {
	cfg := Default()
	cfg.Manager.CancelOfferCount = 0

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil (0 disables quota trimming)", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestAccountConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		acct AccountConfig
		want bool
	}{
		{"empty", AccountConfig{}, false},
		{"username only", AccountConfig{Username: "x"}, false},
		{"api key only", AccountConfig{APIKey: "x"}, false},
		{"both set", AccountConfig{Username: "x", APIKey: "y"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.acct.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestManagerConfig_DurationHelpers(t *testing.T) {
	m := ManagerConfig{
		IntervalMS:               30000,
		CancelTimeMS:             3600000,
		PendingCancelTimeMS:      900000,
		CancelOfferCountMinAgeMS: 60000,
	}

	if got := m.IntervalDuration().Seconds(); got != 30 {
		t.Errorf("IntervalDuration() = %v seconds, want 30", got)
	}
	if got := m.CancelTimeDuration().Hours(); got != 1 {
		t.Errorf("CancelTimeDuration() = %v hours, want 1", got)
	}
	if got := m.PendingCancelTimeDuration().Minutes(); got != 15 {
		t.Errorf("PendingCancelTimeDuration() = %v minutes, want 15", got)
	}
	if got := m.CancelOfferCountMinAgeDuration().Minutes(); got != 1 {
		t.Errorf("CancelOfferCountMinAgeDuration() = %v minutes, want 1", got)
	}
}

func TestDefault_PassesValidate(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default() config failed Validate(): %v", err)
	}
}
