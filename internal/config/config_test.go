package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	logx "snspilot/pkg/logx"
)

// renderFields applies structured fields to a throwaway logger so tests
// can assert on what would end up in the log line.
func renderFields(fields []logx.Field) string {
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Log()
	for _, f := range fields {
		f(ev)
	}
	ev.Send()
	return buf.String()
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleYAML = `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./snspilot.db
  busy_timeout: 2s
provider:
  api_key: dp-test-key
  rate_per_sec: 3
vault:
  secret: unit-test-secret
dispatch:
  enabled: true
  poll_interval: 10s
  workers: 2
  max_retries: 3
  retry_base: 30s
  retry_max_delay: 10m
executor:
  settle_wait: 5s
  locate_attempts: 2
alert:
  enabled: true
  token: 123:abc
  chat_id: -100123456
`

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "config.yaml", sampleYAML)
	m := NewConfigManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.Provider.APIKey != "dp-test-key" || cfg.Provider.RatePerSec != 3 {
		t.Fatalf("provider = %+v", cfg.Provider)
	}
	if !cfg.Dispatch.Enabled || cfg.Dispatch.PollInterval != "10s" || cfg.Dispatch.Workers != 2 {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
	if cfg.Executor == nil || cfg.Executor.LocateAttempts != 2 {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if cfg.Alert == nil || cfg.Alert.ChatID != -100123456 {
		t.Fatalf("alert = %+v", cfg.Alert)
	}
	if cfg.Analytics != nil {
		t.Fatalf("omitted analytics section should stay nil")
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeTemp(t, "config.yaml", "dispatch:\n  enabled: true\n  pol_interval: 10s\n")
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatalf("typo'd key must be rejected")
	}
}

func TestParseJSONConfig(t *testing.T) {
	path := writeTemp(t, "config.json", `{"dispatch":{"enabled":true,"poll_interval":"5s"}}`)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !cfg.Dispatch.Enabled || cfg.Dispatch.PollInterval != "5s" {
		t.Fatalf("dispatch = %+v", cfg.Dispatch)
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeTemp(t, "config.json", `{"dispatch":{"enabled":true}}{"extra":1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatalf("concatenated documents must be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	if d, err := ParseDurationField("dispatch.poll_interval", "90s"); err != nil || d != 90*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("dispatch.poll_interval", "  "); err != nil || d != 0 {
		t.Fatalf("blank should be zero: %v, %v", d, err)
	}
	if _, err := ParseDurationField("dispatch.poll_interval", "10 parsecs"); err == nil {
		t.Fatalf("garbage duration accepted")
	}
	if _, err := ParseDurationField("dispatch.poll_interval", "-5s"); err == nil {
		t.Fatalf("negative duration accepted")
	}
	if d, err := ParseDurationOrDefault("x", "", 15*time.Second); err != nil || d != 15*time.Second {
		t.Fatalf("default not applied: %v, %v", d, err)
	}
}

func TestSummarizeConfigChangeRedactsSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Provider: ProviderConfig{APIKey: "super-secret-key", RatePerSec: 3},
		Vault:    VaultConfig{Secret: "vault-passphrase"},
		Alert:    &AlertConfig{Enabled: true, Token: "123:bot-token", ChatID: 42},
	}

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)

	want := map[string]bool{"provider": true, "vault": true, "alert": true}
	for _, c := range changed {
		delete(want, c)
	}
	if len(want) != 0 {
		t.Fatalf("missing changed sections %v in %v", want, changed)
	}

	blob := renderFields(attrs)
	for _, secret := range []string{"super-secret-key", "vault-passphrase", "bot-token"} {
		if strings.Contains(blob, secret) {
			t.Fatalf("secret %q leaked into log attrs: %s", secret, blob)
		}
	}
	if !strings.Contains(blob, "provider.api_key_set") || !strings.Contains(blob, "vault.secret_set") {
		t.Fatalf("set/unset markers missing: %s", blob)
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	cfg := &Config{Dispatch: DispatchConfig{Enabled: true, PollInterval: "15s"}}
	if changed, _ := SummarizeConfigChange(cfg, cfg); len(changed) != 0 {
		t.Fatalf("identical configs reported changes: %v", changed)
	}
}
