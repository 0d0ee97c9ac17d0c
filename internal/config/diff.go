package config

import (
	"reflect"
	"sort"
	"strings"

	logx "snspilot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (API keys, vault secret,
// bot token) are never included; only their set/unset state is.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oldS, newS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
		)
	}

	// Provider (never log the API key)
	if strings.TrimSpace(oldCfg.Provider.BaseURL) != strings.TrimSpace(newCfg.Provider.BaseURL) ||
		strings.TrimSpace(oldCfg.Provider.RequestTimeout) != strings.TrimSpace(newCfg.Provider.RequestTimeout) ||
		oldCfg.Provider.RatePerSec != newCfg.Provider.RatePerSec ||
		(strings.TrimSpace(oldCfg.Provider.APIKey) != "") != (strings.TrimSpace(newCfg.Provider.APIKey) != "") {
		changed = append(changed, "provider")
		attrs = append(attrs,
			logx.String("provider.base_url", strings.TrimSpace(newCfg.Provider.BaseURL)),
			logx.Bool("provider.api_key_set", strings.TrimSpace(newCfg.Provider.APIKey) != ""),
			logx.Int("provider.rate_per_sec", newCfg.Provider.RatePerSec),
		)
	}

	// Vault (set/unset only)
	if (strings.TrimSpace(oldCfg.Vault.Secret) != "") != (strings.TrimSpace(newCfg.Vault.Secret) != "") {
		changed = append(changed, "vault")
		attrs = append(attrs,
			logx.Bool("vault.secret_set", strings.TrimSpace(newCfg.Vault.Secret) != ""))
	}

	if !reflect.DeepEqual(oldCfg.Dispatch, newCfg.Dispatch) {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Bool("dispatch.enabled", newCfg.Dispatch.Enabled),
			logx.String("dispatch.poll_interval", strings.TrimSpace(newCfg.Dispatch.PollInterval)),
			logx.Int("dispatch.workers", newCfg.Dispatch.Workers),
			logx.Int("dispatch.max_retries", newCfg.Dispatch.MaxRetries),
			logx.String("dispatch.retry_base", strings.TrimSpace(newCfg.Dispatch.RetryBase)),
		)
	}

	oldE, newE := derefExecutor(oldCfg.Executor), derefExecutor(newCfg.Executor)
	if !reflect.DeepEqual(oldE, newE) {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.String("executor.settle_wait", strings.TrimSpace(newE.SettleWait)),
			logx.Int("executor.locate_attempts", newE.LocateAttempts),
			logx.Bool("executor.evidence_enabled", strings.TrimSpace(newE.EvidenceDir) != ""),
		)
	}

	// Alert (never log the token)
	oldA, newA := derefAlert(oldCfg.Alert), derefAlert(newCfg.Alert)
	if oldA.Enabled != newA.Enabled ||
		oldA.ChatID != newA.ChatID ||
		oldA.RatePerSec != newA.RatePerSec ||
		(strings.TrimSpace(oldA.Token) != "") != (strings.TrimSpace(newA.Token) != "") {
		changed = append(changed, "alert")
		attrs = append(attrs,
			logx.Bool("alert.enabled", newA.Enabled),
			logx.Bool("alert.token_set", strings.TrimSpace(newA.Token) != ""),
		)
	}

	oldAn, newAn := derefAnalytics(oldCfg.Analytics), derefAnalytics(newCfg.Analytics)
	if !reflect.DeepEqual(oldAn, newAn) {
		changed = append(changed, "analytics")
		attrs = append(attrs, logx.Bool("analytics.enabled", newAn.Enabled))
	}

	// Debug (never log the token)
	oldD, newD := derefDebug(oldCfg.Debug), derefDebug(newCfg.Debug)
	if oldD.Enabled != newD.Enabled ||
		strings.TrimSpace(oldD.Addr) != strings.TrimSpace(newD.Addr) ||
		(strings.TrimSpace(oldD.Token) != "") != (strings.TrimSpace(newD.Token) != "") {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newD.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newD.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newD.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefExecutor(e *ExecutorConfig) ExecutorConfig {
	if e == nil {
		return ExecutorConfig{}
	}
	return *e
}

func derefAlert(a *AlertConfig) AlertConfig {
	if a == nil {
		return AlertConfig{}
	}
	return *a
}

func derefDebug(d *DebugConfig) DebugConfig {
	if d == nil {
		return DebugConfig{}
	}
	return *d
}

func derefAnalytics(a *AnalyticsConfig) AnalyticsConfig {
	if a == nil {
		// Omitted section means recorder enabled with defaults.
		return AnalyticsConfig{Enabled: true}
	}
	return *a
}
