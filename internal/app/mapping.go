package app

import (
	"fmt"
	"strings"
	"time"

	"snspilot/internal/alert"
	"snspilot/internal/analytics"
	"snspilot/internal/config"
	"snspilot/internal/devicepool"
	"snspilot/internal/dispatch"
	"snspilot/internal/executor"
	"snspilot/internal/observability/debug"
	"snspilot/internal/provider/duoplus"
	"snspilot/internal/storage"
)

// Config mapping: the config package holds raw strings; each component
// gets a typed config here, with duration parsing and bounds checks.
// The same mappers double as the hot-reload validator, so a bad edit is
// rejected before anything is applied.

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

func mapProviderConfig(cfg *config.Config) (duoplus.Config, error) {
	pc := cfg.Provider
	if strings.TrimSpace(pc.APIKey) == "" {
		return duoplus.Config{}, fmt.Errorf("provider.api_key is required")
	}
	timeout, err := config.ParseDurationField("provider.request_timeout", pc.RequestTimeout)
	if err != nil {
		return duoplus.Config{}, err
	}
	if pc.RatePerSec < 0 {
		return duoplus.Config{}, fmt.Errorf("provider.rate_per_sec must be >= 0")
	}
	return duoplus.Config{
		BaseURL:        strings.TrimSpace(pc.BaseURL),
		APIKey:         strings.TrimSpace(pc.APIKey),
		RequestTimeout: timeout,
		RatePerSec:     pc.RatePerSec,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	dc := cfg.Dispatch

	poll, err := config.ParseDurationField("dispatch.poll_interval", dc.PollInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	refresh, err := config.ParseDurationField("dispatch.refresh_interval", dc.RefreshInterval)
	if err != nil {
		return dispatch.Config{}, err
	}
	actionTimeout, err := config.ParseDurationField("dispatch.action_timeout", dc.ActionTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	leaseTTL, err := config.ParseDurationField("dispatch.lease_ttl", dc.LeaseTTL)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryBase, err := config.ParseDurationField("dispatch.retry_base", dc.RetryBase)
	if err != nil {
		return dispatch.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationField("dispatch.retry_max_delay", dc.RetryMaxDelay)
	if err != nil {
		return dispatch.Config{}, err
	}

	if dc.Workers < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.workers must be >= 0")
	}
	if dc.BatchLimit < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.batch_limit must be >= 0")
	}
	if dc.MaxRetries < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.max_retries must be >= 0")
	}
	if dc.UnknownMaxRetries < 0 {
		return dispatch.Config{}, fmt.Errorf("dispatch.unknown_max_retries must be >= 0")
	}
	if retryBase > 0 && retryMaxDelay > 0 && retryMaxDelay < retryBase {
		return dispatch.Config{}, fmt.Errorf("dispatch.retry_max_delay must be >= dispatch.retry_base")
	}

	return dispatch.Config{
		Enabled:           dc.Enabled,
		PollInterval:      poll,
		RefreshInterval:   refresh,
		Workers:           dc.Workers,
		BatchLimit:        dc.BatchLimit,
		ActionTimeout:     actionTimeout,
		LeaseTTL:          leaseTTL,
		MaxRetries:        dc.MaxRetries,
		RetryBase:         retryBase,
		RetryMaxDelay:     retryMaxDelay,
		UnknownMaxRetries: dc.UnknownMaxRetries,
	}, nil
}

func mapDevicePoolConfig(cfg *config.Config) (devicepool.Config, error) {
	leaseTTL, err := config.ParseDurationField("dispatch.lease_ttl", cfg.Dispatch.LeaseTTL)
	if err != nil {
		return devicepool.Config{}, err
	}
	return devicepool.Config{LeaseTTL: leaseTTL}, nil
}

type executorSetup struct {
	Config      executor.Config
	EvidenceDir string
	LocatorURL  string
}

func mapExecutorConfig(cfg *config.Config) (executorSetup, error) {
	if cfg.Executor == nil {
		return executorSetup{}, nil
	}
	ec := cfg.Executor
	settle, err := config.ParseDurationField("executor.settle_wait", ec.SettleWait)
	if err != nil {
		return executorSetup{}, err
	}
	scroll, err := config.ParseDurationField("executor.scroll_wait", ec.ScrollWait)
	if err != nil {
		return executorSetup{}, err
	}
	if ec.LocateAttempts < 0 {
		return executorSetup{}, fmt.Errorf("executor.locate_attempts must be >= 0")
	}
	return executorSetup{
		Config: executor.Config{
			SettleWait:     settle,
			ScrollWait:     scroll,
			LocateAttempts: ec.LocateAttempts,
		},
		EvidenceDir: strings.TrimSpace(ec.EvidenceDir),
		LocatorURL:  strings.TrimSpace(ec.LocatorURL),
	}, nil
}

func mapAlertConfig(cfg *config.Config) (alert.Config, error) {
	if cfg.Alert == nil {
		return alert.Config{}, nil
	}
	ac := cfg.Alert
	if ac.Enabled && strings.TrimSpace(ac.Token) == "" {
		return alert.Config{}, fmt.Errorf("alert.token is required when alert.enabled")
	}
	if ac.Enabled && ac.ChatID == 0 {
		return alert.Config{}, fmt.Errorf("alert.chat_id is required when alert.enabled")
	}
	if ac.RatePerSec < 0 {
		return alert.Config{}, fmt.Errorf("alert.rate_per_sec must be >= 0")
	}
	return alert.Config{
		Enabled:    ac.Enabled,
		Token:      strings.TrimSpace(ac.Token),
		ChatID:     ac.ChatID,
		RatePerSec: ac.RatePerSec,
	}, nil
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	if cfg.Debug == nil {
		return debug.Config{}
	}
	return debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    strings.TrimSpace(cfg.Debug.Addr),
		Token:   strings.TrimSpace(cfg.Debug.Token),
	}
}

func mapAnalyticsConfig(cfg *config.Config) analytics.Config {
	if cfg.Analytics == nil {
		// Omitted section means enabled with defaults.
		return analytics.Config{Enabled: true}
	}
	return analytics.Config{Enabled: cfg.Analytics.Enabled, Buffer: cfg.Analytics.Buffer}
}
