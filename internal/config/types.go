package config

// Config is the full engine configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Sections that are pointers may be omitted; nil means disabled or
// runtime defaults, documented per section.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Provider ProviderConfig `json:"provider"`
	Vault    VaultConfig    `json:"vault"`

	Dispatch DispatchConfig `json:"dispatch"`

	// Executor tunes the on-device automation flows. Omitted means
	// runtime defaults.
	Executor *ExecutorConfig `json:"executor,omitempty"`

	Alert     *AlertConfig     `json:"alert,omitempty"`
	Analytics *AnalyticsConfig `json:"analytics,omitempty"`

	// Debug exposes pprof and engine status snapshots over HTTP.
	// Omitted means disabled.
	Debug *DebugConfig `json:"debug,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the shared persistence layer. All engine
// instances that should cooperate must point at the same database.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./snspilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// ProviderConfig points at the cloud phone API.
type ProviderConfig struct {
	BaseURL string `json:"base_url,omitempty"`
	APIKey  string `json:"api_key"`
	// RequestTimeout bounds a single API call.
	RequestTimeout string `json:"request_timeout,omitempty"`
	// RatePerSec caps outgoing API calls across all workers.
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// VaultConfig holds the credential encryption key material.
//
// Secret is the symmetric key passphrase. It must match whatever the
// CRUD layer encrypted with; a mismatch surfaces as vault errors, never
// as silent plaintext use.
type VaultConfig struct {
	Secret string `json:"secret"`
}

// DispatchConfig controls the dispatch loop.
//
// Defaults (when fields are omitted/zero):
//   - poll_interval: "15s"
//   - refresh_interval: "1m"
//   - workers: 4
//   - batch_limit: 50
//   - action_timeout: "2m"
//   - lease_ttl: "5m"
//   - max_retries: 3
//   - retry_base: "30s"
//   - retry_max_delay: "10m"
//   - unknown_max_retries: 1
type DispatchConfig struct {
	Enabled bool `json:"enabled"`

	PollInterval    string `json:"poll_interval,omitempty"`
	RefreshInterval string `json:"refresh_interval,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	BatchLimit      int    `json:"batch_limit,omitempty"`

	ActionTimeout string `json:"action_timeout,omitempty"`
	LeaseTTL      string `json:"lease_ttl,omitempty"`

	MaxRetries    int    `json:"max_retries,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	// UnknownMaxRetries bounds retries for failures the provider error
	// mapping does not cover.
	UnknownMaxRetries int `json:"unknown_max_retries,omitempty"`
}

type ExecutorConfig struct {
	SettleWait     string `json:"settle_wait,omitempty"`
	ScrollWait     string `json:"scroll_wait,omitempty"`
	LocateAttempts int    `json:"locate_attempts,omitempty"`
	// EvidenceDir is where audit screenshots land. Empty disables
	// evidence capture.
	EvidenceDir string `json:"evidence_dir,omitempty"`
	// LocatorURL points at the template-matching service. Empty falls
	// back to fixed per-control coordinates.
	LocatorURL string `json:"locator_url,omitempty"`
}

// AlertConfig controls operator notifications via Telegram.
type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// AnalyticsConfig controls outcome event recording. If the whole
// section is omitted the recorder defaults to enabled.
type AnalyticsConfig struct {
	Enabled bool `json:"enabled"`
	Buffer  int  `json:"buffer,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (pprof, /healthz,
// /statusz). A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
