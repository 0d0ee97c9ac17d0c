package dispatch

import (
	"time"

	"snspilot/internal/storage"
)

// Config controls the dispatch loop.
//
// The engine tolerates multiple concurrent instances sharing one store;
// every knob here is per-instance.
type Config struct {
	Enabled bool

	// PollInterval is the dispatch cadence.
	PollInterval time.Duration

	// RefreshInterval is the device pool re-sync cadence.
	RefreshInterval time.Duration

	// Workers bounds per-cycle fan-out. Actions on different devices are
	// independent; the device lease serializes the rest.
	Workers int

	// BatchLimit caps how many due actions one cycle picks up.
	BatchLimit int

	// ActionTimeout is the independent deadline for one execution path;
	// a hung provider call must not stall the cycle.
	ActionTimeout time.Duration

	// LeaseTTL bounds action and device leases. An instance that dies
	// mid-execution leaves work reclaimable after one TTL.
	LeaseTTL time.Duration

	// Retry policy: exponential backoff RetryBase * 2^retryCount, capped
	// at RetryMaxDelay, at most MaxRetries retries.
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// UnknownMaxRetries is the reduced ceiling for failures the provider
	// mapping doesn't cover, so unmapped cases can't loop forever.
	UnknownMaxRetries int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchLimit <= 0 {
		c.BatchLimit = 50
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 2 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	if c.UnknownMaxRetries <= 0 {
		c.UnknownMaxRetries = 1
	}
	return c
}

// CycleStats counts what one dispatch cycle did.
type CycleStats struct {
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Reclaimed int           `json:"reclaimed"`
	Due       int           `json:"due"`
	Leased    int           `json:"leased"`
	Published int           `json:"published"`
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Deferred  int           `json:"deferred"`
	Skipped   int           `json:"skipped"`
}

// Snapshot is the status feed consumed by the observability layer.
type Snapshot struct {
	Enabled    bool       `json:"enabled"`
	InstanceID string     `json:"instance_id"`
	Cycles     uint64     `json:"cycles"`
	LastCycle  CycleStats `json:"last_cycle"`

	TotalPublished uint64 `json:"total_published"`
	TotalRetried   uint64 `json:"total_retried"`
	TotalFailed    uint64 `json:"total_failed"`
	TotalDeferred  uint64 `json:"total_deferred"`
	Invariants     uint64 `json:"invariant_violations"`
}

// ActionEvent is published on the bus for every action outcome.
type ActionEvent struct {
	ID        string             `json:"id"`
	AccountID string             `json:"account_id"`
	Kind      storage.ActionKind `json:"kind"`
	Outcome   string             `json:"outcome"`
	Evidence  string             `json:"evidence,omitempty"`
	Message   string             `json:"message,omitempty"`
	Retries   int                `json:"retries"`
	Took      time.Duration      `json:"took"`
}

// Bus event types emitted by the dispatcher.
const (
	EventPublished = "action.published"
	EventRetried   = "action.retried"
	EventFailed    = "action.failed"
	EventDeferred  = "action.deferred"
	EventInvariant = "dispatch.invariant"
	EventVault     = "vault.error"
)
