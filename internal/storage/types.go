package storage

import (
	"errors"
	"time"

	"snspilot/internal/status"
)

var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default for deployments)
//   - "memory": in-process store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type ActionKind string

const (
	KindPublish ActionKind = "publish"
	KindLike    ActionKind = "like"
)

// ErrorClass is the persisted classification of the last execution failure.
type ErrorClass string

const (
	ErrClassNone      ErrorClass = ""
	ErrClassTransient ErrorClass = "transient"
	ErrClassPermanent ErrorClass = "permanent"
	ErrClassVault     ErrorClass = "vault"
	// ErrClassUnknown marks failures the provider mapping doesn't cover.
	// They are retried like transients but with a reduced ceiling.
	ErrClassUnknown ErrorClass = "unknown"
)

// ScheduledAction is the unit of work the dispatcher drives.
//
// Lease fields: LeaseOwner=="" means unleased; LeaseExpiresAt is only
// meaningful while leased. status=executing implies a live lease unless the
// owner crashed, in which case the expiry makes the row reclaimable.
type ScheduledAction struct {
	ID        string
	AccountID string
	ProjectID string // optional grouping
	Kind      ActionKind
	Payload   string // post text (publish) or target content URL (like)
	Platform  string

	ScheduledAt time.Time
	Status      status.Status

	RetryCount     int
	LastError      string
	LastErrorClass ErrorClass
	LastAttemptAt  time.Time

	LeaseOwner     string
	LeaseExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ActionFinish carries the persisted result of one execution attempt.
// The update only lands if the row is still executing under Owner's lease.
type ActionFinish struct {
	ID    string
	Owner string

	To          status.Status
	RetryCount  int
	ScheduledAt time.Time // next attempt time; only used when To==scheduled
	ErrorClass  ErrorClass
	ErrorMsg    string
	AttemptAt   time.Time
}

// Account is a social-media identity. Read-only to the engine except for
// the sticky device binding.
type Account struct {
	ID       string
	Platform string
	Username string

	// Credentials and Proxy hold the encrypted bundle as written by the
	// CRUD layer. The engine never persists plaintext.
	Credentials string
	Proxy       string

	DeviceID string // sticky binding, "" if none yet
	AgentID  string
}

// Agent is the automation behavior profile bound to an account.
type Agent struct {
	ID         string
	Name       string
	SkipReview bool
}

type DeviceState string

const (
	DeviceFree    DeviceState = "free"
	DeviceLeased  DeviceState = "leased"
	DeviceOffline DeviceState = "offline"
)

// Device is a rented automation endpoint.
type Device struct {
	ID             string
	State          DeviceState
	LeasedBy       string
	LeaseExpiresAt time.Time
	LastSeenAt     time.Time
	Model          string
}

// OutcomeEvent is one post-execution engagement snapshot.
// Keep it compact and schema-stable.
type OutcomeEvent struct {
	At        time.Time
	ActionID  string
	AccountID string
	Kind      ActionKind
	Outcome   string // published | retried | failed | deferred
	Evidence  string
	Message   string
	TookMS    int64
}
