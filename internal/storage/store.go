package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"snspilot/internal/status"
	logx "snspilot/pkg/logx"
)

// Store is the persistence API used by the dispatcher and its collaborators.
//
// Acquire/Finish/Lease methods are compare-and-swap: they return false when
// the conditional update matched no row (someone else won, or the row moved
// on). Callers must treat false as "skip", never as an error.
type Store interface {
	// Scheduled actions.
	InsertAction(ctx context.Context, a ScheduledAction) error
	GetAction(ctx context.Context, id string) (ScheduledAction, error)
	DueActions(ctx context.Context, now time.Time, limit int) ([]ScheduledAction, error)

	// AcquireActionLease atomically moves an action from its observed
	// status into executing under owner's lease. The update is conditioned
	// on the row still being in `from` and unleased (or lease-expired).
	AcquireActionLease(ctx context.Context, id string, from status.Status, owner string, now time.Time, ttl time.Duration) (bool, error)

	// FinishAction persists the outcome of one attempt and clears the
	// lease. Conditioned on the row still executing under upd.Owner.
	FinishAction(ctx context.Context, upd ActionFinish) (bool, error)

	// ReclaimExpiredLeases resets executing actions whose lease expired
	// back to scheduled, retry count unchanged. Returns rows reclaimed.
	ReclaimExpiredLeases(ctx context.Context, now time.Time) (int, error)

	// Accounts and agents (read-only apart from the sticky binding).
	GetAccount(ctx context.Context, id string) (Account, error)
	GetAgent(ctx context.Context, id string) (Agent, error)
	BindAccountDevice(ctx context.Context, accountID, deviceID string) error

	// Devices.
	SyncDevices(ctx context.Context, seen []Device, now time.Time) error
	ListDevices(ctx context.Context) ([]Device, error)
	LeaseDevice(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseDevice(ctx context.Context, id, owner string) error
	ReclaimExpiredDeviceLeases(ctx context.Context, now time.Time) (int, error)

	// Analytics.
	AppendOutcome(ctx context.Context, e OutcomeEvent) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
