package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"snspilot/internal/status"
)

// Memory is a dependency-free in-process backend.
//
// It implements the same compare-and-swap contract as the SQLite store so
// dispatcher tests (including simulated multi-instance races) run against
// the real locking semantics. Not suitable for multi-process deployments.
type Memory struct {
	mu sync.Mutex

	actions  map[string]*ScheduledAction
	accounts map[string]*Account
	agents   map[string]*Agent
	devices  map[string]*Device
	outcomes []OutcomeEvent
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		actions:  map[string]*ScheduledAction{},
		accounts: map[string]*Account{},
		agents:   map[string]*Agent{},
		devices:  map[string]*Device{},
	}
}

func (m *Memory) Close() error { return nil }

// ---- actions ----

func (m *Memory) InsertAction(_ context.Context, a ScheduledAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	cp := a
	m.actions[a.ID] = &cp
	return nil
}

func (m *Memory) GetAction(_ context.Context, id string) (ScheduledAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return ScheduledAction{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) DueActions(_ context.Context, now time.Time, limit int) ([]ScheduledAction, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ScheduledAction
	for _, a := range m.actions {
		switch a.Status {
		case status.Scheduled, status.Approved, status.PendingReview:
		default:
			continue
		}
		if a.ScheduledAt.After(now) {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledAt.Equal(out[j].ScheduledAt) {
			return out[i].ScheduledAt.Before(out[j].ScheduledAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AcquireActionLease(_ context.Context, id string, from status.Status, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return false, nil
	}
	if a.Status != from {
		return false, nil
	}
	if a.LeaseOwner != "" && a.LeaseExpiresAt.After(now) {
		return false, nil
	}
	a.Status = status.Executing
	a.LeaseOwner = owner
	a.LeaseExpiresAt = now.Add(ttl)
	a.LastAttemptAt = now
	a.UpdatedAt = now
	return true, nil
}

func (m *Memory) FinishAction(_ context.Context, upd ActionFinish) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[upd.ID]
	if !ok {
		return false, nil
	}
	if a.Status != status.Executing || a.LeaseOwner != upd.Owner {
		return false, nil
	}
	now := time.Now()
	a.Status = upd.To
	a.RetryCount = upd.RetryCount
	if upd.To == status.Scheduled && !upd.ScheduledAt.IsZero() {
		a.ScheduledAt = upd.ScheduledAt
	}
	a.LastError = upd.ErrorMsg
	a.LastErrorClass = upd.ErrorClass
	a.LastAttemptAt = nonZero(upd.AttemptAt, now)
	a.LeaseOwner = ""
	a.LeaseExpiresAt = time.Time{}
	a.UpdatedAt = now
	return true, nil
}

func (m *Memory) ReclaimExpiredLeases(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a.Status == status.Executing && !a.LeaseExpiresAt.After(now) {
			a.Status = status.Scheduled
			a.LeaseOwner = ""
			a.LeaseExpiresAt = time.Time{}
			a.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// ---- accounts & agents ----

func (m *Memory) PutAccount(a Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.accounts[a.ID] = &cp
}

func (m *Memory) PutAgent(a Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := a
	m.agents[a.ID] = &cp
}

func (m *Memory) GetAccount(_ context.Context, id string) (Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return Account{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return *a, nil
}

func (m *Memory) BindAccountDevice(_ context.Context, accountID, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[accountID]; ok {
		a.DeviceID = deviceID
	}
	return nil
}

// ---- devices ----

func (m *Memory) SyncDevices(_ context.Context, seen []Device, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	seenIDs := map[string]bool{}
	for _, d := range seen {
		seenIDs[d.ID] = true
		cur, ok := m.devices[d.ID]
		if !ok {
			m.devices[d.ID] = &Device{ID: d.ID, State: DeviceFree, LastSeenAt: now, Model: d.Model}
			continue
		}
		cur.LastSeenAt = now
		cur.Model = d.Model
		if cur.State == DeviceOffline {
			cur.State = DeviceFree
		}
	}
	for id, d := range m.devices {
		if !seenIDs[id] {
			d.State = DeviceOffline
			d.LeasedBy = ""
			d.LeaseExpiresAt = time.Time{}
		}
	}
	return nil
}

func (m *Memory) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) LeaseDevice(_ context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return false, nil
	}
	leasable := d.State == DeviceFree ||
		(d.State == DeviceLeased && !d.LeaseExpiresAt.After(now))
	if !leasable {
		return false, nil
	}
	d.State = DeviceLeased
	d.LeasedBy = owner
	d.LeaseExpiresAt = now.Add(ttl)
	return true, nil
}

func (m *Memory) ReleaseDevice(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return nil
	}
	if d.State == DeviceLeased && d.LeasedBy == owner {
		d.State = DeviceFree
		d.LeasedBy = ""
		d.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (m *Memory) ReclaimExpiredDeviceLeases(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, d := range m.devices {
		if d.State == DeviceLeased && !d.LeaseExpiresAt.After(now) {
			d.State = DeviceFree
			d.LeasedBy = ""
			d.LeaseExpiresAt = time.Time{}
			n++
		}
	}
	return n, nil
}

// ---- analytics ----

func (m *Memory) AppendOutcome(_ context.Context, e OutcomeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.outcomes = append(m.outcomes, e)
	return nil
}

// Outcomes returns a copy of recorded outcome events (test helper).
func (m *Memory) Outcomes() []OutcomeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]OutcomeEvent, len(m.outcomes))
	copy(out, m.outcomes)
	return out
}
