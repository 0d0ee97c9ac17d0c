// Package devicepool tracks rented cloud phones and their lease state.
//
// Lease state lives in the shared store so multiple engine instances share
// one pool; the in-memory cache only backs the degraded mode used when the
// provider listing is down.
package devicepool

import (
	"context"
	"sync"
	"time"

	"snspilot/internal/provider/duoplus"
	"snspilot/internal/storage"
	logx "snspilot/pkg/logx"
)

// Lister is the slice of the provider client the pool needs.
type Lister interface {
	ListDevices(ctx context.Context) ([]duoplus.DeviceInfo, error)
}

type Config struct {
	// LeaseTTL bounds a device lease; expired leases are reclaimable
	// (crash recovery).
	LeaseTTL time.Duration
}

type Pool struct {
	store  storage.Store
	lister Lister
	log    logx.Logger
	ttl    time.Duration

	mu          sync.Mutex
	cache       []storage.Device
	degraded    bool
	lastRefresh time.Time
}

func New(cfg Config, store storage.Store, lister Lister, log logx.Logger) *Pool {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{store: store, lister: lister, log: log, ttl: ttl}
}

// Refresh re-syncs the registry from the provider listing. Devices absent
// from the listing go offline; newly seen devices start free.
//
// A provider failure switches the pool to degraded mode: leasing keeps
// working off the store's last-known rows rather than failing all dispatch.
func (p *Pool) Refresh(ctx context.Context) error {
	infos, err := p.lister.ListDevices(ctx)
	if err != nil {
		p.mu.Lock()
		p.degraded = true
		p.mu.Unlock()
		p.log.Warn("device refresh failed; serving last-known pool", logx.Err(err))
		return err
	}

	now := time.Now()
	seen := make([]storage.Device, 0, len(infos))
	for _, in := range infos {
		if in.Status == "offline" {
			continue
		}
		seen = append(seen, storage.Device{ID: in.ID, Model: in.Model})
	}
	if err := p.store.SyncDevices(ctx, seen, now); err != nil {
		return err
	}

	// Reclaim leases whose holder crashed before releasing.
	if n, err := p.store.ReclaimExpiredDeviceLeases(ctx, now); err == nil && n > 0 {
		p.log.Warn("reclaimed expired device leases", logx.Int("count", n))
	}

	devices, err := p.store.ListDevices(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.cache = devices
	p.degraded = false
	p.lastRefresh = now
	p.mu.Unlock()

	p.log.Debug("device pool refreshed",
		logx.Int("listed", len(seen)),
		logx.Int("known", len(devices)))
	return nil
}

// Lease claims a free device for the account.
//
// The account's sticky device is tried first to keep its login session
// warm; otherwise any free device is claimed and becomes the new sticky
// binding. ok=false with a nil error means no device is free; that is the
// dispatcher's backpressure signal, not a failure.
func (p *Pool) Lease(ctx context.Context, account storage.Account, owner string) (string, bool, error) {
	now := time.Now()

	if account.DeviceID != "" {
		got, err := p.store.LeaseDevice(ctx, account.DeviceID, owner, now, p.ttl)
		if err != nil {
			return "", false, err
		}
		if got {
			return account.DeviceID, true, nil
		}
		// Sticky device busy or offline; fall through to any free device.
	}

	devices, err := p.store.ListDevices(ctx)
	if err != nil {
		return "", false, err
	}
	for _, d := range devices {
		if d.State != storage.DeviceFree {
			continue
		}
		got, err := p.store.LeaseDevice(ctx, d.ID, owner, now, p.ttl)
		if err != nil {
			return "", false, err
		}
		if !got {
			// Raced another instance; try the next one.
			continue
		}
		if d.ID != account.DeviceID {
			if err := p.store.BindAccountDevice(ctx, account.ID, d.ID); err != nil {
				p.log.Warn("sticky binding update failed",
					logx.String("account", account.ID),
					logx.String("device", d.ID),
					logx.Err(err))
			}
		}
		return d.ID, true, nil
	}
	return "", false, nil
}

// Release frees a leased device. The sticky binding on the account is kept
// so the next run reuses the same phone.
func (p *Pool) Release(ctx context.Context, deviceID, owner string) {
	if err := p.store.ReleaseDevice(ctx, deviceID, owner); err != nil {
		p.log.Warn("device release failed", logx.String("device", deviceID), logx.Err(err))
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Total       int       `json:"total"`
	Free        int       `json:"free"`
	Leased      int       `json:"leased"`
	Offline     int       `json:"offline"`
	Degraded    bool      `json:"degraded"`
	LastRefresh time.Time `json:"last_refresh"`
}

func (p *Pool) Snapshot(ctx context.Context) Snapshot {
	devices, err := p.store.ListDevices(ctx)

	p.mu.Lock()
	snap := Snapshot{Degraded: p.degraded, LastRefresh: p.lastRefresh}
	if err != nil {
		devices = p.cache
	}
	p.mu.Unlock()

	for _, d := range devices {
		snap.Total++
		switch d.State {
		case storage.DeviceFree:
			snap.Free++
		case storage.DeviceLeased:
			snap.Leased++
		case storage.DeviceOffline:
			snap.Offline++
		}
	}
	return snap
}
