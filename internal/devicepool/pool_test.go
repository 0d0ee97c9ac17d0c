package devicepool

import (
	"context"
	"errors"
	"testing"
	"time"

	"snspilot/internal/provider/duoplus"
	"snspilot/internal/storage"
	logx "snspilot/pkg/logx"
)

type fakeLister struct {
	infos []duoplus.DeviceInfo
	err   error
}

func (f *fakeLister) ListDevices(context.Context) ([]duoplus.DeviceInfo, error) {
	return f.infos, f.err
}

func newPool(t *testing.T, lister *fakeLister) (*Pool, *storage.Memory) {
	t.Helper()
	m := storage.NewMemory()
	p := New(Config{LeaseTTL: time.Minute}, m, lister, logx.Nop())
	if lister.err == nil {
		if err := p.Refresh(context.Background()); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	return p, m
}

func TestLeasePrefersStickyDevice(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}, {ID: "dev-2"}}}
	p, _ := newPool(t, lister)

	acct := storage.Account{ID: "acct-1", DeviceID: "dev-2"}
	id, ok, err := p.Lease(context.Background(), acct, "inst-1")
	if err != nil || !ok {
		t.Fatalf("Lease: ok=%v err=%v", ok, err)
	}
	if id != "dev-2" {
		t.Fatalf("leased %q, want sticky dev-2", id)
	}
}

func TestLeaseFallsBackAndRebinds(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}, {ID: "dev-2"}}}
	p, m := newPool(t, lister)
	ctx := context.Background()

	// Sticky device is taken by another instance.
	if got, _ := m.LeaseDevice(ctx, "dev-2", "other", time.Now(), time.Minute); !got {
		t.Fatalf("setup lease failed")
	}
	m.PutAccount(storage.Account{ID: "acct-1", DeviceID: "dev-2"})

	id, ok, err := p.Lease(ctx, storage.Account{ID: "acct-1", DeviceID: "dev-2"}, "inst-1")
	if err != nil || !ok {
		t.Fatalf("Lease: ok=%v err=%v", ok, err)
	}
	if id != "dev-1" {
		t.Fatalf("leased %q, want fallback dev-1", id)
	}

	a, err := m.GetAccount(ctx, "acct-1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.DeviceID != "dev-1" {
		t.Fatalf("sticky binding not moved, still %q", a.DeviceID)
	}
}

func TestLeaseExhaustedIsBackpressure(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}}}
	p, _ := newPool(t, lister)
	ctx := context.Background()

	if _, ok, _ := p.Lease(ctx, storage.Account{ID: "a1"}, "inst-1"); !ok {
		t.Fatalf("first lease should succeed")
	}
	id, ok, err := p.Lease(ctx, storage.Account{ID: "a2"}, "inst-1")
	if err != nil {
		t.Fatalf("exhausted pool must not error: %v", err)
	}
	if ok || id != "" {
		t.Fatalf("exhausted pool leased %q", id)
	}
}

func TestReleaseKeepsStickyBinding(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}}}
	p, m := newPool(t, lister)
	ctx := context.Background()

	m.PutAccount(storage.Account{ID: "acct-1"})
	id, ok, _ := p.Lease(ctx, storage.Account{ID: "acct-1"}, "inst-1")
	if !ok {
		t.Fatalf("lease failed")
	}
	p.Release(ctx, id, "inst-1")

	devs, _ := m.ListDevices(ctx)
	if devs[0].State != storage.DeviceFree {
		t.Fatalf("device not freed: %s", devs[0].State)
	}
	a, _ := m.GetAccount(ctx, "acct-1")
	if a.DeviceID != "dev-1" {
		t.Fatalf("sticky binding lost on release: %q", a.DeviceID)
	}
}

func TestRefreshMarksAbsentOffline(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}, {ID: "dev-2"}}}
	p, m := newPool(t, lister)
	ctx := context.Background()

	lister.infos = []duoplus.DeviceInfo{{ID: "dev-1"}}
	if err := p.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	devs, _ := m.ListDevices(ctx)
	states := map[string]storage.DeviceState{}
	for _, d := range devs {
		states[d.ID] = d.State
	}
	if states["dev-2"] != storage.DeviceOffline {
		t.Fatalf("absent device state = %s, want offline", states["dev-2"])
	}

	// Offline devices are never leased.
	id, ok, _ := p.Lease(ctx, storage.Account{ID: "a1", DeviceID: "dev-2"}, "inst-1")
	if !ok || id != "dev-1" {
		t.Fatalf("lease chose %q ok=%v, want dev-1", id, ok)
	}
}

func TestRefreshSkipsProviderOfflineDevices(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{
		{ID: "dev-1", Status: "online"},
		{ID: "dev-2", Status: "offline"},
	}}
	p, _ := newPool(t, lister)

	snap := p.Snapshot(context.Background())
	if snap.Total != 1 || snap.Free != 1 {
		t.Fatalf("snapshot = %+v, want single free device", snap)
	}
}

func TestRefreshFailureEntersDegradedMode(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}}}
	p, _ := newPool(t, lister)
	ctx := context.Background()

	lister.err = errors.New("listing down")
	if err := p.Refresh(ctx); err == nil {
		t.Fatalf("Refresh should surface the provider error")
	}
	if snap := p.Snapshot(ctx); !snap.Degraded {
		t.Fatalf("pool not degraded after refresh failure")
	}

	// Leasing keeps working off last-known rows.
	id, ok, err := p.Lease(ctx, storage.Account{ID: "a1"}, "inst-1")
	if err != nil || !ok || id != "dev-1" {
		t.Fatalf("degraded lease: id=%q ok=%v err=%v", id, ok, err)
	}

	// Recovery clears the flag.
	lister.err = nil
	if err := p.Refresh(ctx); err != nil {
		t.Fatalf("Refresh after recovery: %v", err)
	}
	if snap := p.Snapshot(ctx); snap.Degraded {
		t.Fatalf("pool still degraded after successful refresh")
	}
}

func TestRefreshReclaimsExpiredDeviceLeases(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}}}
	p, m := newPool(t, lister)
	ctx := context.Background()

	// Lease held by a crashed instance, long past its TTL.
	if got, _ := m.LeaseDevice(ctx, "dev-1", "dead", time.Now().Add(-time.Hour), time.Minute); !got {
		t.Fatalf("setup lease failed")
	}
	if err := p.Refresh(ctx); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	devs, _ := m.ListDevices(ctx)
	if devs[0].State != storage.DeviceFree || devs[0].LeasedBy != "" {
		t.Fatalf("expired lease not reclaimed: %+v", devs[0])
	}
}

func TestSnapshotCounts(t *testing.T) {
	lister := &fakeLister{infos: []duoplus.DeviceInfo{{ID: "dev-1"}, {ID: "dev-2"}, {ID: "dev-3"}}}
	p, m := newPool(t, lister)
	ctx := context.Background()

	_, _ = m.LeaseDevice(ctx, "dev-1", "inst-1", time.Now(), time.Minute)
	lister.infos = []duoplus.DeviceInfo{{ID: "dev-1"}, {ID: "dev-2"}}
	_ = p.Refresh(ctx)

	snap := p.Snapshot(ctx)
	if snap.Total != 3 || snap.Leased != 1 || snap.Free != 1 || snap.Offline != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}
