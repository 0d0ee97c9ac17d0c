// Package dispatch runs the engine's core loop: pick up due actions,
// lease them, lease a device, execute and persist the classified outcome.
//
// Correctness rests on the store's compare-and-swap primitives, not on
// process-local locks, so any number of engine instances can share one
// database. Everything an instance holds is bounded by a lease TTL.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"snspilot/internal/devicepool"
	"snspilot/internal/eventbus"
	"snspilot/internal/executor"
	"snspilot/internal/storage"
	"snspilot/internal/vault"
	logx "snspilot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log  logx.Logger
	cfg  Config
	bus  eventbus.Bus
	stor storage.Store
	pool *devicepool.Pool
	vlt  *vault.Vault
	exec executor.Executor

	// instanceID is the lease owner token for this process. Fresh per
	// start, so a restarted instance never resumes a stale lease.
	instanceID string

	c       *cron.Cron
	stopCh  chan struct{}
	runCtx  context.Context
	cancel  context.CancelFunc
	ticking sync.Mutex // skips a poll tick while the previous cycle runs

	smu    sync.Mutex
	cycles uint64
	last   CycleStats
	totals struct {
		published, retried, failed, deferred, invariants uint64
	}
}

func New(cfg Config, stor storage.Store, pool *devicepool.Pool, vlt *vault.Vault, exec executor.Executor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:  log,
		cfg:  cfg.withDefaults(),
		bus:  bus,
		stor: stor,
		pool: pool,
		vlt:  vlt,
		exec: exec,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps in a new config. Retry policy and batch knobs take effect
// on the next cycle; a cadence change swaps in a fresh cron schedule.
//
// The old cron is stopped only after s.mu is released: a fired job may
// be waiting on s.mu, and Stop's done channel waits for running jobs.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg.withDefaults()

	if s.stopCh == nil ||
		(old.PollInterval == s.cfg.PollInterval && old.RefreshInterval == s.cfg.RefreshInterval) {
		s.mu.Unlock()
		return
	}

	stale := s.c
	s.c = cron.New()
	if err := s.addEntriesLocked(); err != nil {
		s.log.Error("cron restart failed", logx.Err(err))
		s.c = stale
		s.mu.Unlock()
		return
	}
	s.c.Start()
	poll, refresh := s.cfg.PollInterval, s.cfg.RefreshInterval
	s.mu.Unlock()

	if stale != nil {
		<-stale.Stop().Done()
	}
	s.log.Info("dispatch cadence updated",
		logx.Duration("poll", poll),
		logx.Duration("refresh", refresh))
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	if !s.cfg.Enabled {
		s.log.Info("dispatch disabled")
		return nil
	}

	s.instanceID = uuid.NewString()
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(context.Background())

	s.c = cron.New()
	if err := s.addEntriesLocked(); err != nil {
		s.cancel()
		s.stopCh = nil
		return err
	}
	s.c.Start()

	// Prime the pool and run the first cycle immediately rather than
	// waiting out a full interval after boot.
	go func() {
		_ = s.pool.Refresh(s.runCtx)
		s.tick()
	}()

	s.log.Info("dispatch started",
		logx.String("instance", s.instanceID),
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Int("workers", s.cfg.Workers))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	cancel := s.cancel
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	// Wait for the in-flight cycle, then cut any stragglers. Unfinished
	// work stays leased and is reclaimed after the TTL.
	done := make(chan struct{})
	go func() {
		s.ticking.Lock()
		s.ticking.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	cancel()

	s.log.Info("dispatch stopped", logx.String("instance", s.instanceID))
}

func (s *Service) addEntriesLocked() error {
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.PollInterval), s.tick); err != nil {
		return fmt.Errorf("register poll tick: %w", err)
	}
	if _, err := s.c.AddFunc(fmt.Sprintf("@every %s", s.cfg.RefreshInterval), s.refreshDevices); err != nil {
		return fmt.Errorf("register device refresh: %w", err)
	}
	return nil
}

// tick runs one dispatch cycle. If the previous cycle is still running
// the tick is skipped; overlapping cycles would only fight over the same
// leases.
func (s *Service) tick() {
	if !s.ticking.TryLock() {
		s.log.Debug("dispatch cycle still running, tick skipped")
		return
	}
	defer s.ticking.Unlock()

	s.mu.Lock()
	ctx := s.runCtx
	cfg := s.cfg
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	st := s.runCycle(ctx, cfg)

	s.smu.Lock()
	s.cycles++
	s.last = st
	s.totals.published += uint64(st.Published)
	s.totals.retried += uint64(st.Retried)
	s.totals.failed += uint64(st.Failed)
	s.totals.deferred += uint64(st.Deferred)
	s.smu.Unlock()

	if st.Due > 0 {
		s.log.Info("dispatch cycle",
			logx.Int("due", st.Due),
			logx.Int("published", st.Published),
			logx.Int("retried", st.Retried),
			logx.Int("failed", st.Failed),
			logx.Int("deferred", st.Deferred),
			logx.Int("skipped", st.Skipped),
			logx.Duration("took", st.Duration))
	}
}

func (s *Service) refreshDevices() {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = s.pool.Refresh(ctx)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	id := s.instanceID
	s.mu.Unlock()

	s.smu.Lock()
	defer s.smu.Unlock()
	return Snapshot{
		Enabled:        enabled,
		InstanceID:     id,
		Cycles:         s.cycles,
		LastCycle:      s.last,
		TotalPublished: s.totals.published,
		TotalRetried:   s.totals.retried,
		TotalFailed:    s.totals.failed,
		TotalDeferred:  s.totals.deferred,
		Invariants:     s.totals.invariants,
	}
}
