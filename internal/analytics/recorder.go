// Package analytics persists per-action outcome events for downstream
// engagement reporting.
//
// The recorder is a bus subscriber, fully decoupled from the dispatch
// path: a slow or failing analytics write can never stall an execution.
package analytics

import (
	"context"
	"sync"
	"time"

	"snspilot/internal/dispatch"
	"snspilot/internal/eventbus"
	"snspilot/internal/storage"
	logx "snspilot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Buffer sizes the subscription channel; overflow drops events
	// (the action row itself still holds the authoritative outcome).
	Buffer int
}

type Recorder struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	store storage.Store

	unsub    func()
	stopDone chan struct{}
}

func New(cfg Config, store storage.Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Recorder{log: log, cfg: cfg, bus: bus, store: store}
}

func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil || !r.cfg.Enabled {
		return
	}

	ch, unsub := r.bus.Subscribe(r.cfg.Buffer)
	r.unsub = unsub
	r.stopDone = make(chan struct{})
	go r.loop(ctx, ch, r.stopDone)

	r.log.Info("analytics recorder started")
}

func (r *Recorder) Stop(ctx context.Context) {
	r.mu.Lock()
	unsub := r.unsub
	done := r.stopDone
	r.unsub = nil
	r.stopDone = nil
	r.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Recorder) loop(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			r.record(ctx, ev)
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev eventbus.Event) {
	switch ev.Type {
	case dispatch.EventPublished, dispatch.EventRetried, dispatch.EventFailed, dispatch.EventDeferred:
	default:
		return
	}
	ae, ok := ev.Data.(dispatch.ActionEvent)
	if !ok {
		return
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := r.store.AppendOutcome(wctx, storage.OutcomeEvent{
		At:        ev.Time,
		ActionID:  ae.ID,
		AccountID: ae.AccountID,
		Kind:      ae.Kind,
		Outcome:   ae.Outcome,
		Evidence:  ae.Evidence,
		Message:   ae.Message,
		TookMS:    ae.Took.Milliseconds(),
	})
	if err != nil {
		r.log.Warn("outcome append failed",
			logx.String("action", ae.ID),
			logx.Err(err))
	}
}
