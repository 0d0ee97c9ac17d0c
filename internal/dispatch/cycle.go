package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"snspilot/internal/eventbus"
	"snspilot/internal/executor"
	"snspilot/internal/status"
	"snspilot/internal/storage"
	logx "snspilot/pkg/logx"
)

type cycleOutcome int

const (
	outSkipped cycleOutcome = iota
	outPublished
	outRetried
	outFailed
	outDeferred
)

// runCycle executes one poll: reclaim expired leases, pull due actions,
// fan them out over the worker pool.
func (s *Service) runCycle(ctx context.Context, cfg Config) CycleStats {
	st := CycleStats{Started: time.Now()}
	now := st.Started

	if n, err := s.stor.ReclaimExpiredLeases(ctx, now); err != nil {
		s.log.Error("lease reclaim failed", logx.Err(err))
	} else {
		st.Reclaimed = n
		if n > 0 {
			s.log.Warn("reclaimed orphaned actions", logx.Int("count", n))
		}
	}

	due, err := s.stor.DueActions(ctx, now, cfg.BatchLimit)
	if err != nil {
		s.log.Error("due query failed", logx.Err(err))
		st.Duration = time.Since(st.Started)
		return st
	}
	st.Due = len(due)
	if len(due) == 0 {
		st.Duration = time.Since(st.Started)
		return st
	}

	workers := cfg.Workers
	if workers > len(due) {
		workers = len(due)
	}

	var (
		wg  sync.WaitGroup
		cmu sync.Mutex
		ch  = make(chan storage.ScheduledAction)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for a := range ch {
				out := s.dispatchOne(ctx, cfg, a)
				cmu.Lock()
				switch out {
				case outPublished:
					st.Published++
					st.Leased++
				case outRetried:
					st.Retried++
					st.Leased++
				case outFailed:
					st.Failed++
					st.Leased++
				case outDeferred:
					st.Deferred++
					st.Leased++
				case outSkipped:
					st.Skipped++
				}
				cmu.Unlock()
			}
		}()
	}

feed:
	for _, a := range due {
		select {
		case <-ctx.Done():
			break feed
		case ch <- a:
		}
	}
	close(ch)
	wg.Wait()

	st.Duration = time.Since(st.Started)
	return st
}

// dispatchOne drives a single due action through the full contract:
// eligibility, action lease, device lease, credential resolution,
// execution, outcome persistence.
func (s *Service) dispatchOne(ctx context.Context, cfg Config, a storage.ScheduledAction) cycleOutcome {
	log := s.log.With(
		logx.String("action", a.ID),
		logx.String("account", a.AccountID),
		logx.String("kind", string(a.Kind)))

	// The due query should only hand back dispatchable rows; an illegal
	// edge here means the query and the state machine disagree.
	if _, err := status.Transition(a.Status, status.Executing); err != nil {
		s.reportInvariant(a, err)
		return outSkipped
	}

	account, err := s.stor.GetAccount(ctx, a.AccountID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// Unexecutable forever; fail it under a lease so the row can't
		// be picked up again.
		return s.failUnleased(ctx, a, "account not found: "+a.AccountID, log)
	case err != nil:
		log.Error("account lookup failed", logx.Err(err))
		return outSkipped
	}

	if a.Status == status.PendingReview {
		agent, err := s.stor.GetAgent(ctx, account.AgentID)
		if err != nil || !agent.SkipReview {
			// Stays pending until a reviewer approves it.
			return outSkipped
		}
	}

	now := time.Now()
	got, err := s.stor.AcquireActionLease(ctx, a.ID, a.Status, s.instanceID, now, cfg.LeaseTTL)
	if err != nil {
		log.Error("action lease failed", logx.Err(err))
		return outSkipped
	}
	if !got {
		// Another instance won the row.
		return outSkipped
	}

	deviceID, ok, err := s.pool.Lease(ctx, account, s.instanceID)
	if err != nil || !ok {
		if err != nil {
			log.Error("device lease failed", logx.Err(err))
		}
		// Capacity backpressure: park the action back at scheduled with
		// its original time and retry budget untouched. Next cycle
		// re-attempts at full priority.
		s.finish(ctx, a, storage.ActionFinish{
			ID:          a.ID,
			Owner:       s.instanceID,
			To:          status.Scheduled,
			RetryCount:  a.RetryCount,
			ScheduledAt: a.ScheduledAt,
			ErrorClass:  a.LastErrorClass,
			ErrorMsg:    a.LastError,
			AttemptAt:   a.LastAttemptAt,
		}, log)
		s.publishAction(EventDeferred, a, "", "no device available", 0)
		log.Debug("no device available, action deferred")
		return outDeferred
	}
	defer s.pool.Release(ctx, deviceID, s.instanceID)

	creds, err := s.vlt.Resolve(account)
	if err != nil {
		// Corrupt or plaintext credentials. Not retryable; alert loudly.
		attemptAt := time.Now()
		s.finish(ctx, a, storage.ActionFinish{
			ID:         a.ID,
			Owner:      s.instanceID,
			To:         status.Failed,
			RetryCount: a.RetryCount,
			ErrorClass: storage.ErrClassVault,
			ErrorMsg:   err.Error(),
			AttemptAt:  attemptAt,
		}, log)
		s.bus.Publish(eventbus.Event{Type: EventVault, Data: ActionEvent{
			ID:        a.ID,
			AccountID: a.AccountID,
			Kind:      a.Kind,
			Outcome:   "failed",
			Message:   err.Error(),
		}})
		s.publishAction(EventFailed, a, "", err.Error(), 0)
		log.Error("credential resolution failed", logx.Err(err))
		return outFailed
	}

	start := time.Now()
	execCtx, cancel := context.WithTimeout(ctx, cfg.ActionTimeout)
	res := s.exec.Execute(execCtx, executor.Request{
		Action:   a,
		Account:  account,
		DeviceID: deviceID,
		Creds:    creds,
	})
	cancel()
	took := time.Since(start)

	return s.settle(ctx, cfg, a, res, took, log)
}

// settle maps the classified execution result onto the persisted outcome.
func (s *Service) settle(ctx context.Context, cfg Config, a storage.ScheduledAction, res executor.Result, took time.Duration, log logx.Logger) cycleOutcome {
	attemptAt := time.Now()

	switch res.Outcome {
	case executor.OutcomeSuccess:
		s.finish(ctx, a, storage.ActionFinish{
			ID:         a.ID,
			Owner:      s.instanceID,
			To:         status.Published,
			RetryCount: a.RetryCount,
			ErrorClass: storage.ErrClassNone,
			AttemptAt:  attemptAt,
		}, log)
		s.publishAction(EventPublished, a, res.Evidence, "", took)
		log.Info("action published",
			logx.Int("retries", a.RetryCount),
			logx.Duration("took", took))
		return outPublished

	case executor.OutcomePermanent:
		s.finish(ctx, a, storage.ActionFinish{
			ID:         a.ID,
			Owner:      s.instanceID,
			To:         status.Failed,
			RetryCount: a.RetryCount,
			ErrorClass: storage.ErrClassPermanent,
			ErrorMsg:   res.Message,
			AttemptAt:  attemptAt,
		}, log)
		s.publishAction(EventFailed, a, res.Evidence, res.Message, took)
		log.Warn("action rejected permanently", logx.String("error", res.Message))
		return outFailed

	default: // recoverable
		class := storage.ErrClassTransient
		maxRetries := cfg.MaxRetries
		if res.Unknown {
			class = storage.ErrClassUnknown
			if cfg.UnknownMaxRetries < maxRetries {
				maxRetries = cfg.UnknownMaxRetries
			}
		}

		if a.RetryCount >= maxRetries {
			// Budget spent; the count stays where it stopped.
			s.finish(ctx, a, storage.ActionFinish{
				ID:         a.ID,
				Owner:      s.instanceID,
				To:         status.Failed,
				RetryCount: a.RetryCount,
				ErrorClass: class,
				ErrorMsg:   res.Message,
				AttemptAt:  attemptAt,
			}, log)
			s.publishAction(EventFailed, a, res.Evidence, res.Message, took)
			log.Warn("retry budget exhausted",
				logx.Int("retries", a.RetryCount),
				logx.String("error", res.Message))
			return outFailed
		}

		retries := a.RetryCount + 1
		delay := nextDelay(cfg, retries, res.RetryAfter)
		s.finish(ctx, a, storage.ActionFinish{
			ID:          a.ID,
			Owner:       s.instanceID,
			To:          status.Scheduled,
			RetryCount:  retries,
			ScheduledAt: attemptAt.Add(delay),
			ErrorClass:  class,
			ErrorMsg:    res.Message,
			AttemptAt:   attemptAt,
		}, log)
		s.publishAction(EventRetried, a, res.Evidence, res.Message, took)
		log.Warn("action will retry",
			logx.Int("retries", retries),
			logx.Duration("delay", delay),
			logx.String("error", res.Message))
		return outRetried
	}
}

// failUnleased marks a due action failed for a precondition that makes it
// permanently unexecutable. It still goes through the lease so concurrent
// instances can't double-write.
func (s *Service) failUnleased(ctx context.Context, a storage.ScheduledAction, msg string, log logx.Logger) cycleOutcome {
	now := time.Now()
	got, err := s.stor.AcquireActionLease(ctx, a.ID, a.Status, s.instanceID, now, time.Minute)
	if err != nil || !got {
		return outSkipped
	}
	s.finish(ctx, a, storage.ActionFinish{
		ID:         a.ID,
		Owner:      s.instanceID,
		To:         status.Failed,
		RetryCount: a.RetryCount,
		ErrorClass: storage.ErrClassPermanent,
		ErrorMsg:   msg,
		AttemptAt:  now,
	}, log)
	s.publishAction(EventFailed, a, "", msg, 0)
	log.Warn("action unexecutable", logx.String("error", msg))
	return outFailed
}

// finish persists the attempt outcome. The target edge is validated
// against the state machine first; an illegal edge is an alarm, never a
// write.
func (s *Service) finish(ctx context.Context, a storage.ScheduledAction, upd storage.ActionFinish, log logx.Logger) {
	if _, err := status.Transition(status.Executing, upd.To); err != nil {
		s.reportInvariant(a, err)
		return
	}
	ok, err := s.stor.FinishAction(ctx, upd)
	if err != nil {
		log.Error("outcome write failed", logx.Err(err))
		return
	}
	if !ok {
		// The lease expired mid-run and another instance reclaimed the
		// row. Our result is discarded; the reclaimer re-executes.
		log.Warn("lease lost before outcome write", logx.String("to", string(upd.To)))
	}
}

func (s *Service) reportInvariant(a storage.ScheduledAction, err error) {
	s.smu.Lock()
	s.totals.invariants++
	s.smu.Unlock()

	s.log.Error("status invariant violated",
		logx.String("action", a.ID),
		logx.String("status", string(a.Status)),
		logx.Err(err))
	s.bus.Publish(eventbus.Event{Type: EventInvariant, Data: ActionEvent{
		ID:        a.ID,
		AccountID: a.AccountID,
		Kind:      a.Kind,
		Outcome:   "invariant",
		Message:   err.Error(),
	}})
}

func (s *Service) publishAction(typ string, a storage.ScheduledAction, evidence, msg string, took time.Duration) {
	outcome := "deferred"
	switch typ {
	case EventPublished:
		outcome = "published"
	case EventRetried:
		outcome = "retried"
	case EventFailed:
		outcome = "failed"
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ActionEvent{
		ID:        a.ID,
		AccountID: a.AccountID,
		Kind:      a.Kind,
		Outcome:   outcome,
		Evidence:  evidence,
		Message:   msg,
		Retries:   a.RetryCount,
		Took:      took,
	}})
}
