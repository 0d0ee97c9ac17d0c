package dispatch

import (
	"context"
	"testing"
	"time"
)

func TestApplyCadenceChangeDoesNotBlockOnRunningJobs(t *testing.T) {
	cfg := Config{Enabled: true, PollInterval: time.Hour, RefreshInterval: time.Hour}
	r := newRig(t, cfg, "dev-1")
	s := r.svc

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.mu.Lock()
	oldCron := s.c
	s.mu.Unlock()

	// Hammer the service mutex the way fired cron jobs do while the
	// cadence swap is in flight.
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		for i := 0; i < 100; i++ {
			s.tick()
			s.refreshDevices()
		}
	}()

	next := cfg
	next.PollInterval = 30 * time.Minute
	applied := make(chan struct{})
	go func() {
		s.Apply(next)
		close(applied)
	}()

	select {
	case <-applied:
	case <-time.After(5 * time.Second):
		t.Fatalf("Apply did not return while jobs were contending for the mutex")
	}
	<-jobsDone

	s.mu.Lock()
	swapped := s.c != oldCron
	poll := s.cfg.PollInterval
	s.mu.Unlock()
	if !swapped {
		t.Fatalf("cadence change must install a fresh schedule")
	}
	if poll != 30*time.Minute {
		t.Fatalf("poll interval = %v, want 30m", poll)
	}
}

func TestApplyWithoutCadenceChangeKeepsSchedule(t *testing.T) {
	cfg := Config{Enabled: true, PollInterval: time.Hour, RefreshInterval: time.Hour}
	r := newRig(t, cfg, "dev-1")
	s := r.svc

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	s.mu.Lock()
	oldCron := s.c
	s.mu.Unlock()

	next := cfg
	next.MaxRetries = 7
	s.Apply(next)

	s.mu.Lock()
	same := s.c == oldCron
	retries := s.cfg.MaxRetries
	s.mu.Unlock()
	if !same {
		t.Fatalf("retry knob change must not restart the schedule")
	}
	if retries != 7 {
		t.Fatalf("max retries = %d, want 7", retries)
	}
}

func TestApplyWhileStoppedOnlySwapsConfig(t *testing.T) {
	cfg := Config{Enabled: true, PollInterval: time.Hour, RefreshInterval: time.Hour}
	r := newRig(t, cfg, "dev-1")
	s := r.svc

	next := cfg
	next.PollInterval = time.Minute
	s.Apply(next)

	s.mu.Lock()
	hasCron := s.c != nil
	poll := s.cfg.PollInterval
	s.mu.Unlock()
	if hasCron {
		t.Fatalf("Apply on a stopped service must not start a schedule")
	}
	if poll != time.Minute {
		t.Fatalf("poll interval = %v, want 1m", poll)
	}
}
