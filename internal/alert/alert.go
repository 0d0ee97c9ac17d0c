// Package alert pushes operator notifications for alarm conditions:
// status invariant violations and credential vault errors.
//
// Delivery goes through a Telegram bot in send-only mode. Alerts are
// best-effort and rate limited; the dispatch path never waits on them.
package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"snspilot/internal/dispatch"
	"snspilot/internal/eventbus"
	logx "snspilot/pkg/logx"
)

type Config struct {
	Enabled bool
	Token   string
	ChatID  int64

	// RatePerSec caps outgoing sends (Telegram throttles around 30/s
	// globally; alerts need far less).
	RatePerSec int
	Buffer     int
}

// Sender is the outbound slice of the Telegram client, split out so
// tests can fake delivery.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	bus     eventbus.Bus
	sender  Sender
	limiter *rate.Limiter

	unsub    func()
	stopDone chan struct{}
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}

	s := &Service{
		log:     log,
		cfg:     cfg,
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}

	// Send-only: no poller, no handler registration.
	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: false})
	if err != nil {
		return nil, fmt.Errorf("alert: telegram init: %w", err)
	}
	s.sender = bot
	return s, nil
}

// NewWithSender wires a custom delivery backend (tests).
func NewWithSender(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	s, _ := New(Config{
		Enabled:    false,
		ChatID:     cfg.ChatID,
		RatePerSec: cfg.RatePerSec,
		Buffer:     cfg.Buffer,
	}, bus, log)
	s.cfg.Enabled = cfg.Enabled
	s.sender = sender
	return s
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}

	ch, unsub := s.bus.Subscribe(s.cfg.Buffer)
	s.unsub = unsub
	s.stopDone = make(chan struct{})
	go s.loop(ctx, ch, s.stopDone)

	s.log.Info("alerting started", logx.Int64("chat", s.cfg.ChatID))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	unsub := s.unsub
	done := s.stopDone
	s.unsub = nil
	s.stopDone = nil
	s.mu.Unlock()

	if unsub == nil {
		return
	}
	unsub()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) loop(ctx context.Context, ch <-chan eventbus.Event, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			text := s.render(ev)
			if text == "" {
				continue
			}
			s.deliver(ctx, text)
		}
	}
}

func (s *Service) render(ev eventbus.Event) string {
	ae, ok := ev.Data.(dispatch.ActionEvent)
	if !ok {
		return ""
	}
	switch ev.Type {
	case dispatch.EventInvariant:
		return fmt.Sprintf("🚨 invariant violation\naction %s (account %s)\n%s", ae.ID, ae.AccountID, ae.Message)
	case dispatch.EventVault:
		return fmt.Sprintf("🚨 credential vault error\naccount %s, action %s\n%s", ae.AccountID, ae.ID, ae.Message)
	default:
		return ""
	}
}

func (s *Service) deliver(ctx context.Context, text string) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := s.sender.Send(tele.ChatID(s.cfg.ChatID), text)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			s.log.Warn("alert delivery failed", logx.Err(err))
		}
	case <-sendCtx.Done():
		s.log.Warn("alert delivery timed out")
	}
}
