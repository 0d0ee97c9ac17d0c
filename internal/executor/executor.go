// Package executor performs exactly one publish-or-like call on a leased
// cloud phone and classifies the outcome.
//
// The device flows mirror the verified automation scripts: open the target
// in Chrome, let the page settle, screenshot, locate the control, tap,
// screenshot again for evidence.
package executor

import (
	"context"
	"fmt"
	"time"

	"snspilot/internal/storage"
	"snspilot/internal/vault"
	logx "snspilot/pkg/logx"
)

// Outcome is the tagged result classification.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRecoverable
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomePermanent:
		return "permanent"
	}
	return "unknown"
}

// Result is the transient value handed back to the dispatcher.
type Result struct {
	Outcome Outcome

	// Unknown marks failures the classification table doesn't cover.
	// They retry like recoverables but with a reduced ceiling.
	Unknown bool

	// Evidence is an opaque reference to the post-execution screenshot.
	Evidence string

	// Message carries the raw provider/automation error for persistence.
	Message string

	// RetryAfter is the provider's backoff hint, 0 if none.
	RetryAfter time.Duration
}

// Request binds one action to its account, device and decrypted session.
type Request struct {
	Action   storage.ScheduledAction
	Account  storage.Account
	DeviceID string
	Creds    vault.Credentials
}

// Executor is what the dispatcher depends on.
type Executor interface {
	Execute(ctx context.Context, req Request) Result
}

// Device is the slice of the provider client the executor drives.
type Device interface {
	OpenURL(ctx context.Context, deviceID, url string) error
	Screenshot(ctx context.Context, deviceID string) ([]byte, error)
	Tap(ctx context.Context, deviceID string, x, y int) error
	ScrollDown(ctx context.Context, deviceID string) error
	InputText(ctx context.Context, deviceID, text string) error
}

// Point is a screen coordinate.
type Point struct{ X, Y int }

// Control names a UI element the locator can find.
type Control string

const (
	ControlLike    Control = "like"
	ControlCompose Control = "compose"
	ControlPost    Control = "post"
)

// Locator is the external template-matching collaborator.
type Locator interface {
	// Locate returns the control's tap point and match confidence.
	// found=false with a nil error means the control is not on screen.
	Locate(ctx context.Context, screenshot []byte, control Control) (pt Point, confidence float64, found bool, err error)
}

// Validator is the external payload-constraint collaborator
// (character-count limits and the like). A violation is a permanent
// failure and is never attempted against the provider.
type Validator interface {
	Validate(platform string, kind storage.ActionKind, payload string) error
}

// EvidenceStore persists audit screenshots and returns an opaque ref.
type EvidenceStore interface {
	Save(ctx context.Context, actionID string, img []byte) (string, error)
}

type Config struct {
	// SettleWait is the pause after opening a URL before the first
	// screenshot (the page and app handoff are slow on cloud phones).
	SettleWait time.Duration
	// ScrollWait is the pause after a scroll before re-screenshotting.
	ScrollWait time.Duration
	// LocateAttempts bounds the screenshot/locate/scroll loop.
	LocateAttempts int
}

func (c Config) withDefaults() Config {
	if c.SettleWait <= 0 {
		c.SettleWait = 10 * time.Second
	}
	if c.ScrollWait <= 0 {
		c.ScrollWait = 2 * time.Second
	}
	if c.LocateAttempts <= 0 {
		c.LocateAttempts = 3
	}
	return c
}

type Service struct {
	cfg      Config
	dev      Device
	locator  Locator
	validate Validator
	evidence EvidenceStore
	log      logx.Logger
}

func New(cfg Config, dev Device, locator Locator, validate Validator, evidence EvidenceStore, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		dev:      dev,
		locator:  locator,
		validate: validate,
		evidence: evidence,
		log:      log,
	}
}

// Execute runs one action on one device. It never returns an error: every
// failure path is folded into the classified Result.
func (s *Service) Execute(ctx context.Context, req Request) Result {
	if s.validate != nil {
		if err := s.validate.Validate(req.Account.Platform, req.Action.Kind, req.Action.Payload); err != nil {
			// Never attempted against the provider.
			return Result{Outcome: OutcomePermanent, Message: fmt.Sprintf("payload rejected: %v", err)}
		}
	}

	log := s.log.With(
		logx.String("action", req.Action.ID),
		logx.String("device", req.DeviceID),
		logx.String("kind", string(req.Action.Kind)))

	switch req.Action.Kind {
	case storage.KindLike:
		return s.executeLike(ctx, req, log)
	case storage.KindPublish:
		return s.executePublish(ctx, req, log)
	default:
		return Result{Outcome: OutcomePermanent, Message: "unsupported action kind: " + string(req.Action.Kind)}
	}
}

var _ Executor = (*Service)(nil)
