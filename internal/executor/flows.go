package executor

import (
	"context"
	"time"

	logx "snspilot/pkg/logx"
)

// Error strings kept verbatim from the verified automation scripts; the
// ops dashboards key off them.
const (
	errOpenURL        = "FAILED_TO_OPEN_URL"
	errLikeNotFound   = "LIKE_BUTTON_NOT_FOUND"
	errTapFailed      = "TAP_FAILED"
	errComposeMissing = "COMPOSE_FIELD_NOT_FOUND"
	errInputFailed    = "TEXT_INPUT_FAILED"
)

// Fallback tap point for the publish button when the locator can't find
// it (1080x1920 composer layout).
var postButtonFallback = Point{X: 980, Y: 350}

// executeLike opens the target post and taps the like button.
//
// Flow: open URL (settle wait) -> screenshot -> locate like button ->
// scroll and retry up to LocateAttempts -> tap -> verification screenshot.
func (s *Service) executeLike(ctx context.Context, req Request, log logx.Logger) Result {
	if err := s.dev.OpenURL(ctx, req.DeviceID, req.Action.Payload); err != nil {
		return classify(err, errOpenURL)
	}
	if err := sleepCtx(ctx, s.cfg.SettleWait); err != nil {
		return classify(err, errOpenURL)
	}

	pt, confidence, res := s.locate(ctx, req, ControlLike, errLikeNotFound)
	if res != nil {
		return *res
	}
	log.Debug("like button located",
		logx.Int("x", pt.X), logx.Int("y", pt.Y),
		logx.Float64("confidence", confidence))

	if err := s.dev.Tap(ctx, req.DeviceID, pt.X, pt.Y); err != nil {
		return classify(err, errTapFailed)
	}
	_ = sleepCtx(ctx, time.Second)

	return Result{Outcome: OutcomeSuccess, Evidence: s.captureEvidence(ctx, req, log)}
}

// executePublish opens the composer, types the content and taps post.
func (s *Service) executePublish(ctx context.Context, req Request, log logx.Logger) Result {
	if err := s.dev.OpenURL(ctx, req.DeviceID, composerURL(req.Account.Platform)); err != nil {
		return classify(err, errOpenURL)
	}
	if err := sleepCtx(ctx, s.cfg.SettleWait); err != nil {
		return classify(err, errOpenURL)
	}

	// The composer field gets focus on open; verify it is on screen before
	// typing so we don't spray text into an arbitrary page.
	if _, _, res := s.locate(ctx, req, ControlCompose, errComposeMissing); res != nil {
		return *res
	}

	if err := s.dev.InputText(ctx, req.DeviceID, req.Action.Payload); err != nil {
		return classify(err, errInputFailed)
	}
	_ = sleepCtx(ctx, time.Second)

	// Post button: locator first, fixed coordinates as fallback.
	pt := postButtonFallback
	if shot, err := s.dev.Screenshot(ctx, req.DeviceID); err == nil {
		if found, confidence, ok := s.tryLocate(ctx, shot, ControlPost); ok {
			pt = found
			log.Debug("post button located",
				logx.Int("x", pt.X), logx.Int("y", pt.Y),
				logx.Float64("confidence", confidence))
		}
	}
	if err := s.dev.Tap(ctx, req.DeviceID, pt.X, pt.Y); err != nil {
		return classify(err, errTapFailed)
	}
	_ = sleepCtx(ctx, time.Second)

	return Result{Outcome: OutcomeSuccess, Evidence: s.captureEvidence(ctx, req, log)}
}

// locate runs the screenshot/locate/scroll loop. A nil *Result means the
// control was found.
func (s *Service) locate(ctx context.Context, req Request, control Control, notFoundMsg string) (Point, float64, *Result) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.LocateAttempts; attempt++ {
		if attempt > 0 {
			if err := s.dev.ScrollDown(ctx, req.DeviceID); err != nil {
				r := classify(err, notFoundMsg)
				return Point{}, 0, &r
			}
			if err := sleepCtx(ctx, s.cfg.ScrollWait); err != nil {
				r := classify(err, notFoundMsg)
				return Point{}, 0, &r
			}
		}

		shot, err := s.dev.Screenshot(ctx, req.DeviceID)
		if err != nil {
			lastErr = err
			continue
		}
		pt, confidence, found, err := s.locator.Locate(ctx, shot, control)
		if err != nil {
			lastErr = err
			continue
		}
		if found {
			return pt, confidence, nil
		}
	}

	if lastErr != nil {
		r := classify(lastErr, notFoundMsg)
		return Point{}, 0, &r
	}
	// Control genuinely absent after scrolling: the UI may not have
	// settled, or the post layout shifted. Retryable.
	r := Result{Outcome: OutcomeRecoverable, Message: notFoundMsg}
	return Point{}, 0, &r
}

func (s *Service) tryLocate(ctx context.Context, shot []byte, control Control) (Point, float64, bool) {
	pt, confidence, found, err := s.locator.Locate(ctx, shot, control)
	if err != nil || !found {
		return Point{}, 0, false
	}
	return pt, confidence, true
}

// captureEvidence grabs the post-execution screenshot for audit.
// Evidence is best-effort; a failure here never fails the action.
func (s *Service) captureEvidence(ctx context.Context, req Request, log logx.Logger) string {
	if s.evidence == nil {
		return ""
	}
	shot, err := s.dev.Screenshot(ctx, req.DeviceID)
	if err != nil {
		log.Debug("evidence screenshot failed", logx.Err(err))
		return ""
	}
	ref, err := s.evidence.Save(ctx, req.Action.ID, shot)
	if err != nil {
		log.Debug("evidence save failed", logx.Err(err))
		return ""
	}
	return ref
}

// composerURL maps a platform tag to its mobile composer entry point.
func composerURL(platform string) string {
	switch platform {
	case "x", "twitter":
		return "https://x.com/compose/post"
	default:
		return "https://x.com/compose/post"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
