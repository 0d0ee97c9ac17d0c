package executor

import (
	"context"
	"errors"
	"fmt"

	"snspilot/internal/provider/duoplus"
)

// classify folds an automation error into the fixed outcome mapping:
// timeouts, 5xx and rate limits are recoverable; auth and validation
// rejections are permanent; anything unmapped is recoverable-but-unknown
// so retries stay bounded on cases nobody has triaged yet.
func classify(err error, op string) Result {
	msg := fmt.Sprintf("%s: %v", op, err)

	switch {
	case duoplus.Permanent(err):
		return Result{Outcome: OutcomePermanent, Message: msg}
	case duoplus.Transient(err), errors.Is(err, context.DeadlineExceeded):
		r := Result{Outcome: OutcomeRecoverable, Message: msg}
		if hint, ok := duoplus.RetryHint(err); ok {
			r.RetryAfter = hint
		}
		return r
	case errors.Is(err, context.Canceled):
		// Shutdown mid-flight; the lease reclaim will requeue the action.
		return Result{Outcome: OutcomeRecoverable, Message: msg}
	default:
		return Result{Outcome: OutcomeRecoverable, Unknown: true, Message: msg}
	}
}
