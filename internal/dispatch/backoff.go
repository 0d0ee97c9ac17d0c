package dispatch

import "time"

// nextDelay computes the wait before the attempt that follows the given
// retry count (already incremented for the failure being handled).
//
// Deterministic doubling: base, 2x, 4x, capped at max. No jitter; the
// per-account device lease already serializes attempts, and deterministic
// delays keep multi-instance behavior reproducible. A provider hint
// (Retry-After) can raise the delay but never past the cap.
func nextDelay(cfg Config, retryCount int, hint time.Duration) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if hint > d {
		d = hint
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
