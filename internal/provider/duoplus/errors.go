package duoplus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// APIError is a non-2xx HTTP answer from the provider.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("duoplus: http %d: %s", e.Status, e.Message)
}

// CommandError is a provider-level rejection of an individual command
// (the HTTP exchange succeeded but the device side failed).
type CommandError struct {
	Op      string
	Code    int
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("duoplus: %s: code %d: %s", e.Op, e.Code, e.Message)
}

// Transient reports whether err is worth retrying: timeouts, connection
// resets, 429s and 5xx answers. Auth and validation rejections are not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status == 429 || ae.Status >= 500
	}
	// Command failures on the device (button not found, tap failed) are
	// retried: the UI may simply not have settled yet.
	var ce *CommandError
	if errors.As(err, &ce) {
		return true
	}
	// Plain transport errors (refused, reset, DNS) count as transient.
	var oe *net.OpError
	return errors.As(err, &oe)
}

// Permanent reports whether err is a definitive rejection.
func Permanent(err error) bool {
	var ae *APIError
	if errors.As(err, &ae) {
		switch ae.Status {
		case 400, 401, 403, 404, 422:
			return true
		}
	}
	return false
}

// RetryHint returns the provider's Retry-After if it sent one.
func RetryHint(err error) (time.Duration, bool) {
	var ae *APIError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return ae.RetryAfter, true
	}
	return 0, false
}
