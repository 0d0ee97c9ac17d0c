// Package status holds the scheduled-action lifecycle state machine.
//
// The CRUD layer owns entry into draft/pending_review; the dispatcher only
// ever moves actions along the execution edges. Keeping the legality check
// pure (no storage, no clock) lets both the dispatcher and its tests share
// one source of truth for what a legal transition is.
package status

import "fmt"

type Status string

const (
	Draft         Status = "draft"
	Scheduled     Status = "scheduled"
	PendingReview Status = "pending_review"
	Approved      Status = "approved"
	Executing     Status = "executing"
	Published     Status = "published"
	Failed        Status = "failed"
)

// Valid reports whether s is a known lifecycle status.
func Valid(s Status) bool {
	switch s {
	case Draft, Scheduled, PendingReview, Approved, Executing, Published, Failed:
		return true
	}
	return false
}

// Terminal reports whether s is immutable to the dispatcher.
// Operator overrides happen outside the engine.
func Terminal(s Status) bool {
	return s == Published || s == Failed
}

// transitions lists the edges the dispatcher is allowed to take.
// The engine never transitions INTO draft or pending_review.
var transitions = map[Status][]Status{
	Scheduled: {Executing},
	Approved:  {Executing},
	// pending_review is dispatchable only when the bound agent skips review;
	// eligibility is decided by the dispatcher, the edge itself is legal.
	PendingReview: {Executing},
	Executing:     {Published, Scheduled, Failed},
}

// CanTransition reports whether the dispatcher may move an action from
// one status to another.
func CanTransition(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition validates the edge and returns the target status, or an
// *InvariantError if the edge is illegal. Illegal edges indicate a
// dispatcher bug (the lease precondition should make them unreachable).
func Transition(from, to Status) (Status, error) {
	if !Valid(from) || !Valid(to) {
		return from, &InvariantError{From: from, To: to}
	}
	if !CanTransition(from, to) {
		return from, &InvariantError{From: from, To: to}
	}
	return to, nil
}

// InvariantError marks an illegal state transition attempt.
// It is an alarm condition, not a business outcome: the action is left
// untouched and the error is surfaced to operators.
type InvariantError struct {
	From Status
	To   Status
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("illegal status transition %s -> %s", e.From, e.To)
}
