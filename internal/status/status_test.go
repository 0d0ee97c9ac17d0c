package status

import (
	"errors"
	"testing"
)

func TestDispatchableEdges(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{Scheduled, Executing},
		{Approved, Executing},
		{PendingReview, Executing},
		{Executing, Published},
		{Executing, Scheduled},
		{Executing, Failed},
	}
	for _, e := range allowed {
		if !CanTransition(e.from, e.to) {
			t.Fatalf("expected %s -> %s to be legal", e.from, e.to)
		}
		got, err := Transition(e.from, e.to)
		if err != nil || got != e.to {
			t.Fatalf("Transition(%s, %s) = %s, %v", e.from, e.to, got, err)
		}
	}
}

func TestIllegalEdges(t *testing.T) {
	illegal := []struct{ from, to Status }{
		{Draft, Executing},
		{Published, Executing},
		{Failed, Executing},
		{Failed, Scheduled},
		{Published, Failed},
		{Scheduled, Published},
		{Scheduled, Failed},
		{Executing, Approved},
		{Executing, PendingReview},
		{Executing, Draft},
	}
	for _, e := range illegal {
		if CanTransition(e.from, e.to) {
			t.Fatalf("expected %s -> %s to be illegal", e.from, e.to)
		}
		got, err := Transition(e.from, e.to)
		if err == nil {
			t.Fatalf("Transition(%s, %s) should fail", e.from, e.to)
		}
		if got != e.from {
			t.Fatalf("failed transition must not move the status: got %s", got)
		}
		var ie *InvariantError
		if !errors.As(err, &ie) {
			t.Fatalf("expected *InvariantError, got %T", err)
		}
	}
}

func TestUnknownStatusRejected(t *testing.T) {
	if Valid("archived") {
		t.Fatalf("unknown status must not validate")
	}
	if _, err := Transition("archived", Executing); err == nil {
		t.Fatalf("transition from unknown status should fail")
	}
	if _, err := Transition(Scheduled, "archived"); err == nil {
		t.Fatalf("transition to unknown status should fail")
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{Published, Failed} {
		if !Terminal(s) {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{Draft, Scheduled, PendingReview, Approved, Executing} {
		if Terminal(s) {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
