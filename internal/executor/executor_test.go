package executor

import (
	"context"
	"strings"
	"testing"
	"time"

	"snspilot/internal/provider/duoplus"
	"snspilot/internal/storage"
	logx "snspilot/pkg/logx"
)

type fakeDevice struct {
	openErr   error
	tapErr    error
	inputErr  error
	shotErr   error
	openedURL string
	typed     string
	taps      []Point
	scrolls   int
}

func (f *fakeDevice) OpenURL(_ context.Context, _ string, url string) error {
	f.openedURL = url
	return f.openErr
}

func (f *fakeDevice) Screenshot(_ context.Context, _ string) ([]byte, error) {
	if f.shotErr != nil {
		return nil, f.shotErr
	}
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}

func (f *fakeDevice) Tap(_ context.Context, _ string, x, y int) error {
	f.taps = append(f.taps, Point{X: x, Y: y})
	return f.tapErr
}

func (f *fakeDevice) ScrollDown(_ context.Context, _ string) error {
	f.scrolls++
	return nil
}

func (f *fakeDevice) InputText(_ context.Context, _ string, text string) error {
	f.typed = text
	return f.inputErr
}

// scriptedLocator returns one answer per call, then repeats the last.
type scriptedLocator struct {
	answers []bool
	calls   int
	pt      Point
}

func (l *scriptedLocator) Locate(_ context.Context, _ []byte, _ Control) (Point, float64, bool, error) {
	i := l.calls
	l.calls++
	if i >= len(l.answers) {
		i = len(l.answers) - 1
	}
	if i < 0 || !l.answers[i] {
		return Point{}, 0, false, nil
	}
	pt := l.pt
	if pt == (Point{}) {
		pt = Point{X: 500, Y: 900}
	}
	return pt, 0.93, true, nil
}

func fastCfg() Config {
	return Config{SettleWait: time.Millisecond, ScrollWait: time.Millisecond, LocateAttempts: 3}
}

func likeRequest() Request {
	return Request{
		Action: storage.ScheduledAction{
			ID:      "a1",
			Kind:    storage.KindLike,
			Payload: "https://x.com/user/status/123",
		},
		Account:  storage.Account{ID: "acct-1", Platform: "x"},
		DeviceID: "dev-1",
	}
}

func publishRequest(text string) Request {
	return Request{
		Action: storage.ScheduledAction{
			ID:      "a2",
			Kind:    storage.KindPublish,
			Payload: text,
		},
		Account:  storage.Account{ID: "acct-1", Platform: "x"},
		DeviceID: "dev-1",
	}
}

func TestLikeFlowTapsLocatedPoint(t *testing.T) {
	dev := &fakeDevice{}
	loc := &scriptedLocator{answers: []bool{true}, pt: Point{X: 320, Y: 1210}}
	s := New(fastCfg(), dev, loc, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), likeRequest())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Message)
	}
	if dev.openedURL != "https://x.com/user/status/123" {
		t.Fatalf("opened %q", dev.openedURL)
	}
	if len(dev.taps) != 1 || dev.taps[0] != (Point{X: 320, Y: 1210}) {
		t.Fatalf("taps = %+v", dev.taps)
	}
}

func TestLikeFlowScrollsUntilFound(t *testing.T) {
	dev := &fakeDevice{}
	loc := &scriptedLocator{answers: []bool{false, false, true}}
	s := New(fastCfg(), dev, loc, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), likeRequest())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Message)
	}
	if dev.scrolls != 2 {
		t.Fatalf("scrolls = %d, want 2", dev.scrolls)
	}
}

func TestLikeFlowNotFoundIsRecoverable(t *testing.T) {
	dev := &fakeDevice{}
	loc := &scriptedLocator{answers: []bool{false}}
	s := New(fastCfg(), dev, loc, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), likeRequest())
	if res.Outcome != OutcomeRecoverable {
		t.Fatalf("outcome = %v, want recoverable", res.Outcome)
	}
	if res.Message != "LIKE_BUTTON_NOT_FOUND" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestPublishFlowTypesAndPosts(t *testing.T) {
	dev := &fakeDevice{}
	loc := &scriptedLocator{answers: []bool{true}}
	s := New(fastCfg(), dev, loc, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), publishRequest("ship it"))
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %v (%s)", res.Outcome, res.Message)
	}
	if dev.typed != "ship it" {
		t.Fatalf("typed %q", dev.typed)
	}
	if !strings.Contains(dev.openedURL, "compose") {
		t.Fatalf("opened %q, want composer", dev.openedURL)
	}
	if len(dev.taps) != 1 {
		t.Fatalf("taps = %+v", dev.taps)
	}
}

func TestPublishValidationIsPermanent(t *testing.T) {
	dev := &fakeDevice{}
	s := New(fastCfg(), dev, &scriptedLocator{answers: []bool{true}}, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), publishRequest(strings.Repeat("x", 281)))
	if res.Outcome != OutcomePermanent {
		t.Fatalf("outcome = %v, want permanent", res.Outcome)
	}
	if dev.openedURL != "" {
		t.Fatalf("oversize payload must never reach the device")
	}
}

func TestOpenURLFailureClassified(t *testing.T) {
	dev := &fakeDevice{openErr: &duoplus.CommandError{Op: "open_url", Code: 500, Message: "boom"}}
	s := New(fastCfg(), dev, &scriptedLocator{}, LimitValidator{}, nil, logx.Nop())

	res := s.Execute(context.Background(), likeRequest())
	if res.Outcome != OutcomeRecoverable || res.Unknown {
		t.Fatalf("command failure should be recoverable and mapped: %+v", res)
	}
	if !strings.Contains(res.Message, "FAILED_TO_OPEN_URL") {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestUnsupportedKindIsPermanent(t *testing.T) {
	s := New(fastCfg(), &fakeDevice{}, &scriptedLocator{}, LimitValidator{}, nil, logx.Nop())
	req := likeRequest()
	req.Action.Kind = "follow"
	req.Action.Payload = "https://x.com/user"

	if res := s.Execute(context.Background(), req); res.Outcome != OutcomePermanent {
		t.Fatalf("outcome = %v, want permanent", res.Outcome)
	}
}

func TestValidatorRules(t *testing.T) {
	v := LimitValidator{}
	if err := v.Validate("x", storage.KindPublish, "fine"); err != nil {
		t.Fatalf("short post rejected: %v", err)
	}
	if err := v.Validate("x", storage.KindPublish, strings.Repeat("a", 280)); err != nil {
		t.Fatalf("at-limit post rejected: %v", err)
	}
	if err := v.Validate("x", storage.KindPublish, strings.Repeat("a", 281)); err == nil {
		t.Fatalf("over-limit post accepted")
	}
	if err := v.Validate("x", storage.KindPublish, "   "); err == nil {
		t.Fatalf("blank post accepted")
	}
	if err := v.Validate("x", storage.KindLike, "not a url"); err == nil {
		t.Fatalf("invalid like target accepted")
	}
	if err := v.Validate("x", storage.KindLike, "https://x.com/user/status/1"); err != nil {
		t.Fatalf("valid like target rejected: %v", err)
	}
}
