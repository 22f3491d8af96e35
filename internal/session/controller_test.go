package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/collaborator"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"github.com/loqalabs/loqa-voicechat/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeTicker struct {
	c       chan time.Time
	stopped atomic.Bool
}

func (f *fakeTicker) C() <-chan time.Time { return f.c }
func (f *fakeTicker) Stop()               { f.stopped.Store(true) }

type fakeClock struct {
	created chan *fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{created: make(chan *fakeTicker, 8)}
}

func (f *fakeClock) NewTicker(time.Duration) Ticker {
	t := &fakeTicker{c: make(chan time.Time)}
	f.created <- t
	return t
}

func (f *fakeClock) next(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case tk := <-f.created:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatal("ticker was never armed")
		return nil
	}
}

// advance delivers one tick; the send only completes once the controller
// has taken it.
func advance(t *testing.T, tk *fakeTicker) {
	t.Helper()
	select {
	case tk.c <- time.Now():
	case <-time.After(2 * time.Second):
		t.Fatal("tick was not consumed")
	}
}

type harness struct {
	ctrl    *Controller
	mock    *collaborator.Mock
	clock   *fakeClock
	acc     *transcript.Accumulator
	mu      sync.Mutex
	changes []Change
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		mock:  collaborator.NewMock(8),
		clock: newFakeClock(),
		acc:   transcript.New("", newLogger()),
	}
	h.ctrl = NewController(context.Background(), h.mock, h.acc, Config{
		AssistantID:  "barista",
		TickInterval: time.Second,
		StartTimeout: 5 * time.Second,
		Clock:        h.clock,
	}, newLogger())
	h.ctrl.Subscribe(func(c Change) {
		h.mu.Lock()
		h.changes = append(h.changes, c)
		h.mu.Unlock()
	})
	t.Cleanup(func() {
		h.ctrl.Close()
		_ = h.mock.Close()
	})
	return h
}

func (h *harness) callStates() []CallState {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []CallState
	for i, c := range h.changes {
		if i == 0 {
			out = append(out, c.From.Call)
		}
		if c.To.Call != c.From.Call {
			out = append(out, c.To.Call)
		}
	}
	return out
}

func waitFor(t *testing.T, ctrl *Controller, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := ctrl.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached, last state %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func isCall(want CallState) func(State) bool {
	return func(s State) bool { return s.Call == want }
}

func TestControllerStartSucceeds(t *testing.T) {
	h := newHarness(t)

	if s := h.ctrl.Toggle(); s.Call != Connecting {
		t.Fatalf("expected connecting right after toggle, got %v", s.Call)
	}
	s := waitFor(t, h.ctrl, isCall(Active))
	if s.Duration != 0 || s.CallID == "" {
		t.Fatalf("unexpected active state %+v", s)
	}
	tk := h.clock.next(t)
	advance(t, tk)
	if got := h.ctrl.Snapshot().Duration; got != 1 {
		t.Fatalf("expected duration 1, got %d", got)
	}

	states := h.callStates()
	want := []CallState{Idle, Connecting, Active}
	if len(states) != len(want) {
		t.Fatalf("unexpected transitions %v", states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("unexpected transitions %v", states)
		}
	}
	if got := h.mock.StartCalls(); len(got) != 1 || got[0] != "barista" {
		t.Fatalf("unexpected start calls %v", got)
	}
}

func TestControllerStartRejected(t *testing.T) {
	h := newHarness(t)
	h.mock.SetStartFunc(func(context.Context, string) (collaborator.CallHandle, error) {
		return collaborator.CallHandle{}, errors.New("assistant offline")
	})

	h.ctrl.Toggle()
	s := waitFor(t, h.ctrl, func(s State) bool { return s.Call == Idle && s.Attempt == 1 && len(h.callStates()) == 3 })
	if s.Duration != 0 {
		t.Fatalf("expected zero duration, got %d", s.Duration)
	}
	states := h.callStates()
	if states[0] != Idle || states[1] != Connecting || states[2] != Idle {
		t.Fatalf("unexpected transitions %v", states)
	}
	if h.acc.Len() != 0 {
		t.Fatalf("rejected start appended %d messages", h.acc.Len())
	}
	if len(h.mock.StartCalls()) != 1 {
		t.Fatal("rejected start must not be retried")
	}
}

func TestControllerTicksStopOnHangUp(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Toggle()
	waitFor(t, h.ctrl, isCall(Active))
	tk := h.clock.next(t)

	for i := 0; i < 5; i++ {
		advance(t, tk)
	}
	if got := h.ctrl.Snapshot().Duration; got != 5 {
		t.Fatalf("expected duration 5, got %d", got)
	}

	s := h.ctrl.Toggle()
	if s.Call != Idle || s.Duration != 0 {
		t.Fatalf("expected idle reset after hang up, got %+v", s)
	}
	if !tk.stopped.Load() {
		t.Fatal("ticker still running after hang up")
	}
	for i := 0; i < 2; i++ {
		select {
		case tk.c <- time.Now():
			t.Fatal("tick consumed after hang up")
		case <-time.After(20 * time.Millisecond):
		}
	}
	if got := h.ctrl.Snapshot().Duration; got != 0 {
		t.Fatalf("duration moved after hang up: %d", got)
	}
	if h.mock.StopCalls() != 1 || h.mock.Active() {
		t.Fatalf("expected a single stop, got %d", h.mock.StopCalls())
	}
}

func TestControllerRestartRearmsTicker(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Toggle()
	waitFor(t, h.ctrl, isCall(Active))
	first := h.clock.next(t)
	advance(t, first)
	h.ctrl.Toggle()

	h.ctrl.Toggle()
	s := waitFor(t, h.ctrl, isCall(Active))
	if s.Duration != 0 || s.Attempt != 2 {
		t.Fatalf("expected fresh call, got %+v", s)
	}
	second := h.clock.next(t)
	if second == first {
		t.Fatal("expected a new ticker per call")
	}
	advance(t, second)
	if got := h.ctrl.Snapshot().Duration; got != 1 {
		t.Fatalf("expected duration 1, got %d", got)
	}
}

func TestControllerStopWhileIdle(t *testing.T) {
	h := newHarness(t)
	s := h.ctrl.Stop()
	if s.Call != Idle || s.Duration != 0 {
		t.Fatalf("stop moved idle controller to %+v", s)
	}
	if len(h.callStates()) != 0 {
		t.Fatal("idle stop must not notify a change")
	}
}

func TestControllerToggleWhileConnectingCancelsStart(t *testing.T) {
	h := newHarness(t)
	cancelled := make(chan struct{})
	h.mock.SetStartFunc(func(ctx context.Context, _ string) (collaborator.CallHandle, error) {
		<-ctx.Done()
		close(cancelled)
		return collaborator.CallHandle{}, ctx.Err()
	})

	h.ctrl.Toggle()
	s := h.ctrl.Toggle()
	if s.Call != Idle {
		t.Fatalf("expected idle after cancelling, got %v", s.Call)
	}
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("start request was not cancelled")
	}
	if h.mock.StopCalls() != 1 {
		t.Fatalf("expected stop on cancel, got %d", h.mock.StopCalls())
	}
	if got := h.ctrl.Snapshot(); got.Call != Idle {
		t.Fatalf("late failure changed state: %+v", got)
	}
}

func TestControllerLateSuccessAfterCancelIsStopped(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.mock.SetStartFunc(func(context.Context, string) (collaborator.CallHandle, error) {
		<-release
		return collaborator.CallHandle{ID: "late"}, nil
	})

	h.ctrl.Toggle()
	h.ctrl.Toggle()
	close(release)

	deadline := time.Now().Add(2 * time.Second)
	for h.mock.StopCalls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("late session was not stopped, stops=%d", h.mock.StopCalls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.ctrl.Snapshot(); s.Call != Idle || s.CallID != "" {
		t.Fatalf("late success adopted: %+v", s)
	}
}

// oneCallStarts makes the mock behave like a collaborator with a single call
// slot: each start blocks on its own release channel, and a start that
// finds the slot taken fails.
func oneCallStarts(h *harness, releases ...chan struct{}) {
	var n atomic.Int32
	h.mock.SetStartFunc(func(context.Context, string) (collaborator.CallHandle, error) {
		i := int(n.Add(1)) - 1
		<-releases[i]
		if h.mock.Active() {
			return collaborator.CallHandle{}, collaborator.ErrAlreadyStarted
		}
		if i == 0 {
			return collaborator.CallHandle{ID: "late"}, nil
		}
		return collaborator.CallHandle{ID: "second"}, nil
	})
}

func waitStarts(t *testing.T, h *harness, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.mock.StartCalls()) < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d start requests, got %d", n, len(h.mock.StartCalls()))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestControllerStaleSuccessDuringNewAttemptIsStopped(t *testing.T) {
	h := newHarness(t)
	first, second := make(chan struct{}), make(chan struct{})
	oneCallStarts(h, first, second)

	h.ctrl.Toggle()
	h.ctrl.Toggle()
	h.ctrl.Toggle()
	waitStarts(t, h, 2)

	// Attempt 1 wins the slot after it was abandoned.
	close(first)
	deadline := time.Now().Add(2 * time.Second)
	for h.mock.StopCalls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stale call was not stopped, stops=%d", h.mock.StopCalls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if s := h.ctrl.Snapshot(); s.Call != Connecting || s.Attempt != 2 {
		t.Fatalf("stale success disturbed attempt 2: %+v", s)
	}

	close(second)
	s := waitFor(t, h.ctrl, isCall(Active))
	if s.CallID != "second" {
		t.Fatalf("expected second call active, got %+v", s)
	}
	if !h.mock.Active() {
		t.Fatal("collaborator should hold the second call")
	}

	h.ctrl.Toggle()
	if h.mock.Active() {
		t.Fatal("collaborator still holds a call after hang-up")
	}
}

func TestControllerStaleSuccessBeforeFailedAttemptLeavesNothingOpen(t *testing.T) {
	h := newHarness(t)
	first, second := make(chan struct{}), make(chan struct{})
	var n atomic.Int32
	h.mock.SetStartFunc(func(context.Context, string) (collaborator.CallHandle, error) {
		if n.Add(1) == 1 {
			<-first
			return collaborator.CallHandle{ID: "late"}, nil
		}
		<-second
		return collaborator.CallHandle{}, collaborator.ErrAlreadyStarted
	})

	h.ctrl.Toggle()
	h.ctrl.Toggle()
	h.ctrl.Toggle()
	waitStarts(t, h, 2)

	close(first)
	deadline := time.Now().Add(2 * time.Second)
	for h.mock.StopCalls() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("stale call was not stopped, stops=%d", h.mock.StopCalls())
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(second)
	waitFor(t, h.ctrl, isCall(Idle))
	if h.mock.Active() {
		t.Fatal("controller is idle but the collaborator still holds the stale call")
	}
}

func TestControllerStaleFailureDuringNewAttemptIsIgnored(t *testing.T) {
	h := newHarness(t)
	first, second := make(chan struct{}), make(chan struct{})
	var n atomic.Int32
	h.mock.SetStartFunc(func(context.Context, string) (collaborator.CallHandle, error) {
		if n.Add(1) == 1 {
			<-first
			return collaborator.CallHandle{}, errors.New("agent unavailable")
		}
		<-second
		return collaborator.CallHandle{ID: "second"}, nil
	})

	h.ctrl.Toggle()
	h.ctrl.Toggle()
	h.ctrl.Toggle()
	waitStarts(t, h, 2)

	close(first)
	// Nothing observable changes, so give the settlement time to land.
	time.Sleep(20 * time.Millisecond)
	if s := h.ctrl.Snapshot(); s.Call != Connecting || s.Attempt != 2 {
		t.Fatalf("stale failure ended attempt 2: %+v", s)
	}
	if h.mock.StopCalls() != 1 {
		t.Fatalf("stale failure must not stop anything, stops=%d", h.mock.StopCalls())
	}

	close(second)
	s := waitFor(t, h.ctrl, isCall(Active))
	if s.CallID != "second" {
		t.Fatalf("expected second call active, got %+v", s)
	}
}

func TestControllerErrorEventCancelsConnecting(t *testing.T) {
	h := newHarness(t)
	h.mock.SetStartFunc(func(ctx context.Context, _ string) (collaborator.CallHandle, error) {
		<-ctx.Done()
		return collaborator.CallHandle{}, ctx.Err()
	})

	h.ctrl.Toggle()
	h.mock.Emit(protocol.Event{Name: protocol.EventError, Error: "microphone unavailable"})
	waitFor(t, h.ctrl, isCall(Idle))
	if h.acc.Len() != 0 {
		t.Fatal("error event must not append a message")
	}
}

func TestControllerAppendsTranscriptInAnyState(t *testing.T) {
	h := newHarness(t)
	milk := protocol.Event{Name: protocol.EventMessage, Message: &protocol.MessagePayload{
		Type: "transcript", TranscriptType: "final", Role: "user", Transcript: "milk",
	}}

	h.mock.Emit(milk)
	waitFor(t, h.ctrl, func(State) bool { return h.acc.Len() == 1 })

	h.ctrl.Toggle()
	waitFor(t, h.ctrl, isCall(Active))
	h.mock.Emit(protocol.Event{Name: protocol.EventMessage, Message: &protocol.MessagePayload{Type: "status-update"}})
	h.mock.Emit(milk)
	waitFor(t, h.ctrl, func(State) bool { return h.acc.Len() == 2 })

	msgs := h.acc.Messages()
	last := msgs[len(msgs)-1]
	if last.Text != "milk" || !last.IsUser {
		t.Fatalf("unexpected last message %+v", last)
	}
}

func TestControllerRemoteHangUp(t *testing.T) {
	h := newHarness(t)
	h.ctrl.Toggle()
	s := waitFor(t, h.ctrl, isCall(Active))
	tk := h.clock.next(t)
	advance(t, tk)

	h.mock.Emit(protocol.Event{Name: protocol.EventCallEnded, CallID: s.CallID})
	waitFor(t, h.ctrl, isCall(Idle))
	if !tk.stopped.Load() {
		t.Fatal("ticker still running after remote hang up")
	}
}

func TestControllerCloseStopsUnconditionally(t *testing.T) {
	mock := collaborator.NewMock(1)
	t.Cleanup(func() { _ = mock.Close() })
	ctrl := NewController(context.Background(), mock, transcript.New("", newLogger()), Config{AssistantID: "barista", Clock: newFakeClock()}, newLogger())

	ctrl.Close()
	ctrl.Close()
	if mock.StopCalls() != 1 {
		t.Fatalf("expected one stop on close, got %d", mock.StopCalls())
	}
	if s := ctrl.Toggle(); s.Call != Idle {
		t.Fatalf("closed controller accepted toggle: %+v", s)
	}
}

func TestControllerCloseDuringCall(t *testing.T) {
	mock := collaborator.NewMock(1)
	t.Cleanup(func() { _ = mock.Close() })
	clock := newFakeClock()
	ctrl := NewController(context.Background(), mock, transcript.New("", newLogger()), Config{AssistantID: "barista", Clock: clock}, newLogger())

	ctrl.Toggle()
	waitFor(t, ctrl, isCall(Active))
	tk := clock.next(t)

	ctrl.Close()
	if !tk.stopped.Load() {
		t.Fatal("ticker survived close")
	}
	if mock.Active() {
		t.Fatal("remote call survived close")
	}
}

func TestControllerContextCancelShutsDown(t *testing.T) {
	mock := collaborator.NewMock(1)
	t.Cleanup(func() { _ = mock.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := NewController(ctx, mock, transcript.New("", newLogger()), Config{AssistantID: "barista", Clock: newFakeClock()}, newLogger())

	cancel()
	ctrl.Close()
	if mock.StopCalls() != 1 {
		t.Fatalf("expected stop on cancellation, got %d", mock.StopCalls())
	}
}
