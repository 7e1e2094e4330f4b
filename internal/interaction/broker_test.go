package interaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"agentdeck/internal/core"
)

type fakeSurface struct {
	mu          sync.Mutex
	unavailable bool
	failEmit    error
	events      []core.Event
	notify      chan core.Event
}

func newFakeSurface() *fakeSurface {
	return &fakeSurface{notify: make(chan core.Event, 16)}
}

func (s *fakeSurface) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unavailable
}

func (s *fakeSurface) Emit(ctx context.Context, event core.Event) error {
	s.mu.Lock()
	if s.failEmit != nil {
		s.mu.Unlock()
		return s.failEmit
	}
	s.events = append(s.events, event)
	s.mu.Unlock()
	s.notify <- event
	return nil
}

func (s *fakeSurface) eventsOf(typ core.EventType) []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Event
	for _, e := range s.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

type outcome struct {
	value any
	err   error
}

// startRequest issues a request in the background and returns the request
// event the surface received plus a channel carrying the final outcome.
func startRequest(t *testing.T, b *Broker, s *fakeSurface, ctx context.Context, taskID string) (core.Event, <-chan outcome) {
	t.Helper()
	out := make(chan outcome, 1)
	go func() {
		v, err := b.Request(ctx, taskID, "Writer", core.InteractionPayload{
			Kind:   core.InteractionConfirm,
			Prompt: "write file?",
		})
		out <- outcome{v, err}
	}()
	select {
	case ev := <-s.notify:
		if ev.Type != core.EventHumanInteraction {
			t.Fatalf("expected interaction event, got %s", ev.Type)
		}
		return ev, out
	case <-time.After(2 * time.Second):
		t.Fatal("interaction event never emitted")
	}
	return core.Event{}, nil
}

func waitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("request never settled")
	}
	return outcome{}
}

func TestRespondByRequestID(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	ev, out := startRequest(t, b, s, context.Background(), "task-1")
	if ev.RequestID == "" || ev.TaskID != "task-1" || ev.AgentName != "Writer" || ev.Kind != core.InteractionConfirm {
		t.Fatalf("unexpected request event: %+v", ev)
	}
	if b.PendingCount() != 1 {
		t.Fatalf("expected 1 pending, got %d", b.PendingCount())
	}

	if !b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: true, Result: "yes"}) {
		t.Fatal("Respond should match")
	}
	o := waitOutcome(t, out)
	if o.err != nil || o.value != "yes" {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if b.PendingCount() != 0 {
		t.Fatalf("pending should be empty, got %d", b.PendingCount())
	}
	if len(s.eventsOf(core.EventHumanResolved)) != 1 {
		t.Fatal("expected one resolution event")
	}
}

func TestSecondResponseIsNoop(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	ev, out := startRequest(t, b, s, context.Background(), "task-1")
	if !b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: true, Result: true}) {
		t.Fatal("first response should match")
	}
	waitOutcome(t, out)
	if b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: true, Result: false}) {
		t.Fatal("second response must be a no-op")
	}
	if b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: false}) {
		t.Fatal("late rejection must be a no-op")
	}
}

// Scenario A: the engine stages toolId "abc" and then asks for a confirm.
// Answering with "abc" resolves the request.
func TestRespondByStagedToolID(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	b.StageToolID("task-1", "abc")
	ev, out := startRequest(t, b, s, context.Background(), "task-1")
	if ev.ToolID != "abc" {
		t.Fatalf("request event should carry the staged tool id, got %q", ev.ToolID)
	}
	if b.CorrelationCount() != 1 {
		t.Fatalf("expected 1 correlation, got %d", b.CorrelationCount())
	}

	if !b.Respond(context.Background(), core.InteractionResponse{RequestID: "abc", Success: true, Result: true}) {
		t.Fatal("tool id response should match")
	}
	o := waitOutcome(t, out)
	if o.err != nil || o.value != true {
		t.Fatalf("unexpected outcome: %+v", o)
	}
	if b.PendingCount() != 0 || b.CorrelationCount() != 0 {
		t.Fatalf("broker not empty: pending=%d correlations=%d", b.PendingCount(), b.CorrelationCount())
	}
}

func TestStagedToolIDIsConsumedOnce(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	b.StageToolID("task-1", "abc")
	first, out1 := startRequest(t, b, s, context.Background(), "task-1")
	second, out2 := startRequest(t, b, s, context.Background(), "task-1")
	if first.ToolID != "abc" || second.ToolID != "" {
		t.Fatalf("staged tool id should attach only to the first request: %q %q", first.ToolID, second.ToolID)
	}
	b.RejectAll(core.ErrTasksAborted)
	waitOutcome(t, out1)
	waitOutcome(t, out2)
}

func TestStagingIsPerTask(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	b.StageToolID("task-1", "abc")
	ev, out := startRequest(t, b, s, context.Background(), "task-2")
	if ev.ToolID != "" {
		t.Fatalf("task-2 must not consume task-1's tool id, got %q", ev.ToolID)
	}
	if b.Respond(context.Background(), core.InteractionResponse{RequestID: "abc", Success: true}) {
		t.Fatal("unconsumed staged tool id must not resolve anything")
	}
	b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: true})
	waitOutcome(t, out)
}

func TestFailedResponseRejectsWithReason(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	ev, out := startRequest(t, b, s, context.Background(), "task-1")
	b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID, Success: false, Error: "user said no"})
	o := waitOutcome(t, out)
	if !errors.Is(o.err, core.ErrInteractionRejected) {
		t.Fatalf("expected ErrInteractionRejected, got %v", o.err)
	}
	if o.err.Error() != "interaction rejected: user said no" {
		t.Fatalf("unexpected message %q", o.err.Error())
	}

	ev, out = startRequest(t, b, s, context.Background(), "task-1")
	b.Respond(context.Background(), core.InteractionResponse{RequestID: ev.RequestID})
	o = waitOutcome(t, out)
	if o.err == nil || o.err.Error() != "interaction rejected: cancelled" {
		t.Fatalf("expected default cancelled reason, got %v", o.err)
	}
	if len(s.eventsOf(core.EventHumanResolved)) != 0 {
		t.Fatal("rejections must not emit a resolution event")
	}
}

// Scenario B: abort before any answer rejects the wait, and a late answer
// addressed by tool id is a no-op.
func TestTaskAbortRejectsPendingRequest(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancelCause(context.Background())
	b.StageToolID("task-1", "abc")
	_, out := startRequest(t, b, s, ctx, "task-1")

	cancel(&core.AbortError{Reason: "cancel"})
	o := waitOutcome(t, out)
	if !errors.Is(o.err, core.ErrTaskAborted) {
		t.Fatalf("expected task aborted error, got %v", o.err)
	}
	if b.PendingCount() != 0 || b.CorrelationCount() != 0 {
		t.Fatalf("abort should clear state: pending=%d correlations=%d", b.PendingCount(), b.CorrelationCount())
	}
	if b.Respond(context.Background(), core.InteractionResponse{RequestID: "abc", Success: true, Result: true}) {
		t.Fatal("late response after abort must return false")
	}
}

func TestRequestOnCancelledContextFailsFast(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Request(ctx, "task-1", "Writer", core.InteractionPayload{Kind: core.InteractionInput, Prompt: "name?"})
	if !errors.Is(err, core.ErrTaskAborted) {
		t.Fatalf("expected task aborted, got %v", err)
	}
	if b.PendingCount() != 0 || len(s.eventsOf(core.EventHumanInteraction)) != 0 {
		t.Fatal("cancelled request must never be exposed")
	}
}

func TestUnavailableSurfaceRejectsImmediately(t *testing.T) {
	s := newFakeSurface()
	s.unavailable = true
	b := NewBroker(s, zaptest.NewLogger(t))
	b.StageToolID("task-1", "abc")

	_, err := b.Request(context.Background(), "task-1", "Writer", core.InteractionPayload{Kind: core.InteractionConfirm})
	if !errors.Is(err, core.ErrSurfaceUnavailable) {
		t.Fatalf("expected ErrSurfaceUnavailable, got %v", err)
	}
	if b.PendingCount() != 0 || b.CorrelationCount() != 0 {
		t.Fatal("request must never enter the pending set")
	}
	if len(s.eventsOf(core.EventHumanInteraction)) != 0 {
		t.Fatal("request must never reach the surface")
	}
}

func TestEmitFailureRejectsRequest(t *testing.T) {
	s := newFakeSurface()
	s.failEmit = errors.New("window gone")
	b := NewBroker(s, zaptest.NewLogger(t))

	_, err := b.Request(context.Background(), "task-1", "Writer", core.InteractionPayload{Kind: core.InteractionConfirm})
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if b.PendingCount() != 0 {
		t.Fatal("failed delivery must not leave a pending request")
	}
}

func TestRejectAllClearsEverything(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	b.StageToolID("task-1", "t1")
	_, out1 := startRequest(t, b, s, context.Background(), "task-1")
	_, out2 := startRequest(t, b, s, context.Background(), "task-2")
	b.StageToolID("task-3", "t3")

	b.RejectAll(core.ErrConfigReload)
	for _, ch := range []<-chan outcome{out1, out2} {
		o := waitOutcome(t, ch)
		if !errors.Is(o.err, core.ErrConfigReload) {
			t.Fatalf("expected config reload error, got %v", o.err)
		}
	}
	if b.PendingCount() != 0 || b.CorrelationCount() != 0 {
		t.Fatal("RejectAll must clear pending and correlations")
	}

	// the staged id for task-3 was dropped too
	ev, out := startRequest(t, b, s, context.Background(), "task-3")
	if ev.ToolID != "" {
		t.Fatalf("staged tool id should have been cleared, got %q", ev.ToolID)
	}
	b.RejectAll(core.ErrTasksAborted)
	waitOutcome(t, out)

	// safe with nothing pending
	b.RejectAll(core.ErrTasksAborted)
}

func TestInvalidKindRejected(t *testing.T) {
	b := NewBroker(newFakeSurface(), zaptest.NewLogger(t))
	if _, err := b.Request(context.Background(), "task-1", "Writer", core.InteractionPayload{Kind: "vote"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestPendingListsOldestFirst(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	b.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	first, out1 := startRequest(t, b, s, context.Background(), "task-1")
	second, out2 := startRequest(t, b, s, context.Background(), "task-2")
	got := b.Pending()
	if len(got) != 2 || got[0].RequestID != first.RequestID || got[1].RequestID != second.RequestID {
		t.Fatalf("unexpected pending order: %+v", got)
	}
	b.RejectAll(core.ErrTasksAborted)
	waitOutcome(t, out1)
	waitOutcome(t, out2)
}

func TestForgetDropsStagedToolID(t *testing.T) {
	s := newFakeSurface()
	b := NewBroker(s, zaptest.NewLogger(t))

	b.StageToolID("task-1", "abc")
	b.StageToolID("task-2", "def")
	b.Forget("task-1")
	if b.StagedCount() != 1 {
		t.Fatalf("expected only task-2 staged, got %d", b.StagedCount())
	}

	ev, out := startRequest(t, b, s, context.Background(), "task-1")
	if ev.ToolID != "" {
		t.Fatalf("forgotten tool id must not attach, got %q", ev.ToolID)
	}
	b.RejectAll(core.ErrTasksAborted)
	waitOutcome(t, out)

	// safe for a task with nothing staged
	b.Forget("task-9")
}
