package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *captureEmitter) Emit(_ context.Context, evt Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *captureEmitter) last(t *testing.T) Event {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		t.Fatal("no events captured")
	}
	return c.events[len(c.events)-1]
}

func TestEmitFillsEnvelope(t *testing.T) {
	sink := &captureEmitter{}
	Emit(context.Background(), sink, Event{Type: "identity.login", Result: ResultSuccess})

	evt := sink.last(t)
	if evt.ID == "" {
		t.Fatal("event id must be assigned")
	}
	if evt.At.IsZero() {
		t.Fatal("event timestamp must be assigned")
	}
	if evt.CorrelationID == "" {
		t.Fatal("correlation id must be assigned")
	}
	if evt.Type != "identity.login" || evt.Result != ResultSuccess {
		t.Fatalf("event = %+v", evt)
	}
}

func TestEmitPreservesCallerEnvelope(t *testing.T) {
	sink := &captureEmitter{}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	Emit(context.Background(), sink, Event{
		ID:            "evt-1",
		Type:          "trial.provision",
		At:            at,
		CorrelationID: "corr-1",
		Result:        ResultFailure,
		Reason:        "expired",
	})

	evt := sink.last(t)
	if evt.ID != "evt-1" || !evt.At.Equal(at) || evt.CorrelationID != "corr-1" {
		t.Fatalf("caller-supplied envelope was overwritten: %+v", evt)
	}
}

func TestEmitUsesContextCorrelationID(t *testing.T) {
	sink := &captureEmitter{}
	ctx := WithCorrelationID(context.Background(), "req-42")
	Emit(ctx, sink, Event{Type: "invitation.create", Result: ResultSuccess})

	if evt := sink.last(t); evt.CorrelationID != "req-42" {
		t.Fatalf("correlation id = %q, want req-42", evt.CorrelationID)
	}
}

func TestEmitSurvivesCancelledContext(t *testing.T) {
	sink := &captureEmitter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	Emit(ctx, sink, Event{Type: "identity.login", Result: ResultSuccess})

	if evt := sink.last(t); evt.Type != "identity.login" {
		t.Fatalf("event = %+v", evt)
	}
}

func TestEmitToleratesFailingEmitter(t *testing.T) {
	sink := &captureEmitter{err: errors.New("sink down")}
	// Must not panic and must not propagate the error to the caller.
	Emit(context.Background(), sink, Event{Type: "identity.login", Result: ResultSuccess})
}

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx := WithCorrelationID(context.Background(), "abc")
	if got := CorrelationIDFromContext(ctx); got != "abc" {
		t.Fatalf("got %q, want abc", got)
	}
	// Blank ids are not stored.
	ctx = WithCorrelationID(context.Background(), "  ")
	if got := CorrelationIDFromContext(ctx); got == "" || got == "  " {
		t.Fatalf("blank id must be replaced, got %q", got)
	}
}
