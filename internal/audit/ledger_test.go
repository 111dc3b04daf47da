package audit

import (
	"context"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open("file::memory:?cache=shared&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	ev := Event{ID: "e1", Type: EventMessageSubmitted, Timestamp: time.Now(), MessageID: "m1"}
	if err := l.Append(ctx, ev); err != nil {
		t.Fatalf("append 1: %v", err)
	}
	if err := l.Append(ctx, ev); err != nil {
		t.Fatalf("append 2 (idempotent retry): %v", err)
	}

	events, err := l.Query(ctx, Query{Type: EventMessageSubmitted})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (idempotent append)", len(events))
	}
}

func TestQueryFiltersByControlFamily(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	events := []Event{
		{ID: "a", Type: EventAuthSuccess, Timestamp: time.Now(), Actor: Actor{NodeID: "n1"}},
		{ID: "b", Type: EventMessageSubmitted, Timestamp: time.Now(), Actor: Actor{NodeID: "n1"}},
	}
	for _, ev := range events {
		if err := l.Append(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", ev.ID, err)
		}
	}

	got, err := l.Query(ctx, Query{ControlFamily: FamilyIA})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("got %+v, want [a]", got)
	}
}

func TestQueryOrdersByTimestamp(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	base := time.Now()
	later := Event{ID: "later", Type: EventMessageSubmitted, Timestamp: base.Add(time.Minute)}
	earlier := Event{ID: "earlier", Type: EventMessageSubmitted, Timestamp: base}
	if err := l.Append(ctx, later); err != nil {
		t.Fatalf("append later: %v", err)
	}
	if err := l.Append(ctx, earlier); err != nil {
		t.Fatalf("append earlier: %v", err)
	}

	got, err := l.Query(ctx, Query{Type: EventMessageSubmitted})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != "later" || got[1].ID != "earlier" {
		t.Fatalf("got %+v, want [later, earlier] (newest first)", got)
	}
}
