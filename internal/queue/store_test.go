package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, Watermarks{Flash: 2, Immediate: 2, Priority: 2, Routine: 2})
}

func TestEnqueuePeekAck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	msg := Message{ID: "m1", Precedence: Flash, Status: StatusQueued, SubmittedAt: time.Unix(0, 0)}
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	depth, err := store.Depth(ctx, Flash)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d, %v, want 1", depth, err)
	}

	got, ok, err := store.Peek(ctx, Flash, time.Now())
	if err != nil || !ok {
		t.Fatalf("peek: %v, ok=%v", err, ok)
	}
	if got.ID != "m1" {
		t.Fatalf("peek id = %q, want m1", got.ID)
	}

	if err := store.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}
}

func TestFIFOWithinPartition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		if err := store.Enqueue(ctx, Message{ID: id, Precedence: Routine}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	first, ok, err := store.Peek(ctx, Routine, time.Now())
	if err != nil || !ok || first.ID != "a" {
		t.Fatalf("first peek = %+v, ok=%v, err=%v, want a", first, ok, err)
	}
	// simulate transient failure: requeue to the tail
	if err := store.Requeue(ctx, first); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	second, ok, err := store.Peek(ctx, Routine, time.Now())
	if err != nil || !ok || second.ID != "b" {
		t.Fatalf("second peek = %+v, ok=%v, err=%v, want b", second, ok, err)
	}

	third, ok, err := store.Peek(ctx, Routine, time.Now())
	if err != nil || !ok || third.ID != "a" {
		t.Fatalf("third peek = %+v, ok=%v, err=%v, want a (requeued to tail)", third, ok, err)
	}
}

func TestEnqueueRespectsWatermark(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 2; i++ {
		if err := store.Enqueue(ctx, Message{ID: string(rune('a' + i)), Precedence: Priority}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := store.Enqueue(ctx, Message{ID: "overflow", Precedence: Priority}); err == nil {
		t.Fatal("expected watermark error, got nil")
	}
}

func TestBackpressureHasReopenHysteresis(t *testing.T) {
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: mustMiniredis(t).Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := NewStore(rdb, Watermarks{Routine: 10})

	for i := 0; i < 10; i++ {
		if err := store.Enqueue(ctx, Message{ID: string(rune('a' + i)), Precedence: Routine}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := store.Enqueue(ctx, Message{ID: "refused-at-watermark", Precedence: Routine}); err == nil {
		t.Fatal("expected QUEUE_FULL at the watermark")
	}

	// Drain one message: depth 9/10 is still >= the 90% reopen line
	// (9), so the partition must stay refusing despite being under the
	// raw watermark.
	if _, _, err := store.Peek(ctx, Routine, time.Now()); err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := store.Enqueue(ctx, Message{ID: "still-refused", Precedence: Routine}); err == nil {
		t.Fatal("expected continued QUEUE_FULL inside the reopen band")
	}

	// Drain below 90% (depth 8 < 9) to clear the hysteresis band.
	if _, _, err := store.Peek(ctx, Routine, time.Now()); err != nil {
		t.Fatalf("peek: %v", err)
	}
	if err := store.Enqueue(ctx, Message{ID: "reopened", Precedence: Routine}); err != nil {
		t.Fatalf("expected enqueue to succeed once below the reopen line: %v", err)
	}
}

func mustMiniredis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr
}

func TestScanExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	past := time.Now().Add(-time.Hour)
	msg := Message{ID: "stale", Precedence: Routine, ExpiresAt: past}
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	expired, err := store.ScanExpired(ctx, Routine, time.Now())
	if err != nil {
		t.Fatalf("scan expired: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "stale" {
		t.Fatalf("expired = %+v, want [stale]", expired)
	}
}

func TestPeekHonorsNextAttemptAt(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	now := time.Now()
	msg := Message{ID: "backed-off", Precedence: Routine, NextAttemptAt: now.Add(time.Minute)}
	if err := store.Enqueue(ctx, msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	_, status, err := store.PeekStatus(ctx, Routine, now)
	if err != nil {
		t.Fatalf("peek status: %v", err)
	}
	if status != PeekNotDue {
		t.Fatalf("status = %v, want PeekNotDue", status)
	}

	depth, err := store.Depth(ctx, Routine)
	if err != nil || depth != 1 {
		t.Fatalf("depth = %d, %v, want 1 (message left queued, not moved in-flight)", depth, err)
	}

	_, ok, err := store.Peek(ctx, Routine, now.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("peek once due: %v, ok=%v", err, ok)
	}
}
