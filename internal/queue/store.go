package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tacedge/relay/internal/apierr"
)

// reopenFraction is the hysteresis band spec.md §5 requires: once a
// partition hits its watermark and starts refusing QUEUE_FULL, it stays
// refusing until depth drops below this fraction of the watermark, so a
// producer/consumer pair sitting right at the line doesn't flap.
const reopenFraction = 0.9

// Watermarks bounds how many queued messages each precedence partition
// may hold before Enqueue starts refusing with apierr.QueueFull.
type Watermarks struct {
	Flash     int
	Immediate int
	Priority  int
	Routine   int
}

func (w Watermarks) forPrecedence(p Precedence) int {
	switch p {
	case Flash:
		return w.Flash
	case Immediate:
		return w.Immediate
	case Priority:
		return w.Priority
	default:
		return w.Routine
	}
}

// Store is the durable, precedence-partitioned message queue. Each
// precedence has its own Redis list holding message IDs in FIFO order;
// message bodies live in a single hash keyed by ID, so moving a message
// between lists only moves its ID.
type Store struct {
	rdb        *redis.Client
	watermarks Watermarks
	keyPrefix  string

	mu   sync.Mutex
	full map[Precedence]bool
}

// NewStore wires a Store to an existing Redis client.
func NewStore(rdb *redis.Client, watermarks Watermarks) *Store {
	return &Store{
		rdb:        rdb,
		watermarks: watermarks,
		keyPrefix:  "tacedge:queue",
		full:       make(map[Precedence]bool),
	}
}

// backpressured applies the watermark check plus its reopen
// hysteresis and records the resulting state for p.
func (s *Store) backpressured(p Precedence, depth, limit int) bool {
	reopenAt := int(float64(limit) * reopenFraction)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full[p] {
		if depth < reopenAt {
			s.full[p] = false
			return false
		}
		return true
	}
	if depth >= limit {
		s.full[p] = true
		return true
	}
	return false
}

func (s *Store) listKey(p Precedence) string {
	return fmt.Sprintf("%s:%s", s.keyPrefix, p.String())
}

func (s *Store) inflightKey(p Precedence) string {
	return fmt.Sprintf("%s:%s:inflight", s.keyPrefix, p.String())
}

func (s *Store) bodiesKey() string {
	return s.keyPrefix + ":bodies"
}

// Depth returns the number of queued (not in-flight) messages for p.
func (s *Store) Depth(ctx context.Context, p Precedence) (int64, error) {
	return s.rdb.LLen(ctx, s.listKey(p)).Result()
}

// Depths returns queued depth for every precedence, keyed by precedence.
func (s *Store) Depths(ctx context.Context) (map[Precedence]int64, error) {
	out := make(map[Precedence]int64, 4)
	for _, p := range AllPrecedences() {
		d, err := s.Depth(ctx, p)
		if err != nil {
			return nil, err
		}
		out[p] = d
	}
	return out, nil
}

// Enqueue durably stores msg and appends its ID to the tail of its
// precedence partition, refusing with apierr.QueueFull once the
// partition's watermark is reached. Backpressure has hysteresis: a
// partition that trips QUEUE_FULL keeps refusing until depth drops
// below reopenFraction of the watermark, per spec.md §5, instead of
// flapping open/closed on every message that crosses the exact line.
func (s *Store) Enqueue(ctx context.Context, msg Message) error {
	depth, err := s.Depth(ctx, msg.Precedence)
	if err != nil {
		return fmt.Errorf("queue: check depth: %w", err)
	}
	limit := s.watermarks.forPrecedence(msg.Precedence)
	if limit > 0 && s.backpressured(msg.Precedence, int(depth), limit) {
		return apierr.New(apierr.QueueFull, "precedence partition watermark exceeded").
			WithDetail("precedence", msg.Precedence.String())
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, s.bodiesKey(), msg.ID, body)
	pipe.RPush(ctx, s.listKey(msg.Precedence), msg.ID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Peek pops the head message ID of a partition and moves it to that
// partition's in-flight list, returning the full message body. Callers
// must follow with Ack, Requeue, or Reject. Returns (Message{}, false,
// nil) both when the partition is empty and when the head message's
// NextAttemptAt is still in the future (a backed-off retry not yet
// due) — callers that only care "is there work to do right now" treat
// these identically, and PeekStatus distinguishes the two when needed.
func (s *Store) Peek(ctx context.Context, p Precedence, now time.Time) (Message, bool, error) {
	msg, status, err := s.PeekStatus(ctx, p, now)
	return msg, status == PeekReady, err
}

// PeekHeadStatus reports why a partition did not yield a ready message.
type PeekHeadStatus int

const (
	// PeekReady indicates a message was popped and moved to in-flight.
	PeekReady PeekHeadStatus = iota
	// PeekEmpty indicates the partition has no queued messages at all.
	PeekEmpty
	// PeekNotDue indicates the head message exists but its
	// NextAttemptAt has not yet elapsed; the partition is left
	// untouched so FIFO order within it is preserved for the next call.
	PeekNotDue
)

// PeekStatus is Peek plus the reason a message wasn't returned, so
// dispatch.nextBatch can stop draining a partition once its head is
// merely not due yet, rather than treating that the same as "drained".
func (s *Store) PeekStatus(ctx context.Context, p Precedence, now time.Time) (Message, PeekHeadStatus, error) {
	headID, err := s.rdb.LIndex(ctx, s.listKey(p), 0).Result()
	if err == redis.Nil {
		return Message{}, PeekEmpty, nil
	}
	if err != nil {
		return Message{}, PeekEmpty, fmt.Errorf("queue: peek head: %w", err)
	}
	head, err := s.loadBody(ctx, headID)
	if err != nil {
		return Message{}, PeekEmpty, err
	}
	if !head.NextAttemptAt.IsZero() && head.NextAttemptAt.After(now) {
		return Message{}, PeekNotDue, nil
	}

	id, err := s.rdb.LMove(ctx, s.listKey(p), s.inflightKey(p), "LEFT", "RIGHT").Result()
	if err == redis.Nil {
		return Message{}, PeekEmpty, nil
	}
	if err != nil {
		return Message{}, PeekEmpty, fmt.Errorf("queue: peek: %w", err)
	}
	msg := head
	if id != headID {
		// Another drainer raced us between LIndex and LMove; reload
		// whichever message actually moved.
		msg, err = s.loadBody(ctx, id)
		if err != nil {
			return Message{}, PeekEmpty, err
		}
	}
	return msg, PeekReady, nil
}

func (s *Store) loadBody(ctx context.Context, id string) (Message, error) {
	raw, err := s.rdb.HGet(ctx, s.bodiesKey(), id).Result()
	if err != nil {
		return Message{}, fmt.Errorf("queue: load body %s: %w", id, err)
	}
	var msg Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return Message{}, fmt.Errorf("queue: unmarshal body %s: %w", id, err)
	}
	return msg, nil
}

func (s *Store) saveBody(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: marshal message: %w", err)
	}
	return s.rdb.HSet(ctx, s.bodiesKey(), msg.ID, body).Err()
}

// Ack marks msg delivered, removing it from its in-flight list.
func (s *Store) Ack(ctx context.Context, msg Message) error {
	msg.Status = StatusDelivered
	if err := s.saveBody(ctx, msg); err != nil {
		return err
	}
	return s.rdb.LRem(ctx, s.inflightKey(msg.Precedence), 1, msg.ID).Err()
}

// Requeue returns msg to the tail of its partition for a later retry
// attempt, removing it from the in-flight list first.
func (s *Store) Requeue(ctx context.Context, msg Message) error {
	if err := s.saveBody(ctx, msg); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.LRem(ctx, s.inflightKey(msg.Precedence), 1, msg.ID)
	pipe.RPush(ctx, s.listKey(msg.Precedence), msg.ID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: requeue: %w", err)
	}
	return nil
}

// Reject removes msg from its in-flight list permanently, marking it
// with the given terminal status (FAILED or EXPIRED).
func (s *Store) Reject(ctx context.Context, msg Message, status Status) error {
	msg.Status = status
	if err := s.saveBody(ctx, msg); err != nil {
		return err
	}
	return s.rdb.LRem(ctx, s.inflightKey(msg.Precedence), 1, msg.ID).Err()
}

// ScanExpired walks every in-flight and queued list for p, returning
// messages whose TTL has elapsed as of now. It does not mutate state;
// callers apply Reject with StatusExpired for each result.
func (s *Store) ScanExpired(ctx context.Context, p Precedence, now time.Time) ([]Message, error) {
	ids, err := s.rdb.LRange(ctx, s.listKey(p), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan expired list: %w", err)
	}
	inflightIDs, err := s.rdb.LRange(ctx, s.inflightKey(p), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: scan expired inflight: %w", err)
	}
	ids = append(ids, inflightIDs...)

	var expired []Message
	for _, id := range ids {
		msg, err := s.loadBody(ctx, id)
		if err != nil {
			continue
		}
		if msg.Expired(now) {
			expired = append(expired, msg)
		}
	}
	return expired, nil
}

// Get loads a single message by ID regardless of which list it is in.
func (s *Store) Get(ctx context.Context, id string) (Message, error) {
	return s.loadBody(ctx, id)
}

// RemoveFromQueue drops id from a partition's queued list without
// moving it to in-flight; used when expiring a message still waiting
// for dispatch.
func (s *Store) RemoveFromQueue(ctx context.Context, p Precedence, id string) error {
	return s.rdb.LRem(ctx, s.listKey(p), 1, id).Err()
}

// RemoveFromInflight drops id from a partition's in-flight list without
// requeueing; used when expiring a message mid-delivery.
func (s *Store) RemoveFromInflight(ctx context.Context, p Precedence, id string) error {
	return s.rdb.LRem(ctx, s.inflightKey(p), 1, id).Err()
}
