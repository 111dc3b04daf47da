// Package dispatch implements the strict-priority drain loop that
// moves messages out of the precedence queue and onto node transport,
// adapted from the teacher's pkg/queue Runner/RetryPolicy worker loop
// (pkg/queue/consumer.go) generalized from a single queue to four
// precedence partitions drained in FLASH, IMMEDIATE, PRIORITY, ROUTINE
// order. Concurrent delivery within a partition uses
// golang.org/x/sync/errgroup, the coordination primitive the retrieval
// pack's kubernaut reaches for.
package dispatch

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tacedge/relay/internal/audit"
	"github.com/tacedge/relay/internal/nodes"
	"github.com/tacedge/relay/internal/queue"
	"github.com/tacedge/relay/internal/telemetry"
)

// Config bounds the dispatcher's pacing and retry policy.
type Config struct {
	Tick               time.Duration
	MaxAttempts        int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	AttemptTimeoutFlash time.Duration
	AttemptTimeoutOther time.Duration
	Concurrency        int
}

// Dispatcher drains the precedence queue against node transport.
type Dispatcher struct {
	store     *queue.Store
	transport Transport
	registry  *nodes.Registry
	ledger    *audit.Ledger
	logger    *telemetry.Logger
	meter     telemetry.Meter
	cfg       Config

	kick chan struct{}
}

// New builds a Dispatcher. logger/meter may be telemetry.Nop()/NopMeter{}.
func New(store *queue.Store, transport Transport, registry *nodes.Registry, ledger *audit.Ledger, logger *telemetry.Logger, meter telemetry.Meter, cfg Config) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		registry:  registry,
		ledger:    ledger,
		logger:    logger,
		meter:     meter,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
	}
}

// Kick wakes the loop immediately, used when a FLASH message is
// enqueued so it need not wait for the next regular tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.Tick)
	defer ticker.Stop()

	for {
		if err := d.drainCycle(ctx); err != nil {
			d.logger.Error(ctx, "dispatch cycle failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-d.kick:
		}
	}
}

// drainCycle runs one expiry sweep on each precedence partition and then
// fully drains it, highest first, before moving to the next.
func (d *Dispatcher) drainCycle(ctx context.Context) error {
	for _, p := range queue.AllPrecedences() {
		if err := d.expireStale(ctx, p); err != nil {
			d.logger.Warn(ctx, "expiry sweep failed", map[string]any{"precedence": p.String(), "error": err.Error()})
		}
		if err := d.drainPrecedence(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) drainPrecedence(ctx context.Context, p queue.Precedence) error {
	for {
		batch, err := d.nextBatch(ctx, p)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.cfg.Concurrency)
		for _, msg := range batch {
			msg := msg
			g.Go(func() error {
				d.attempt(gctx, msg)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) nextBatch(ctx context.Context, p queue.Precedence) ([]queue.Message, error) {
	var batch []queue.Message
	for len(batch) < d.cfg.Concurrency {
		msg, status, err := d.store.PeekStatus(ctx, p, time.Now())
		if err != nil {
			return nil, err
		}
		if status != queue.PeekReady {
			// Both an empty partition and a not-yet-due head stop batch
			// building here; PeekNotDue additionally means the head is
			// still sitting at the front of the list, honoring backoff
			// instead of being immediately re-peeked next cycle.
			break
		}
		batch = append(batch, msg)
	}
	return batch, nil
}

func (d *Dispatcher) attempt(ctx context.Context, msg queue.Message) {
	now := time.Now()
	if msg.Expired(now) {
		d.expire(ctx, msg)
		return
	}

	if d.registry != nil {
		if node, err := d.registry.Get(ctx, msg.Recipient); err == nil {
			if !node.SupportsPrecedence(msg.Precedence.String()) {
				d.reject(ctx, msg, "recipient lacks required precedence capability")
				return
			}
		}
	}

	timeout := d.cfg.AttemptTimeoutOther
	if msg.Precedence == queue.Flash {
		timeout = d.cfg.AttemptTimeoutFlash
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg.AttemptCount++
	msg.Status = queue.StatusInFlight

	err := d.transport.Deliver(attemptCtx, msg)
	if err == nil {
		if ackErr := d.store.Ack(ctx, msg); ackErr != nil {
			d.logger.Error(ctx, "ack failed", map[string]any{"message_id": msg.ID, "error": ackErr.Error()})
			return
		}
		d.meter.IncCounter("messages_delivered_total", 1, telemetry.Labels{"precedence": msg.Precedence.String()})
		d.audit(ctx, audit.EventMessageDelivered, msg, nil)
		return
	}

	d.meter.IncCounter("delivery_attempts_failed_total", 1, telemetry.Labels{"precedence": msg.Precedence.String()})

	if msg.AttemptCount >= d.cfg.MaxAttempts {
		d.reject(ctx, msg, "delivery attempts exhausted")
		return
	}

	msg.NextAttemptAt = now.Add(d.backoff(msg.AttemptCount - 1))
	msg.Status = queue.StatusQueued
	if reqErr := d.store.Requeue(ctx, msg); reqErr != nil {
		d.logger.Error(ctx, "requeue failed", map[string]any{"message_id": msg.ID, "error": reqErr.Error()})
		return
	}
	d.audit(ctx, audit.EventMessageFailed, msg, map[string]string{
		"reason":        err.Error(),
		"attempt_count": itoa(msg.AttemptCount),
		"terminal":      "false",
	})
}

func (d *Dispatcher) reject(ctx context.Context, msg queue.Message, reason string) {
	msg.Status = queue.StatusFailed
	if err := d.store.Reject(ctx, msg, queue.StatusFailed); err != nil {
		d.logger.Error(ctx, "reject failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
		return
	}
	d.audit(ctx, audit.EventMessageFailed, msg, map[string]string{"reason": reason, "terminal": "true"})
}

func (d *Dispatcher) expire(ctx context.Context, msg queue.Message) {
	if err := d.store.Reject(ctx, msg, queue.StatusExpired); err != nil {
		d.logger.Error(ctx, "expire failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
		return
	}
	d.audit(ctx, audit.EventMessageExpired, msg, nil)
}

// expireStale finds and rejects any message whose TTL has elapsed
// without ever being picked up in an attempt.
func (d *Dispatcher) expireStale(ctx context.Context, p queue.Precedence) error {
	expired, err := d.store.ScanExpired(ctx, p, time.Now())
	if err != nil {
		return err
	}
	for _, msg := range expired {
		if msg.Status == queue.StatusExpired {
			continue
		}
		if rmErr := d.store.RemoveFromQueue(ctx, p, msg.ID); rmErr != nil {
			d.logger.Warn(ctx, "remove expired from queue failed", map[string]any{"message_id": msg.ID, "error": rmErr.Error()})
		}
		if rmErr := d.store.RemoveFromInflight(ctx, p, msg.ID); rmErr != nil {
			d.logger.Warn(ctx, "remove expired from inflight failed", map[string]any{"message_id": msg.ID, "error": rmErr.Error()})
		}
		d.expire(ctx, msg)
	}
	return nil
}

// backoff returns min(base*2^attempt, max), the retry policy from
// spec.md's error handling design, where attempt counts the attempts
// made before the one that just failed.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BackoffBase
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	return delay
}

func (d *Dispatcher) audit(ctx context.Context, eventType audit.EventType, msg queue.Message, detail map[string]string) {
	if d.ledger == nil {
		return
	}
	ev := audit.Event{
		ID:        msg.ID + ":" + string(eventType) + ":" + itoa(msg.AttemptCount),
		Type:      eventType,
		MessageID: msg.ID,
		Timestamp: time.Now(),
		Detail:    detail,
		Actor:     audit.Actor{NodeID: msg.Recipient},
	}
	if err := d.ledger.Append(ctx, ev); err != nil {
		d.logger.Error(ctx, "audit append failed", map[string]any{"message_id": msg.ID, "error": err.Error()})
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
