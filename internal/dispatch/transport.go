package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tacedge/relay/internal/queue"
)

// Transport delivers a message to its recipient node. Implementations
// wrap whatever actual node link the deployment uses (HTTP, a message
// bus, a simulated sink in tests).
type Transport interface {
	Deliver(ctx context.Context, msg queue.Message) error
}

// BreakerTransport wraps a Transport with a per-node circuit breaker
// (github.com/sony/gobreaker), so a node stuck failing deliveries stops
// absorbing dispatch attempts from every other precedence partition.
type BreakerTransport struct {
	inner    Transport
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerTransport wraps inner with per-recipient circuit breakers.
func NewBreakerTransport(inner Transport) *BreakerTransport {
	return &BreakerTransport{inner: inner, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (t *BreakerTransport) breakerFor(recipient string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.breakers[recipient]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "node:" + recipient,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[recipient] = b
	return b
}

// Deliver routes msg through the circuit breaker for its recipient.
func (t *BreakerTransport) Deliver(ctx context.Context, msg queue.Message) error {
	b := t.breakerFor(msg.Recipient)
	_, err := b.Execute(func() (any, error) {
		return nil, t.inner.Deliver(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("dispatch: deliver to %s: %w", msg.Recipient, err)
	}
	return nil
}
