// Package queue implements the precedence-partitioned durable store
// for submitted messages, adapted from the teacher's pkg/queue
// Envelope/Producer/Consumer contracts (pkg/queue/queue.go,
// consumer.go, dlq.go) but backed by Redis lists
// (github.com/redis/go-redis/v9) instead of the teacher's in-memory
// channel queues, per the durable-FIFO requirement.
package queue

import "time"

// Precedence orders message urgency. Larger values dispatch first.
type Precedence int

const (
	Routine Precedence = iota
	Priority
	Immediate
	Flash
)

// String renders the precedence the way the wire schema spells it.
func (p Precedence) String() string {
	switch p {
	case Flash:
		return "FLASH"
	case Immediate:
		return "IMMEDIATE"
	case Priority:
		return "PRIORITY"
	default:
		return "ROUTINE"
	}
}

// ParsePrecedence parses the wire spelling back into a Precedence.
func ParsePrecedence(s string) (Precedence, bool) {
	switch s {
	case "FLASH":
		return Flash, true
	case "IMMEDIATE":
		return Immediate, true
	case "PRIORITY":
		return Priority, true
	case "ROUTINE":
		return Routine, true
	default:
		return 0, false
	}
}

// classificationRank orders the four classification labels spec.md §3
// defines, lowest first, so a caller's classification_level ceiling
// can be compared against a message's classification with <=.
var classificationRank = map[string]int{
	"UNCLASSIFIED": 0,
	"CONFIDENTIAL": 1,
	"SECRET":       2,
	"TOP_SECRET":   3,
}

// ValidClassification reports whether s is one of the four labels
// spec.md §3 defines.
func ValidClassification(s string) bool {
	_, ok := classificationRank[s]
	return ok
}

// ClassificationAllowed reports whether a caller whose token ceiling is
// ceiling may access content classified at level. An unrecognized
// ceiling or level is never allowed.
func ClassificationAllowed(level, ceiling string) bool {
	lr, ok := classificationRank[level]
	if !ok {
		return false
	}
	cr, ok := classificationRank[ceiling]
	if !ok {
		return false
	}
	return lr <= cr
}

// Status is the submission state machine's current state.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusInFlight Status = "IN_FLIGHT"
	StatusDelivered Status = "DELIVERED"
	StatusFailed   Status = "FAILED"
	StatusExpired  Status = "EXPIRED"
)

// Message is a submitted message moving through the relay.
type Message struct {
	ID            string     `json:"id"`
	Precedence    Precedence `json:"precedence"`
	Classification string    `json:"classification"`
	Sender        string     `json:"sender"`
	Recipient     string     `json:"recipient"`
	SealedPayload string     `json:"sealed_payload"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	TTLSeconds    int        `json:"ttl_seconds"`
	ExpiresAt     time.Time  `json:"expires_at"`
	Status        Status     `json:"status"`
	AttemptCount  int        `json:"attempt_count"`
	NextAttemptAt time.Time  `json:"next_attempt_at"`
}

// Expired reports whether the message's TTL has elapsed as of now.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// AllPrecedences lists precedences in strict dispatch order,
// highest first: FLASH, IMMEDIATE, PRIORITY, ROUTINE.
func AllPrecedences() []Precedence {
	return []Precedence{Flash, Immediate, Priority, Routine}
}
