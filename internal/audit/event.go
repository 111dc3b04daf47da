// Package audit implements the append-only audit trail required by
// every NIST 800-53 control family the relay touches (AC, AU, IA, SC,
// SI). The append-only contract follows the teacher's
// services/audit/internal/ledger append-only store; persistence moves
// from the teacher's in-memory slice to SQLite
// (github.com/mattn/go-sqlite3) via database/sql, since the relay must
// survive a process restart without losing the trail.
package audit

import "time"

// ControlFamily is a NIST 800-53 control family relevant to an event.
type ControlFamily string

const (
	FamilyAC ControlFamily = "AC" // Access Control
	FamilyAU ControlFamily = "AU" // Audit & Accountability
	FamilyIA ControlFamily = "IA" // Identification & Authentication
	FamilySC ControlFamily = "SC" // System & Communications Protection
	FamilySI ControlFamily = "SI" // System & Information Integrity
)

// EventType enumerates the catalog of auditable occurrences.
type EventType string

const (
	EventMessageSubmitted  EventType = "MESSAGE_SUBMITTED"
	EventMessageDelivered  EventType = "MESSAGE_DELIVERED"
	EventMessageFailed     EventType = "MESSAGE_FAILED"
	EventMessageExpired    EventType = "MESSAGE_EXPIRED"
	EventMessageAcked      EventType = "MESSAGE_ACKED"
	EventContentAccessed   EventType = "CONTENT_ACCESSED"
	EventEncrypt           EventType = "ENCRYPT"
	EventIntegrityCheck    EventType = "INTEGRITY_CHECK"
	EventAuthSuccess       EventType = "AUTH_SUCCESS"
	EventAuthFailure       EventType = "AUTH_FAILURE"
	EventPermissionDenied  EventType = "PERMISSION_DENIED"
	EventNodeRegistered    EventType = "NODE_REGISTERED"
	EventNodeStatusChanged EventType = "NODE_STATUS_CHANGED"
	EventRateLimited       EventType = "RATE_LIMITED"
)

// familyFor maps each event type to its primary control family. Some
// events legitimately touch more than one family; this returns the one
// the event's existence is fundamentally about.
var familyFor = map[EventType]ControlFamily{
	EventMessageSubmitted:  FamilyAU,
	EventMessageDelivered:  FamilyAU,
	EventMessageFailed:     FamilyAU,
	EventMessageExpired:    FamilyAU,
	EventMessageAcked:      FamilyAU,
	EventContentAccessed:   FamilyAC,
	EventEncrypt:           FamilySC,
	EventIntegrityCheck:    FamilySC,
	EventAuthSuccess:       FamilyIA,
	EventAuthFailure:       FamilyIA,
	EventPermissionDenied:  FamilyAC,
	EventNodeRegistered:    FamilyAC,
	EventNodeStatusChanged: FamilyAC,
	EventRateLimited:       FamilyAC,
}

// FamilyFor returns the control family associated with an event type,
// defaulting to SI (system integrity) for anything uncatalogued.
func FamilyFor(t EventType) ControlFamily {
	if f, ok := familyFor[t]; ok {
		return f
	}
	return FamilySI
}

// Actor identifies who or what caused an event.
type Actor struct {
	NodeID string `json:"node_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

// Event is a single immutable audit record.
type Event struct {
	ID            string                 `json:"id"`
	Type          EventType              `json:"type"`
	ControlFamily ControlFamily          `json:"control_family"`
	Actor         Actor                  `json:"actor"`
	MessageID     string                 `json:"message_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Detail        map[string]string      `json:"detail,omitempty"`
}
