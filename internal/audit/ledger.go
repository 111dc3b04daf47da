package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger is the append-only, durable audit store. Idempotent append
// (same event ID twice is a no-op, not an error) follows the teacher's
// append-only ledger contract.
type Ledger struct {
	db *sql.DB
}

// Open connects to a SQLite database at dsn and ensures the schema
// exists. Use "file::memory:?cache=shared" for tests.
func Open(dsn string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers; avoid lock contention
	l := &Ledger{db: db}
	if err := l.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	control_family TEXT NOT NULL,
	node_id TEXT,
	user_id TEXT,
	role TEXT,
	message_id TEXT,
	timestamp TEXT NOT NULL,
	detail TEXT
);
CREATE INDEX IF NOT EXISTS idx_audit_family ON audit_events(control_family);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_events(type);
CREATE INDEX IF NOT EXISTS idx_audit_node ON audit_events(node_id);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(timestamp);
`
	_, err := l.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("audit: migrate: %w", err)
	}
	return nil
}

// Append durably records ev. Appending the same ID twice is idempotent:
// the second call succeeds without modifying the stored record.
func (l *Ledger) Append(ctx context.Context, ev Event) error {
	if ev.ControlFamily == "" {
		ev.ControlFamily = FamilyFor(ev.Type)
	}
	var detail []byte
	if len(ev.Detail) > 0 {
		var err error
		detail, err = json.Marshal(ev.Detail)
		if err != nil {
			return fmt.Errorf("audit: marshal detail: %w", err)
		}
	}
	_, err := l.db.ExecContext(ctx, `
INSERT INTO audit_events (id, type, control_family, node_id, user_id, role, message_id, timestamp, detail)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		ev.ID, string(ev.Type), string(ev.ControlFamily),
		ev.Actor.NodeID, ev.Actor.UserID, ev.Actor.Role,
		ev.MessageID, ev.Timestamp.UTC().Format(time.RFC3339Nano), string(detail))
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

// Query filters events by zero or more criteria, ordered newest first
// per spec.md §4.1's non-increasing timestamp guarantee. Zero-value
// fields are treated as "don't filter on this".
type Query struct {
	ControlFamily ControlFamily
	Type          EventType
	NodeID        string
	Since         time.Time
	Until         time.Time
	Limit         int
}

// Query returns events matching q.
func (l *Ledger) Query(ctx context.Context, q Query) ([]Event, error) {
	var (
		clauses []string
		args    []any
	)
	if q.ControlFamily != "" {
		clauses = append(clauses, "control_family = ?")
		args = append(args, string(q.ControlFamily))
	}
	if q.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, string(q.Type))
	}
	if q.NodeID != "" {
		clauses = append(clauses, "node_id = ?")
		args = append(args, q.NodeID)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, q.Since.UTC().Format(time.RFC3339Nano))
	}
	if !q.Until.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, q.Until.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT id, type, control_family, node_id, user_id, role, message_id, timestamp, detail FROM audit_events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	// event_id tiebreaker makes the order deterministic for events that
	// share a timestamp (RFC3339Nano still collides under heavy concurrent
	// append load on some platforms' clocks).
	query += " ORDER BY timestamp DESC, id DESC"
	limit := q.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += fmt.Sprintf(" LIMIT %d", limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev                               Event
			nodeID, userID, role, msgID, det sql.NullString
			ts                                string
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.ControlFamily, &nodeID, &userID, &role, &msgID, &ts, &det); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		ev.Actor = Actor{NodeID: nodeID.String, UserID: userID.String, Role: role.String}
		ev.MessageID = msgID.String
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("audit: parse timestamp: %w", err)
		}
		ev.Timestamp = parsed
		if det.Valid && det.String != "" {
			if err := json.Unmarshal([]byte(det.String), &ev.Detail); err != nil {
				return nil, fmt.Errorf("audit: unmarshal detail: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}
