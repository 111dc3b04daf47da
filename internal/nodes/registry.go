// Package nodes tracks relay-connected node registration and liveness.
// Persistence defaults to SQLite (github.com/mattn/go-sqlite3), matching
// the audit ledger's embedded-durability story; an operator pointing
// NodesDSN at a postgres:// URL instead gets github.com/lib/pq, the
// same split the teacher's control-plane services use between an
// embedded aggregator store and a relational one.
package nodes

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Status is a node's computed liveness state.
type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
)

// Node is a registered relay endpoint.
type Node struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	LastSeen     time.Time `json:"last_seen"`
}

// Status computes CONNECTED/DISCONNECTED relative to now and threshold.
func (n Node) Status(now time.Time, threshold time.Duration) Status {
	if now.Sub(n.LastSeen) <= threshold {
		return StatusConnected
	}
	return StatusDisconnected
}

// SupportsPrecedence reports whether a node advertises the capability
// to receive messages at the given precedence. Capabilities are a
// subset of precedences per spec.md §3, not classification levels.
func (n Node) SupportsPrecedence(precedence string) bool {
	want := strings.ToUpper(precedence)
	for _, c := range n.Capabilities {
		if strings.ToUpper(c) == want {
			return true
		}
	}
	return false
}

// Registry is the durable node registration and heartbeat store.
type Registry struct {
	db     *sql.DB
	driver string
}

// Open connects to dsn, picking the sqlite3 or postgres driver based on
// its scheme, and ensures the schema exists.
func Open(dsn string) (*Registry, error) {
	driver := "sqlite3"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("nodes: open (%s): %w", driver, err)
	}
	r := &Registry{db: db, driver: driver}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS nodes (
	id TEXT PRIMARY KEY,
	capabilities TEXT NOT NULL,
	last_seen TEXT NOT NULL
)`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("nodes: migrate: %w", err)
	}
	return nil
}

func (r *Registry) placeholder(i int) string {
	if r.driver == "postgres" {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// Register upserts a node's capability declaration and heartbeat time.
func (r *Registry) Register(ctx context.Context, n Node) error {
	caps := strings.Join(n.Capabilities, ",")
	var query string
	if r.driver == "postgres" {
		query = `INSERT INTO nodes (id, capabilities, last_seen) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET capabilities = EXCLUDED.capabilities, last_seen = EXCLUDED.last_seen`
	} else {
		query = `INSERT INTO nodes (id, capabilities, last_seen) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET capabilities = excluded.capabilities, last_seen = excluded.last_seen`
	}
	_, err := r.db.ExecContext(ctx, query, n.ID, caps, n.LastSeen.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("nodes: register: %w", err)
	}
	return nil
}

// Heartbeat bumps a registered node's last-seen time to now.
func (r *Registry) Heartbeat(ctx context.Context, id string, now time.Time) error {
	query := "UPDATE nodes SET last_seen = " + r.placeholder(1) + " WHERE id = " + r.placeholder(2)
	res, err := r.db.ExecContext(ctx, query, now.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("nodes: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("nodes: heartbeat rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("nodes: heartbeat: node %s not registered", id)
	}
	return nil
}

// Get loads a single node by ID.
func (r *Registry) Get(ctx context.Context, id string) (Node, error) {
	query := "SELECT id, capabilities, last_seen FROM nodes WHERE id = " + r.placeholder(1)
	row := r.db.QueryRowContext(ctx, query, id)
	return scanNode(row)
}

// List returns every registered node.
func (r *Registry) List(ctx context.Context) ([]Node, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT id, capabilities, last_seen FROM nodes ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("nodes: list: %w", err)
	}
	defer rows.Close()

	var out []Node
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanNode(row scanner) (Node, error) {
	var id, caps, lastSeen string
	if err := row.Scan(&id, &caps, &lastSeen); err != nil {
		return Node{}, fmt.Errorf("nodes: scan: %w", err)
	}
	return toNode(id, caps, lastSeen)
}

func scanNodeRows(rows *sql.Rows) (Node, error) {
	var id, caps, lastSeen string
	if err := rows.Scan(&id, &caps, &lastSeen); err != nil {
		return Node{}, fmt.Errorf("nodes: scan: %w", err)
	}
	return toNode(id, caps, lastSeen)
}

func toNode(id, caps, lastSeen string) (Node, error) {
	ts, err := time.Parse(time.RFC3339Nano, lastSeen)
	if err != nil {
		return Node{}, fmt.Errorf("nodes: parse last_seen: %w", err)
	}
	var capsList []string
	if caps != "" {
		capsList = strings.Split(caps, ",")
	}
	return Node{ID: id, Capabilities: capsList, LastSeen: ts}, nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}
