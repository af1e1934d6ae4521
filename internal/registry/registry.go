// Package registry provides sandbox record and event persistence using
// SQLite.
package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Status represents the current state of a sandbox record.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusReady        Status = "ready"
	StatusTerminated   Status = "terminated"
	StatusError        Status = "error"
)

// Sandbox is a persisted record of a provisioned sandbox.
type Sandbox struct {
	ID          string    `json:"id"`
	Provider    string    `json:"provider"`
	URL         string    `json:"url,omitempty"`
	ContainerID string    `json:"-"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Event is a single entry in a sandbox's lifecycle log.
type Event struct {
	ID        int64     `json:"id"`
	SandboxID string    `json:"sandbox_id"`
	Type      string    `json:"type"` // "status", "command", "error"
	Data      string    `json:"data"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry manages sandbox persistence in SQLite.
type Registry struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at the given path.
func Open(dbPath string) (*Registry, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL improves concurrent read/write behavior.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Registry{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sandboxes (
			id           TEXT PRIMARY KEY,
			provider     TEXT NOT NULL,
			url          TEXT NOT NULL DEFAULT '',
			container_id TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'provisioning',
			error        TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
			updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
		);

		CREATE TABLE IF NOT EXISTS sandbox_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			sandbox_id TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT (datetime('now')),
			FOREIGN KEY (sandbox_id) REFERENCES sandboxes(id)
		);

		CREATE INDEX IF NOT EXISTS idx_sandbox_events_sandbox_id
			ON sandbox_events(sandbox_id);
	`)
	return err
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Create inserts a new sandbox record.
func (r *Registry) Create(sb *Sandbox) error {
	if sb.Status == "" {
		sb.Status = StatusProvisioning
	}
	_, err := r.db.Exec(
		`INSERT INTO sandboxes (id, provider, url, container_id, status, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sb.ID, sb.Provider, sb.URL, sb.ContainerID, sb.Status, sb.Error,
		sb.CreatedAt, sb.UpdatedAt,
	)
	return err
}

// Get retrieves a sandbox record by ID.
func (r *Registry) Get(id string) (*Sandbox, error) {
	row := r.db.QueryRow(
		`SELECT id, provider, url, container_id, status, error, created_at, updated_at
		 FROM sandboxes WHERE id = ?`, id,
	)
	return scanSandbox(row)
}

// List returns all sandbox records ordered by creation time (newest first).
func (r *Registry) List() ([]*Sandbox, error) {
	rows, err := r.db.Query(
		`SELECT id, provider, url, container_id, status, error, created_at, updated_at
		 FROM sandboxes ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sandboxes []*Sandbox
	for rows.Next() {
		sb, err := scanSandbox(rows)
		if err != nil {
			return nil, err
		}
		sandboxes = append(sandboxes, sb)
	}
	return sandboxes, rows.Err()
}

// Update updates the mutable fields of a sandbox record.
func (r *Registry) Update(sb *Sandbox) error {
	sb.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(
		`UPDATE sandboxes SET url = ?, container_id = ?, status = ?, error = ?, updated_at = ?
		 WHERE id = ?`,
		sb.URL, sb.ContainerID, sb.Status, sb.Error, sb.UpdatedAt, sb.ID,
	)
	return err
}

// Touch bumps a sandbox's updated_at, marking recent activity for the
// idle reaper.
func (r *Registry) Touch(id string) error {
	_, err := r.db.Exec(
		`UPDATE sandboxes SET updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	return err
}

// AddEvent inserts a lifecycle event and fills in its ID.
func (r *Registry) AddEvent(event *Event) error {
	result, err := r.db.Exec(
		`INSERT INTO sandbox_events (sandbox_id, type, data, created_at)
		 VALUES (?, ?, ?, ?)`,
		event.SandboxID, event.Type, event.Data, event.CreatedAt,
	)
	if err != nil {
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	event.ID = id
	return nil
}

// Events returns events for a sandbox, optionally after a given event ID.
func (r *Registry) Events(sandboxID string, afterID int64) ([]*Event, error) {
	rows, err := r.db.Query(
		`SELECT id, sandbox_id, type, data, created_at
		 FROM sandbox_events
		 WHERE sandbox_id = ? AND id > ?
		 ORDER BY id ASC`,
		sandboxID, afterID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.SandboxID, &e.Type, &e.Data, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSandbox(row scannable) (*Sandbox, error) {
	sb := &Sandbox{}
	err := row.Scan(
		&sb.ID, &sb.Provider, &sb.URL, &sb.ContainerID,
		&sb.Status, &sb.Error, &sb.CreatedAt, &sb.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return sb, nil
}
