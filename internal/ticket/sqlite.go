package ticket

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/foreman-io/foreman/internal/resolver"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// SQLiteStore implements Store on an embedded sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	prefix string
}

// NewSQLiteStore opens (creating if needed) the database at path.
// prefix names the ticket id namespace, e.g. "APP" yields APP-001.
func NewSQLiteStore(path, prefix string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ticket: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ticket: enable WAL: %w", err)
	}
	s := &SQLiteStore{db: db, prefix: prefix}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS tickets (
	id                  TEXT PRIMARY KEY,
	seq                 INTEGER NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT NOT NULL DEFAULT '',
	type                TEXT NOT NULL,
	status              TEXT NOT NULL,
	priority            TEXT NOT NULL,
	assigned_role       TEXT NOT NULL DEFAULT '',
	parent_ticket       TEXT NOT NULL DEFAULT '',
	dependencies        TEXT NOT NULL DEFAULT '[]',
	acceptance_criteria TEXT NOT NULL DEFAULT '[]',
	complexity          TEXT NOT NULL DEFAULT '',
	team_mode           TEXT NOT NULL DEFAULT '',
	team_template       TEXT NOT NULL DEFAULT '',
	team_id             TEXT NOT NULL DEFAULT '',
	agent_output        TEXT NOT NULL DEFAULT '',
	review_notes        TEXT NOT NULL DEFAULT '',
	files_touched       TEXT NOT NULL DEFAULT '[]',
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	completed_at        TEXT
);
CREATE TABLE IF NOT EXISTS teams (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL,
	ticket_id    TEXT NOT NULL,
	template     TEXT NOT NULL DEFAULT '',
	members      TEXT NOT NULL DEFAULT '[]',
	lead         TEXT NOT NULL DEFAULT '',
	mode         TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT
);
CREATE TABLE IF NOT EXISTS team_messages (
	id        TEXT NOT NULL,
	team_id   TEXT NOT NULL,
	seq       INTEGER NOT NULL,
	from_role TEXT NOT NULL,
	to_role   TEXT NOT NULL,
	type      TEXT NOT NULL,
	body      TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	read_by   TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (team_id, id)
);
CREATE TABLE IF NOT EXISTS shared_context (
	team_id    TEXT PRIMARY KEY,
	decisions  TEXT NOT NULL DEFAULT '[]',
	notes      TEXT NOT NULL DEFAULT '{}',
	interfaces TEXT NOT NULL DEFAULT '[]',
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS counters (
	name  TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("ticket: migrate: %w", err)
	}
	return nil
}

// DB exposes the underlying handle for tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// nextSeq bumps the named counter and returns the new value. Runs
// inside the caller's transaction so id allocation commits with the
// row it names.
func nextSeq(tx *sql.Tx, name string) (int, error) {
	var n int
	err := tx.QueryRow(
		`INSERT INTO counters (name, value) VALUES (?, 1)
		 ON CONFLICT(name) DO UPDATE SET value = value + 1
		 RETURNING value`, name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ticket: allocate id %q: %w", name, err)
	}
	return n, nil
}

// CreateTicket validates, assigns an id, and persists a new ticket.
// The input is not modified; the stored ticket is returned.
func (s *SQLiteStore) CreateTicket(t *protocol.Ticket) (*protocol.Ticket, error) {
	nt := *t
	if strings.TrimSpace(nt.Title) == "" {
		return nil, fmt.Errorf("ticket: create: title is required")
	}
	if nt.Type == "" {
		nt.Type = protocol.TypeTask
	}
	if !nt.Type.Valid() {
		return nil, fmt.Errorf("ticket: create: unknown type %q", nt.Type)
	}
	if nt.Status == "" {
		nt.Status = protocol.StatusBacklog
	}
	// Tickets enter the board at the start of the state machine;
	// anything further along must get there through UpdateTicket.
	if nt.Status != protocol.StatusBacklog && nt.Status != protocol.StatusTodo {
		return nil, fmt.Errorf("ticket: create: initial status must be backlog or todo, got %q", nt.Status)
	}
	if nt.Priority == "" {
		nt.Priority = protocol.PriorityMedium
	}
	if !nt.Priority.Valid() {
		return nil, fmt.Errorf("ticket: create: unknown priority %q", nt.Priority)
	}
	now := time.Now().UTC()
	nt.CreatedAt = now
	nt.UpdatedAt = now
	nt.CompletedAt = nil

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("ticket: create: %w", err)
	}
	defer tx.Rollback()

	if nt.ParentTicket != "" {
		parent, err := getTicketTx(tx, nt.ParentTicket)
		if err != nil {
			return nil, fmt.Errorf("ticket: create: parent: %w", err)
		}
		if parent.Type != protocol.TypeEpic {
			return nil, fmt.Errorf("ticket: create: parent %s is not an epic", parent.ID)
		}
	}
	for _, dep := range nt.Dependencies {
		if _, err := getTicketTx(tx, dep); err != nil {
			return nil, fmt.Errorf("ticket: create: dependency: %w", err)
		}
	}

	seq, err := nextSeq(tx, "tickets")
	if err != nil {
		return nil, err
	}
	nt.ID = fmt.Sprintf("%s-%03d", s.prefix, seq)

	if err := insertTicket(tx, &nt, seq); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket: create: commit: %w", err)
	}
	return &nt, nil
}

func insertTicket(tx *sql.Tx, t *protocol.Ticket, seq int) error {
	_, err := tx.Exec(
		`INSERT INTO tickets (id, seq, title, description, type, status, priority,
			assigned_role, parent_ticket, dependencies, acceptance_criteria,
			complexity, team_mode, team_template, team_id, agent_output,
			review_notes, files_touched, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, seq, t.Title, t.Description, string(t.Type), string(t.Status),
		string(t.Priority), string(t.AssignedRole), t.ParentTicket,
		marshalJSON(t.Dependencies), marshalJSON(t.AcceptanceCriteria),
		string(t.Complexity), string(t.TeamMode), t.TeamTemplate, t.TeamID,
		t.AgentOutput, t.ReviewNotes, marshalJSON(t.FilesTouched),
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt), formatTimePtr(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("ticket: insert %s: %w", t.ID, err)
	}
	return nil
}

// GetTicket loads one ticket by id.
func (s *SQLiteStore) GetTicket(id string) (*protocol.Ticket, error) {
	row := s.db.QueryRow(selectTickets+" WHERE id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket: %s: %w", id, ErrNotFound)
	}
	return t, err
}

func getTicketTx(tx *sql.Tx, id string) (*protocol.Ticket, error) {
	row := tx.QueryRow(selectTickets+" WHERE id = ?", id)
	t, err := scanTicket(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket: %s: %w", id, ErrNotFound)
	}
	return t, err
}

// UpdateTicket applies a partial update. Status changes must follow
// the ticket state machine; dependency changes must keep the graph
// acyclic. Nothing is written when validation fails.
func (s *SQLiteStore) UpdateTicket(id string, patch Patch) (*protocol.Ticket, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("ticket: update: %w", err)
	}
	defer tx.Rollback()

	t, err := getTicketTx(tx, id)
	if err != nil {
		return nil, err
	}

	if patch.Status != nil && *patch.Status != t.Status {
		if !patch.Status.Valid() {
			return nil, fmt.Errorf("ticket: update %s: unknown status %q", id, *patch.Status)
		}
		if !t.Status.CanTransitionTo(*patch.Status) {
			return nil, &InvalidTransitionError{ID: id, From: t.Status, To: *patch.Status}
		}
		t.Status = *patch.Status
		if t.Status == protocol.StatusDone {
			now := time.Now().UTC()
			t.CompletedAt = &now
		}
	}
	if patch.Dependencies != nil {
		deps := *patch.Dependencies
		all, err := listTicketsTx(tx, Filter{})
		if err != nil {
			return nil, err
		}
		byID := make(map[string]bool, len(all))
		for _, other := range all {
			byID[other.ID] = true
		}
		for _, dep := range deps {
			if !byID[dep] {
				return nil, fmt.Errorf("ticket: update %s: dependency %s: %w", id, dep, ErrNotFound)
			}
		}
		if cerr := resolver.WouldCycle(all, id, deps); cerr != nil {
			return nil, cerr
		}
		t.Dependencies = deps
	}
	if patch.ParentTicket != nil {
		if *patch.ParentTicket != "" {
			parent, err := getTicketTx(tx, *patch.ParentTicket)
			if err != nil {
				return nil, fmt.Errorf("ticket: update %s: parent: %w", id, err)
			}
			if parent.Type != protocol.TypeEpic {
				return nil, fmt.Errorf("ticket: update %s: parent %s is not an epic", id, parent.ID)
			}
		}
		t.ParentTicket = *patch.ParentTicket
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			return nil, fmt.Errorf("ticket: update %s: unknown priority %q", id, *patch.Priority)
		}
		t.Priority = *patch.Priority
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.AssignedRole != nil {
		t.AssignedRole = *patch.AssignedRole
	}
	if patch.AcceptanceCriteria != nil {
		t.AcceptanceCriteria = *patch.AcceptanceCriteria
	}
	if patch.Complexity != nil {
		t.Complexity = *patch.Complexity
	}
	if patch.TeamMode != nil {
		t.TeamMode = *patch.TeamMode
	}
	if patch.TeamTemplate != nil {
		t.TeamTemplate = *patch.TeamTemplate
	}
	if patch.TeamID != nil {
		t.TeamID = *patch.TeamID
	}
	if patch.AgentOutput != nil {
		t.AgentOutput = *patch.AgentOutput
	}
	if patch.ReviewNotes != nil {
		t.ReviewNotes = *patch.ReviewNotes
	}
	if patch.FilesTouched != nil {
		t.FilesTouched = *patch.FilesTouched
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(
		`UPDATE tickets SET title = ?, description = ?, type = ?, status = ?,
			priority = ?, assigned_role = ?, parent_ticket = ?, dependencies = ?,
			acceptance_criteria = ?, complexity = ?, team_mode = ?,
			team_template = ?, team_id = ?, agent_output = ?, review_notes = ?,
			files_touched = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`,
		t.Title, t.Description, string(t.Type), string(t.Status),
		string(t.Priority), string(t.AssignedRole), t.ParentTicket,
		marshalJSON(t.Dependencies), marshalJSON(t.AcceptanceCriteria),
		string(t.Complexity), string(t.TeamMode), t.TeamTemplate, t.TeamID,
		t.AgentOutput, t.ReviewNotes, marshalJSON(t.FilesTouched),
		formatTime(t.UpdatedAt), formatTimePtr(t.CompletedAt), id)
	if err != nil {
		return nil, fmt.Errorf("ticket: update %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket: update %s: commit: %w", id, err)
	}
	return t, nil
}

// ListTickets returns tickets matching f in insertion order.
func (s *SQLiteStore) ListTickets(f Filter) ([]*protocol.Ticket, error) {
	return listTickets(s.db, f)
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func listTickets(q querier, f Filter) ([]*protocol.Ticket, error) {
	query := selectTickets
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Role != "" {
		where = append(where, "assigned_role = ?")
		args = append(args, string(f.Role))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Parent != "" {
		where = append(where, "parent_ticket = ?")
		args = append(args, f.Parent)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("ticket: list: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func listTicketsTx(tx *sql.Tx, f Filter) ([]*protocol.Ticket, error) {
	return listTickets(tx, f)
}

const selectTickets = `SELECT id, title, description, type, status, priority,
	assigned_role, parent_ticket, dependencies, acceptance_criteria,
	complexity, team_mode, team_template, team_id, agent_output,
	review_notes, files_touched, created_at, updated_at, completed_at
	FROM tickets`

type scannable interface {
	Scan(dest ...any) error
}

func scanTicket(row scannable) (*protocol.Ticket, error) {
	var t protocol.Ticket
	var typ, status, priority, role, mode, complexity string
	var deps, criteria, files string
	var created, updated string
	var completed sql.NullString
	err := row.Scan(&t.ID, &t.Title, &t.Description, &typ, &status, &priority,
		&role, &t.ParentTicket, &deps, &criteria, &complexity, &mode,
		&t.TeamTemplate, &t.TeamID, &t.AgentOutput, &t.ReviewNotes, &files,
		&created, &updated, &completed)
	if err != nil {
		return nil, err
	}
	t.Type = protocol.TicketType(typ)
	t.Status = protocol.TicketStatus(status)
	t.Priority = protocol.Priority(priority)
	t.AssignedRole = protocol.Role(role)
	t.Complexity = protocol.Complexity(complexity)
	t.TeamMode = protocol.TeamMode(mode)
	if err := unmarshalJSON(deps, &t.Dependencies); err != nil {
		return nil, fmt.Errorf("ticket: scan %s dependencies: %w", t.ID, err)
	}
	if err := unmarshalJSON(criteria, &t.AcceptanceCriteria); err != nil {
		return nil, fmt.Errorf("ticket: scan %s criteria: %w", t.ID, err)
	}
	if err := unmarshalJSON(files, &t.FilesTouched); err != nil {
		return nil, fmt.Errorf("ticket: scan %s files: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("ticket: scan %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("ticket: scan %s updated_at: %w", t.ID, err)
	}
	if completed.Valid && completed.String != "" {
		ct, err := parseTime(completed.String)
		if err != nil {
			return nil, fmt.Errorf("ticket: scan %s completed_at: %w", t.ID, err)
		}
		t.CompletedAt = &ct
	}
	return &t, nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalJSON(raw string, v any) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
