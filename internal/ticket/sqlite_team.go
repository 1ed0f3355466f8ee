package ticket

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// CreateTeam assigns a TEAM-NNN id, persists the team, and creates
// its empty shared context row.
func (s *SQLiteStore) CreateTeam(team *protocol.Team) (*protocol.Team, error) {
	nt := *team
	if nt.TicketID == "" {
		return nil, fmt.Errorf("ticket: create team: ticket id is required")
	}
	if !nt.Mode.Valid() {
		return nil, fmt.Errorf("ticket: create team: unknown mode %q", nt.Mode)
	}
	if len(nt.Members) == 0 {
		return nil, fmt.Errorf("ticket: create team: at least one member is required")
	}
	if nt.Status == "" {
		nt.Status = protocol.TeamForming
	}
	now := time.Now().UTC()
	nt.CreatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("ticket: create team: %w", err)
	}
	defer tx.Rollback()

	if _, err := getTicketTx(tx, nt.TicketID); err != nil {
		return nil, fmt.Errorf("ticket: create team: %w", err)
	}

	seq, err := nextSeq(tx, "teams")
	if err != nil {
		return nil, err
	}
	nt.ID = fmt.Sprintf("TEAM-%03d", seq)

	_, err = tx.Exec(
		`INSERT INTO teams (id, seq, ticket_id, template, members, lead, mode,
			status, created_at, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nt.ID, seq, nt.TicketID, nt.Template, marshalJSON(nt.Members),
		string(nt.Lead), string(nt.Mode), string(nt.Status),
		formatTime(nt.CreatedAt), formatTimePtr(nt.StartedAt), formatTimePtr(nt.CompletedAt))
	if err != nil {
		return nil, fmt.Errorf("ticket: insert team %s: %w", nt.ID, err)
	}
	_, err = tx.Exec(
		`INSERT INTO shared_context (team_id, updated_at) VALUES (?, ?)`,
		nt.ID, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("ticket: insert context %s: %w", nt.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket: create team: commit: %w", err)
	}
	return &nt, nil
}

// GetTeam loads one team by id.
func (s *SQLiteStore) GetTeam(id string) (*protocol.Team, error) {
	row := s.db.QueryRow(selectTeams+" WHERE id = ?", id)
	t, err := scanTeam(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket: team %s: %w", id, ErrNotFound)
	}
	return t, err
}

// SaveTeam writes back a team's mutable fields. Status changes must
// follow the team state machine.
func (s *SQLiteStore) SaveTeam(team *protocol.Team) error {
	cur, err := s.GetTeam(team.ID)
	if err != nil {
		return err
	}
	if team.Status != cur.Status && !cur.Status.CanTransitionTo(team.Status) {
		return fmt.Errorf("ticket: team %s: invalid transition %s -> %s",
			team.ID, cur.Status, team.Status)
	}
	_, err = s.db.Exec(
		`UPDATE teams SET members = ?, lead = ?, mode = ?, status = ?,
			started_at = ?, completed_at = ?
		 WHERE id = ?`,
		marshalJSON(team.Members), string(team.Lead), string(team.Mode),
		string(team.Status), formatTimePtr(team.StartedAt),
		formatTimePtr(team.CompletedAt), team.ID)
	if err != nil {
		return fmt.Errorf("ticket: save team %s: %w", team.ID, err)
	}
	return nil
}

// ListTeams returns all teams in creation order.
func (s *SQLiteStore) ListTeams() ([]*protocol.Team, error) {
	rows, err := s.db.Query(selectTeams + " ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("ticket: list teams: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectTeams = `SELECT id, ticket_id, template, members, lead, mode,
	status, created_at, started_at, completed_at FROM teams`

func scanTeam(row scannable) (*protocol.Team, error) {
	var t protocol.Team
	var members, lead, mode, status, created string
	var started, completed sql.NullString
	err := row.Scan(&t.ID, &t.TicketID, &t.Template, &members, &lead, &mode,
		&status, &created, &started, &completed)
	if err != nil {
		return nil, err
	}
	t.Lead = protocol.Role(lead)
	t.Mode = protocol.CoordinationMode(mode)
	t.Status = protocol.TeamStatus(status)
	if err := unmarshalJSON(members, &t.Members); err != nil {
		return nil, fmt.Errorf("ticket: scan team %s members: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("ticket: scan team %s created_at: %w", t.ID, err)
	}
	if started.Valid && started.String != "" {
		st, err := parseTime(started.String)
		if err != nil {
			return nil, fmt.Errorf("ticket: scan team %s started_at: %w", t.ID, err)
		}
		t.StartedAt = &st
	}
	if completed.Valid && completed.String != "" {
		ct, err := parseTime(completed.String)
		if err != nil {
			return nil, fmt.Errorf("ticket: scan team %s completed_at: %w", t.ID, err)
		}
		t.CompletedAt = &ct
	}
	return &t, nil
}

// AppendMessage assigns a per-team msg-NNN id and appends to the
// team's message log. Messages are never updated or deleted; only
// their read_by set grows via MarkRead.
func (s *SQLiteStore) AppendMessage(msg *protocol.Message) (*protocol.Message, error) {
	nm := *msg
	if !nm.Type.Valid() {
		return nil, fmt.Errorf("ticket: append message: unknown type %q", nm.Type)
	}
	if nm.From == "" {
		return nil, fmt.Errorf("ticket: append message: sender is required")
	}
	if nm.To == "" {
		nm.To = protocol.Broadcast
	}
	nm.Timestamp = time.Now().UTC()
	if nm.ReadBy == nil {
		nm.ReadBy = []protocol.Role{}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("ticket: append message: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM teams WHERE id = ?`, nm.TeamID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("ticket: append message: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("ticket: team %s: %w", nm.TeamID, ErrNotFound)
	}

	seq, err := nextSeq(tx, "messages:"+nm.TeamID)
	if err != nil {
		return nil, err
	}
	nm.ID = fmt.Sprintf("msg-%03d", seq)

	_, err = tx.Exec(
		`INSERT INTO team_messages (id, team_id, seq, from_role, to_role, type,
			body, timestamp, read_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nm.ID, nm.TeamID, seq, string(nm.From), string(nm.To), string(nm.Type),
		nm.Body, formatTime(nm.Timestamp), marshalJSON(nm.ReadBy))
	if err != nil {
		return nil, fmt.Errorf("ticket: insert message %s: %w", nm.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ticket: append message: commit: %w", err)
	}
	return &nm, nil
}

// ListMessages returns a team's messages oldest first.
func (s *SQLiteStore) ListMessages(teamID string) ([]*protocol.Message, error) {
	rows, err := s.db.Query(
		`SELECT id, team_id, from_role, to_role, type, body, timestamp, read_by
		 FROM team_messages WHERE team_id = ? ORDER BY seq`, teamID)
	if err != nil {
		return nil, fmt.Errorf("ticket: list messages: %w", err)
	}
	defer rows.Close()

	var out []*protocol.Message
	for rows.Next() {
		var m protocol.Message
		var from, to, typ, ts, readBy string
		if err := rows.Scan(&m.ID, &m.TeamID, &from, &to, &typ, &m.Body, &ts, &readBy); err != nil {
			return nil, err
		}
		m.From = protocol.Role(from)
		m.To = protocol.Role(to)
		m.Type = protocol.MessageType(typ)
		if m.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("ticket: scan message %s timestamp: %w", m.ID, err)
		}
		if err := unmarshalJSON(readBy, &m.ReadBy); err != nil {
			return nil, fmt.Errorf("ticket: scan message %s read_by: %w", m.ID, err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkRead adds role to the read_by set of every message in the team
// log that does not already carry it.
func (s *SQLiteStore) MarkRead(teamID string, role protocol.Role) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket: mark read: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id, read_by FROM team_messages WHERE team_id = ?`, teamID)
	if err != nil {
		return fmt.Errorf("ticket: mark read: %w", err)
	}
	type update struct {
		id     string
		readBy []protocol.Role
	}
	var updates []update
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		var readBy []protocol.Role
		if err := unmarshalJSON(raw, &readBy); err != nil {
			rows.Close()
			return fmt.Errorf("ticket: mark read %s: %w", id, err)
		}
		seen := false
		for _, r := range readBy {
			if r == role {
				seen = true
				break
			}
		}
		if !seen {
			updates = append(updates, update{id: id, readBy: append(readBy, role)})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, u := range updates {
		_, err := tx.Exec(
			`UPDATE team_messages SET read_by = ? WHERE team_id = ? AND id = ?`,
			marshalJSON(u.readBy), teamID, u.id)
		if err != nil {
			return fmt.Errorf("ticket: mark read %s: %w", u.id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket: mark read: commit: %w", err)
	}
	return nil
}

// GetContext loads a team's shared context.
func (s *SQLiteStore) GetContext(teamID string) (*protocol.SharedContext, error) {
	return getContext(s.db, teamID)
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func getContext(q rowQuerier, teamID string) (*protocol.SharedContext, error) {
	var c protocol.SharedContext
	var decisions, notes, interfaces, updated string
	err := q.QueryRow(
		`SELECT team_id, decisions, notes, interfaces, updated_at
		 FROM shared_context WHERE team_id = ?`, teamID).
		Scan(&c.TeamID, &decisions, &notes, &interfaces, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ticket: context %s: %w", teamID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("ticket: context %s: %w", teamID, err)
	}
	if err := unmarshalJSON(decisions, &c.Decisions); err != nil {
		return nil, fmt.Errorf("ticket: context %s decisions: %w", teamID, err)
	}
	if err := unmarshalJSON(notes, &c.Notes); err != nil {
		return nil, fmt.Errorf("ticket: context %s notes: %w", teamID, err)
	}
	if err := unmarshalJSON(interfaces, &c.Interfaces); err != nil {
		return nil, fmt.Errorf("ticket: context %s interfaces: %w", teamID, err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("ticket: context %s updated_at: %w", teamID, err)
	}
	if c.Notes == nil {
		c.Notes = map[string]string{}
	}
	return &c, nil
}

// AddDecision appends one decision to the team's ordered log.
func (s *SQLiteStore) AddDecision(teamID string, d protocol.Decision) error {
	return s.mutateContext(teamID, func(c *protocol.SharedContext) {
		if d.Timestamp.IsZero() {
			d.Timestamp = time.Now().UTC()
		}
		c.Decisions = append(c.Decisions, d)
	})
}

// SetNote sets a note key. Last write wins.
func (s *SQLiteStore) SetNote(teamID, key, value string) error {
	return s.mutateContext(teamID, func(c *protocol.SharedContext) {
		c.Notes[key] = value
	})
}

// AddInterface appends one interface declaration.
func (s *SQLiteStore) AddInterface(teamID string, decl protocol.InterfaceDecl) error {
	return s.mutateContext(teamID, func(c *protocol.SharedContext) {
		if decl.Timestamp.IsZero() {
			decl.Timestamp = time.Now().UTC()
		}
		c.Interfaces = append(c.Interfaces, decl)
	})
}

func (s *SQLiteStore) mutateContext(teamID string, fn func(*protocol.SharedContext)) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("ticket: context %s: %w", teamID, err)
	}
	defer tx.Rollback()

	c, err := getContext(tx, teamID)
	if err != nil {
		return err
	}
	fn(c)
	c.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(
		`UPDATE shared_context SET decisions = ?, notes = ?, interfaces = ?,
			updated_at = ? WHERE team_id = ?`,
		marshalJSON(c.Decisions), marshalJSON(c.Notes), marshalJSON(c.Interfaces),
		formatTime(c.UpdatedAt), teamID)
	if err != nil {
		return fmt.Errorf("ticket: context %s: %w", teamID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ticket: context %s: commit: %w", teamID, err)
	}
	return nil
}
