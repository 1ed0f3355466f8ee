package sprint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// planTicket is one entry of the architect's plan. Parent and
// dependency references point at other entries by array index, since
// ids do not exist yet.
type planTicket struct {
	Title              string              `json:"title"`
	Description        string              `json:"description"`
	Type               protocol.TicketType `json:"type"`
	Priority           protocol.Priority   `json:"priority"`
	Complexity         protocol.Complexity `json:"complexity"`
	TeamMode           protocol.TeamMode   `json:"team_mode"`
	TeamTemplate       string              `json:"team_template"`
	AcceptanceCriteria []string            `json:"acceptance_criteria"`
	ParentIndex        *int                `json:"parent_index"`
	DependencyIndices  []int               `json:"dependency_indices"`
	AssignedRole       protocol.Role       `json:"assigned_role"`
}

// Plan asks the architect role to break goal into tickets, then files
// them: epics stay in backlog, everything else moves to todo so the
// next sprint picks it up. Returns the created tickets in plan order.
func (s *Scheduler) Plan(ctx context.Context, goal string) ([]*protocol.Ticket, error) {
	packet := &protocol.TaskPacket{
		Title:       "sprint planning",
		Description: goal,
		ProjectRoot: s.cfg.Project.Root,
		Instruction: s.cfg.Worker.Instructions[string(protocol.RoleArchitect)],
	}
	s.logEntry(progress.Entry{Role: protocol.RoleArchitect, Action: "plan_started", Message: goal})

	res, err := s.engine.Run(ctx, protocol.RoleArchitect, packet, s.cfg.TicketTimeout())
	if err != nil {
		return nil, fmt.Errorf("sprint: plan: %w", err)
	}
	entries, err := extractPlan(res.RawOutput)
	if err != nil {
		return nil, err
	}
	created, err := s.fileTickets(entries)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(created))
	for i, t := range created {
		ids[i] = t.ID
	}
	s.logEntry(progress.Entry{
		Role: protocol.RoleArchitect, Action: "plan_filed",
		Message: fmt.Sprintf("%d tickets: %v", len(ids), ids), InvocationID: res.InvocationID,
	})
	return created, nil
}

// fileTickets creates the planned tickets, then wires parents and
// dependencies in a second pass once every id exists.
func (s *Scheduler) fileTickets(entries []planTicket) ([]*protocol.Ticket, error) {
	created := make([]*protocol.Ticket, len(entries))
	for i, e := range entries {
		// Planner output is untrusted: bad enum values fall back to
		// the store defaults instead of failing the whole plan.
		if e.Type != "" && !e.Type.Valid() {
			e.Type = ""
		}
		if e.Priority != "" && !e.Priority.Valid() {
			e.Priority = ""
		}
		if e.Complexity != "" && !e.Complexity.Valid() {
			e.Complexity = ""
		}
		if e.TeamMode != "" && !e.TeamMode.Valid() {
			e.TeamMode = ""
		}
		t, err := s.store.CreateTicket(&protocol.Ticket{
			Title:              e.Title,
			Description:        e.Description,
			Type:               e.Type,
			Priority:           e.Priority,
			Complexity:         e.Complexity,
			TeamMode:           e.TeamMode,
			TeamTemplate:       e.TeamTemplate,
			AcceptanceCriteria: e.AcceptanceCriteria,
			AssignedRole:       e.AssignedRole,
		})
		if err != nil {
			return nil, fmt.Errorf("sprint: plan entry %d: %w", i, err)
		}
		created[i] = t
	}

	for i, e := range entries {
		patch := ticket.Patch{}
		if e.ParentIndex != nil {
			pi := *e.ParentIndex
			if pi < 0 || pi >= len(created) || pi == i {
				return nil, fmt.Errorf("sprint: plan entry %d: bad parent index %d", i, pi)
			}
			patch.ParentTicket = &created[pi].ID
		}
		if len(e.DependencyIndices) > 0 {
			deps := make([]string, 0, len(e.DependencyIndices))
			for _, di := range e.DependencyIndices {
				if di < 0 || di >= len(created) || di == i {
					return nil, fmt.Errorf("sprint: plan entry %d: bad dependency index %d", i, di)
				}
				deps = append(deps, created[di].ID)
			}
			patch.Dependencies = &deps
		}
		if created[i].Type != protocol.TypeEpic {
			todo := protocol.StatusTodo
			patch.Status = &todo
		}
		t, err := s.store.UpdateTicket(created[i].ID, patch)
		if err != nil {
			return nil, fmt.Errorf("sprint: plan entry %d: %w", i, err)
		}
		created[i] = t
	}
	return created, nil
}

// extractPlan finds the last top-level JSON array in the planner's
// output and decodes it.
func extractPlan(out string) ([]planTicket, error) {
	arrays := topLevelArrays(out)
	for i := len(arrays) - 1; i >= 0; i-- {
		var entries []planTicket
		if err := json.Unmarshal([]byte(arrays[i]), &entries); err != nil {
			continue
		}
		if len(entries) > 0 && entries[0].Title != "" {
			return entries, nil
		}
	}
	return nil, fmt.Errorf("sprint: no ticket plan in planner output: %w", invoke.ErrUnparseable)
}

// topLevelArrays returns each balanced [...] span in s not nested in
// another array or object, skipping brackets inside JSON strings.
func topLevelArrays(s string) []string {
	var spans []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '[':
			if depth == 0 {
				start = i
			}
			depth++
		case '{':
			if depth > 0 {
				depth++
			}
		case '}':
			if depth > 1 {
				depth--
			}
		case ']':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					spans = append(spans, s[start:i+1])
					start = -1
				}
			}
		}
	}
	return spans
}
