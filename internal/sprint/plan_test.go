package sprint

import (
	"context"
	"testing"

	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/pkg/protocol"
)

const planOutput = `Here is the breakdown for the goal.
[
  {"title": "user accounts", "type": "epic", "priority": "high", "description": "everything around accounts"},
  {"title": "signup endpoint", "type": "feature", "priority": "high", "parent_index": 0,
   "acceptance_criteria": ["rejects duplicate emails"], "assigned_role": "backend"},
  {"title": "signup form", "type": "feature", "priority": "medium", "parent_index": 0,
   "dependency_indices": [1], "team_mode": "collaborative", "team_template": "fullstack-team"}
]
{"status": "completed", "description": "plan attached"}
`

func TestPlanFilesTickets(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers[protocol.RoleArchitect] = func(*protocol.TaskPacket) (*invoke.Result, error) {
		return &invoke.Result{
			InvocationID: "inv-plan",
			Report:       protocol.Report{Status: protocol.ReportCompleted, Description: "plan attached"},
			RawOutput:    planOutput,
		}, nil
	}
	s, store := newTestScheduler(t, inv, nil)

	created, err := s.Plan(context.Background(), "let users sign up")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(created) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(created))
	}

	epic, endpoint, form := created[0], created[1], created[2]
	if epic.Type != protocol.TypeEpic || epic.Status != protocol.StatusBacklog {
		t.Fatalf("expected epic kept in backlog, got %+v", epic)
	}
	if endpoint.Status != protocol.StatusTodo || endpoint.ParentTicket != epic.ID {
		t.Fatalf("expected child in todo under epic, got %+v", endpoint)
	}
	if endpoint.AssignedRole != protocol.RoleBackend {
		t.Fatalf("expected assigned role kept, got %s", endpoint.AssignedRole)
	}
	if len(form.Dependencies) != 1 || form.Dependencies[0] != endpoint.ID {
		t.Fatalf("expected dependency wired to %s, got %v", endpoint.ID, form.Dependencies)
	}
	if form.TeamMode != protocol.ModeCollaborative || form.TeamTemplate != "fullstack-team" {
		t.Fatalf("expected team settings kept, got %+v", form)
	}

	all, err := store.GetTicket(form.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(all.AcceptanceCriteria) != 0 {
		t.Fatalf("form has no criteria in the plan, got %v", all.AcceptanceCriteria)
	}
}

func TestPlanDegradesBadEnums(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers[protocol.RoleArchitect] = func(*protocol.TaskPacket) (*invoke.Result, error) {
		return &invoke.Result{
			Report:    protocol.Report{Status: protocol.ReportCompleted},
			RawOutput: `[{"title": "a", "type": "story", "priority": "urgent", "complexity": "huge", "team_mode": "pair"}]`,
		}, nil
	}
	s, _ := newTestScheduler(t, inv, nil)

	created, err := s.Plan(context.Background(), "goal")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	got := created[0]
	if got.Type != protocol.TypeTask || got.Priority != protocol.PriorityMedium {
		t.Fatalf("expected defaults for bad enums, got type=%s priority=%s", got.Type, got.Priority)
	}
	if got.Complexity != "" || got.TeamMode != "" {
		t.Fatalf("expected bad complexity/team_mode dropped, got %q %q", got.Complexity, got.TeamMode)
	}
}

func TestPlanRejectsBadIndices(t *testing.T) {
	inv := newScriptedInvoker()
	inv.handlers[protocol.RoleArchitect] = func(*protocol.TaskPacket) (*invoke.Result, error) {
		return &invoke.Result{
			Report:    protocol.Report{Status: protocol.ReportCompleted},
			RawOutput: `[{"title": "a", "type": "task", "dependency_indices": [7]}]`,
		}, nil
	}
	s, _ := newTestScheduler(t, inv, nil)
	if _, err := s.Plan(context.Background(), "goal"); err == nil {
		t.Fatalf("expected error for out-of-range dependency index")
	}
}

func TestExtractPlan(t *testing.T) {
	entries, err := extractPlan(planOutput)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(entries) != 3 || entries[0].Title != "user accounts" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[2].DependencyIndices[0] != 1 {
		t.Fatalf("expected dependency index parsed, got %+v", entries[2])
	}
}

func TestExtractPlanUnparseable(t *testing.T) {
	for _, out := range []string{
		"",
		"no json",
		`{"status": "completed"}`,
		`[1, 2, 3]`,
		`[{"not_a_title": "x"}]`,
	} {
		if _, err := extractPlan(out); err == nil {
			t.Fatalf("expected error for %q", out)
		}
	}
}
