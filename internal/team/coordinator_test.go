package team

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/delegate"
	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/reserve"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// roleInvoker answers per role; unscripted roles report completed.
type roleInvoker struct {
	mu       sync.Mutex
	packets  map[protocol.Role][]protocol.TaskPacket
	handlers map[protocol.Role]func(*protocol.TaskPacket) (*invoke.Result, error)
}

func newRoleInvoker() *roleInvoker {
	return &roleInvoker{
		packets:  make(map[protocol.Role][]protocol.TaskPacket),
		handlers: make(map[protocol.Role]func(*protocol.TaskPacket) (*invoke.Result, error)),
	}
}

func (f *roleInvoker) on(r protocol.Role, rep protocol.Report) {
	f.handlers[r] = func(*protocol.TaskPacket) (*invoke.Result, error) {
		return &invoke.Result{InvocationID: "inv-" + string(r), Report: rep}, nil
	}
}

func (f *roleInvoker) Invoke(_ context.Context, r protocol.Role, packet *protocol.TaskPacket, _ time.Duration) (*invoke.Result, error) {
	f.mu.Lock()
	f.packets[r] = append(f.packets[r], *packet)
	h := f.handlers[r]
	f.mu.Unlock()
	if h != nil {
		return h(packet)
	}
	return &invoke.Result{
		InvocationID: "inv-" + string(r),
		Report:       protocol.Report{Status: protocol.ReportCompleted, Description: string(r) + " done"},
	}, nil
}

func (f *roleInvoker) count(r protocol.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.packets[r])
}

func newTestCoordinator(t *testing.T, inv invoke.Invoker, templates map[string]Template) (*Coordinator, *ticket.SQLiteStore) {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "foreman.db"), "APP")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	cfg := &config.Config{
		Project: config.Project{Name: "demo", TicketPrefix: "APP", Root: t.TempDir()},
		Worker:  config.WorkerConfig{Command: "true"},
	}
	plog := progress.NewLog(t.TempDir())
	engine := delegate.NewEngine(store, inv, plog, cfg, nil)
	if templates == nil {
		templates, err = LoadTemplates("")
		if err != nil {
			t.Fatalf("templates: %v", err)
		}
	}
	return NewCoordinator(store, engine, reserve.NewRegistry(), templates, plog, cfg, nil), store
}

func teamTicket(t *testing.T, store *ticket.SQLiteStore) *protocol.Ticket {
	t.Helper()
	tk, err := store.CreateTicket(&protocol.Ticket{
		Title:    "build the signup flow",
		Type:     protocol.TypeFeature,
		TeamMode: protocol.ModeCollaborative,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	todo := protocol.StatusTodo
	tk, err = store.UpdateTicket(tk.ID, ticket.Patch{Status: &todo})
	if err != nil {
		t.Fatalf("to todo: %v", err)
	}
	return tk
}

func TestExecuteAllCompleted(t *testing.T) {
	inv := newRoleInvoker()
	inv.on(protocol.RoleBackend, protocol.Report{
		Status: protocol.ReportCompleted, Description: "endpoints", FilesChanged: []string{"api/users.go"},
	})
	inv.on(protocol.RoleTester, protocol.Report{
		Status: protocol.ReportCompleted, Description: "tests", FilesChanged: []string{"api/users_test.go"},
	})
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	got, err := c.Execute(context.Background(), tk.ID, "api-team")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != protocol.StatusInReview {
		t.Fatalf("expected parent in_review, got %s", got.Status)
	}
	if len(got.FilesTouched) != 2 {
		t.Fatalf("expected merged files, got %v", got.FilesTouched)
	}

	tm, err := store.GetTeam(got.TeamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if tm.Status != protocol.TeamCompleted {
		t.Fatalf("expected team completed, got %s", tm.Status)
	}
	for _, m := range tm.Members {
		if m.Status != protocol.MemberCompleted {
			t.Fatalf("expected member %s completed, got %s", m.Role, m.Status)
		}
	}
	if tm.StartedAt == nil || tm.CompletedAt == nil {
		t.Fatalf("expected team timestamps set")
	}
}

func TestSequentialBlockedHaltsChain(t *testing.T) {
	inv := newRoleInvoker()
	inv.on(protocol.RoleBackend, protocol.Report{
		Status: protocol.ReportBlocked, Description: "schema undecided",
	})
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	got, err := c.Execute(context.Background(), tk.ID, "api-team")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if inv.count(protocol.RoleTester) != 0 || inv.count(protocol.RoleReviewer) != 0 {
		t.Fatalf("members after a blocked one must never be dispatched")
	}
	if got.Status != protocol.StatusBlocked {
		t.Fatalf("expected parent blocked, got %s", got.Status)
	}
	if !strings.Contains(got.ReviewNotes, "backend") {
		t.Fatalf("expected blocked role in reason, got %q", got.ReviewNotes)
	}

	tm, err := store.GetTeam(got.TeamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if tm.Status != protocol.TeamFailed {
		t.Fatalf("expected team failed, got %s", tm.Status)
	}
	if m := tm.Member(protocol.RoleTester); m.Status != protocol.MemberPending {
		t.Fatalf("expected undispatched member pending, got %s", m.Status)
	}
}

func TestSequentialFeedsPriorWork(t *testing.T) {
	inv := newRoleInvoker()
	inv.on(protocol.RoleBackend, protocol.Report{
		Status: protocol.ReportCompleted, Description: "added /users", FilesChanged: []string{"api/users.go"},
	})
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	if _, err := c.Execute(context.Background(), tk.ID, "api-team"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	packets := inv.packets[protocol.RoleTester]
	if len(packets) != 1 {
		t.Fatalf("expected one tester dispatch, got %d", len(packets))
	}
	prior := packets[0].PriorWork
	if len(prior) != 1 || prior[0].Role != protocol.RoleBackend {
		t.Fatalf("expected backend prior work, got %+v", prior)
	}
	if prior[0].Description != "added /users" || len(prior[0].FilesChanged) != 1 {
		t.Fatalf("prior work content mismatch: %+v", prior[0])
	}
}

func TestMixedLeadThenParallel(t *testing.T) {
	templates := map[string]Template{
		"trio": {
			Name: "trio",
			Mode: protocol.CoordMixed,
			Lead: protocol.RoleArchitect,
			Members: []MemberSpec{
				{Role: protocol.RoleArchitect},
				{Role: protocol.RoleBackend},
				{Role: protocol.RoleFrontend},
			},
		},
	}
	inv := newRoleInvoker()
	inv.on(protocol.RoleArchitect, protocol.Report{
		Status: protocol.ReportCompleted, Description: "plan ready",
	})
	inv.on(protocol.RoleBackend, protocol.Report{
		Status: protocol.ReportBlocked, Description: "missing credentials",
	})
	inv.on(protocol.RoleFrontend, protocol.Report{
		Status: protocol.ReportCompleted, Description: "ui done", FilesChanged: []string{"web/app.tsx"},
	})
	c, store := newTestCoordinator(t, inv, templates)
	tk := teamTicket(t, store)

	got, err := c.Execute(context.Background(), tk.ID, "trio")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != protocol.StatusBlocked {
		t.Fatalf("expected parent blocked, got %s", got.Status)
	}
	if !strings.Contains(got.ReviewNotes, "backend") {
		t.Fatalf("expected blocked member role listed, got %q", got.ReviewNotes)
	}
	if strings.Contains(got.ReviewNotes, "blocked roles: architect") {
		t.Fatalf("lead completed, must not be listed blocked: %q", got.ReviewNotes)
	}

	tm, err := store.GetTeam(got.TeamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	if tm.Status != protocol.TeamFailed {
		t.Fatalf("expected team failed, got %s", tm.Status)
	}
	// the completed sibling's files still make it into the parent
	found := false
	for _, f := range got.FilesTouched {
		if f == "web/app.tsx" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sibling files kept, got %v", got.FilesTouched)
	}

	backendPacket := inv.packets[protocol.RoleBackend][0]
	if len(backendPacket.PriorWork) != 1 || backendPacket.PriorWork[0].Role != protocol.RoleArchitect {
		t.Fatalf("expected lead output as prior work, got %+v", backendPacket.PriorWork)
	}
}

func TestMixedBlockedLeadStopsTeam(t *testing.T) {
	inv := newRoleInvoker()
	inv.on(protocol.RoleArchitect, protocol.Report{
		Status: protocol.ReportBlocked, Description: "requirements contradictory",
	})
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	if _, err := c.Execute(context.Background(), tk.ID, "fullstack-team"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, r := range []protocol.Role{protocol.RoleBackend, protocol.RoleFrontend, protocol.RoleTester} {
		if inv.count(r) != 0 {
			t.Fatalf("expected no dispatch for %s after blocked lead", r)
		}
	}
}

func TestParallelScopeConflict(t *testing.T) {
	templates := map[string]Template{
		"clash": {
			Name: "clash",
			Mode: protocol.CoordParallel,
			Lead: protocol.RoleBackend,
			Members: []MemberSpec{
				{Role: protocol.RoleBackend, Scope: []string{"shared.go"}},
				{Role: protocol.RoleFrontend, Scope: []string{"shared.go"}},
			},
		},
	}
	inv := newRoleInvoker()
	c, store := newTestCoordinator(t, inv, templates)
	tk := teamTicket(t, store)

	got, err := c.Execute(context.Background(), tk.ID, "clash")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got.Status != protocol.StatusBlocked {
		t.Fatalf("expected parent blocked on scope conflict, got %s", got.Status)
	}
	tm, err := store.GetTeam(got.TeamID)
	if err != nil {
		t.Fatalf("get team: %v", err)
	}
	// scopes are reserved in template order before dispatch, so the
	// later member loses regardless of worker timing
	loser := tm.Member(protocol.RoleFrontend)
	if loser.Status != protocol.MemberBlocked {
		t.Fatalf("expected frontend blocked, got %s", loser.Status)
	}
	if !strings.Contains(loser.Summary, "scope conflict") {
		t.Fatalf("expected scope conflict reason, got %q", loser.Summary)
	}
	if winner := tm.Member(protocol.RoleBackend); winner.Status != protocol.MemberCompleted {
		t.Fatalf("expected backend completed, got %s", winner.Status)
	}
	if inv.count(protocol.RoleFrontend) != 0 {
		t.Fatalf("conflicting member must not be invoked")
	}
	if inv.count(protocol.RoleBackend) != 1 {
		t.Fatalf("expected one backend invocation, got %d", inv.count(protocol.RoleBackend))
	}
}

func TestMemberStatusPersistedDuringRun(t *testing.T) {
	inv := newRoleInvoker()
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	// a status query during the run must see the live member state,
	// not pending until the team finishes
	var seen protocol.MemberStatus
	inv.handlers[protocol.RoleBackend] = func(*protocol.TaskPacket) (*invoke.Result, error) {
		teams, err := store.ListTeams()
		if err != nil || len(teams) != 1 {
			t.Errorf("list teams: %v", err)
		}
		tm, err := store.GetTeam(teams[0].ID)
		if err != nil {
			t.Errorf("get team: %v", err)
		}
		seen = tm.Member(protocol.RoleBackend).Status
		return &invoke.Result{Report: protocol.Report{Status: protocol.ReportCompleted, Description: "ok"}}, nil
	}

	if _, err := c.Execute(context.Background(), tk.ID, "api-team"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if seen != protocol.MemberWorking {
		t.Fatalf("expected working visible mid-run, got %q", seen)
	}
}

func TestDecisionsVisibleToLaterMembers(t *testing.T) {
	inv := newRoleInvoker()
	c, store := newTestCoordinator(t, inv, nil)
	tk := teamTicket(t, store)

	// the backend member records a decision; the tester, dispatched
	// after it in sequential order, must see it
	inv.handlers[protocol.RoleBackend] = func(p *protocol.TaskPacket) (*invoke.Result, error) {
		teams, err := store.ListTeams()
		if err != nil || len(teams) != 1 {
			t.Errorf("list teams: %v", err)
		}
		if err := store.AddDecision(teams[0].ID, protocol.Decision{
			Text: "paginate with cursors", Author: protocol.RoleBackend,
		}); err != nil {
			t.Errorf("add decision: %v", err)
		}
		return &invoke.Result{Report: protocol.Report{Status: protocol.ReportCompleted, Description: "ok"}}, nil
	}

	if _, err := c.Execute(context.Background(), tk.ID, "api-team"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(inv.packets[protocol.RoleBackend][0].Decisions) != 0 {
		t.Fatalf("first member must not see its own later decision")
	}
	testerDecisions := inv.packets[protocol.RoleTester][0].Decisions
	if len(testerDecisions) != 1 || testerDecisions[0] != "paginate with cursors" {
		t.Fatalf("expected decision visible to later member, got %v", testerDecisions)
	}
}

func TestExecuteUnknownTemplate(t *testing.T) {
	c, store := newTestCoordinator(t, newRoleInvoker(), nil)
	tk := teamTicket(t, store)
	if _, err := c.Execute(context.Background(), tk.ID, "no-such-team"); err == nil {
		t.Fatalf("expected error for unknown template")
	}
}
