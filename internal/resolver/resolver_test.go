package resolver

import (
	"errors"
	"testing"
	"time"

	"github.com/foreman-io/foreman/pkg/protocol"
)

func tick(id string, status protocol.TicketStatus, deps ...string) *protocol.Ticket {
	return &protocol.Ticket{
		ID:           id,
		Title:        id,
		Type:         protocol.TypeTask,
		Status:       status,
		Priority:     protocol.PriorityMedium,
		Dependencies: deps,
		CreatedAt:    time.Now().UTC(),
	}
}

func TestIsReady(t *testing.T) {
	a := tick("APP-001", protocol.StatusDone)
	b := tick("APP-002", protocol.StatusTodo, "APP-001")
	c := tick("APP-003", protocol.StatusTodo, "APP-002")
	byID := index([]*protocol.Ticket{a, b, c})

	if !IsReady(b, byID) {
		t.Fatalf("expected APP-002 ready, dependency is done")
	}
	if IsReady(c, byID) {
		t.Fatalf("expected APP-003 not ready, dependency is todo")
	}
	if IsReady(a, byID) {
		t.Fatalf("done ticket must never be ready")
	}
}

func TestIsReadyMissingDependency(t *testing.T) {
	b := tick("APP-002", protocol.StatusTodo, "APP-404")
	if IsReady(b, index([]*protocol.Ticket{b})) {
		t.Fatalf("ticket with unknown dependency must not be ready")
	}
}

func TestNextReadyPriorityOrder(t *testing.T) {
	now := time.Now().UTC()
	low := tick("APP-001", protocol.StatusTodo)
	low.Priority = protocol.PriorityLow
	low.CreatedAt = now
	crit := tick("APP-002", protocol.StatusTodo)
	crit.Priority = protocol.PriorityCritical
	crit.CreatedAt = now.Add(time.Hour)

	got := NextReady([]*protocol.Ticket{low, crit})
	if got == nil || got.ID != "APP-002" {
		t.Fatalf("expected APP-002 (critical), got %+v", got)
	}
}

func TestNextReadyTieBreaksOnCreation(t *testing.T) {
	now := time.Now().UTC()
	older := tick("APP-002", protocol.StatusTodo)
	older.CreatedAt = now
	newer := tick("APP-001", protocol.StatusTodo)
	newer.CreatedAt = now.Add(time.Minute)

	got := NextReady([]*protocol.Ticket{newer, older})
	if got == nil || got.ID != "APP-002" {
		t.Fatalf("expected older ticket APP-002, got %+v", got)
	}
}

func TestNextReadyEmpty(t *testing.T) {
	if got := NextReady(nil); got != nil {
		t.Fatalf("expected nil for empty graph, got %+v", got)
	}
	blocked := tick("APP-001", protocol.StatusBlocked)
	if got := NextReady([]*protocol.Ticket{blocked}); got != nil {
		t.Fatalf("expected nil when nothing is todo, got %+v", got)
	}
}

func TestWouldCycle(t *testing.T) {
	a := tick("APP-001", protocol.StatusTodo, "APP-002")
	b := tick("APP-002", protocol.StatusTodo, "APP-003")
	c := tick("APP-003", protocol.StatusTodo)
	all := []*protocol.Ticket{a, b, c}

	err := WouldCycle(all, "APP-003", []string{"APP-001"})
	if err == nil {
		t.Fatalf("expected cycle APP-003 -> APP-001 -> APP-002 -> APP-003")
	}
	if len(err.Path) < 3 {
		t.Fatalf("expected cycle path, got %v", err.Path)
	}

	if err := WouldCycle(all, "APP-001", []string{"APP-003"}); err != nil {
		t.Fatalf("unexpected cycle error: %v", err)
	}
}

func TestWouldCycleSelfEdge(t *testing.T) {
	a := tick("APP-001", protocol.StatusTodo)
	if err := WouldCycle([]*protocol.Ticket{a}, "APP-001", []string{"APP-001"}); err == nil {
		t.Fatalf("expected self-dependency to cycle")
	}
}

func TestWouldCycleErrorType(t *testing.T) {
	a := tick("APP-001", protocol.StatusTodo, "APP-002")
	b := tick("APP-002", protocol.StatusTodo)
	var err error = WouldCycle([]*protocol.Ticket{a, b}, "APP-002", []string{"APP-001"})
	var cerr *CyclicDependencyError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *CyclicDependencyError, got %T", err)
	}
}

func TestDeadlocked(t *testing.T) {
	a := tick("APP-001", protocol.StatusBlocked)
	b := tick("APP-002", protocol.StatusTodo, "APP-001")
	stuck, dead := Deadlocked([]*protocol.Ticket{a, b})
	if !dead {
		t.Fatalf("expected deadlock: sole todo depends on blocked ticket")
	}
	if len(stuck) != 1 || stuck[0] != "APP-002" {
		t.Fatalf("expected stuck [APP-002], got %v", stuck)
	}
}

func TestDeadlockedTransitive(t *testing.T) {
	a := tick("APP-001", protocol.StatusBlocked)
	b := tick("APP-002", protocol.StatusTodo, "APP-001")
	c := tick("APP-003", protocol.StatusTodo, "APP-002")
	stuck, dead := Deadlocked([]*protocol.Ticket{a, b, c})
	if !dead {
		t.Fatalf("expected transitive deadlock")
	}
	if len(stuck) != 2 {
		t.Fatalf("expected both todos stuck, got %v", stuck)
	}
}

func TestNotDeadlockedWhileWorkMoves(t *testing.T) {
	a := tick("APP-001", protocol.StatusInProgress)
	b := tick("APP-002", protocol.StatusTodo, "APP-001")
	if _, dead := Deadlocked([]*protocol.Ticket{a, b}); dead {
		t.Fatalf("in_progress dependency must not count as deadlock")
	}

	rev := tick("APP-003", protocol.StatusInReview)
	c := tick("APP-004", protocol.StatusTodo, "APP-003")
	if _, dead := Deadlocked([]*protocol.Ticket{rev, c}); dead {
		t.Fatalf("in_review dependency must not count as deadlock")
	}
}

func TestNotDeadlockedWhenNothingTodo(t *testing.T) {
	a := tick("APP-001", protocol.StatusDone)
	b := tick("APP-002", protocol.StatusBlocked)
	if _, dead := Deadlocked([]*protocol.Ticket{a, b}); dead {
		t.Fatalf("no todo tickets means no deadlock")
	}
}

func TestDeadlockedEpicRollup(t *testing.T) {
	epic := tick("APP-001", protocol.StatusBacklog)
	epic.Type = protocol.TypeEpic
	child := tick("APP-002", protocol.StatusTodo)
	child.ParentTicket = "APP-001"
	waiter := tick("APP-003", protocol.StatusTodo, "APP-001")

	if _, dead := Deadlocked([]*protocol.Ticket{epic, child, waiter}); dead {
		t.Fatalf("epic with completable children must not deadlock dependents")
	}

	child.Status = protocol.StatusBlocked
	stuck, dead := Deadlocked([]*protocol.Ticket{epic, child, waiter})
	if !dead {
		t.Fatalf("expected deadlock once epic child is blocked")
	}
	if len(stuck) != 1 || stuck[0] != "APP-003" {
		t.Fatalf("expected stuck [APP-003], got %v", stuck)
	}
}
