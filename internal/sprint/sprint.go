// Package sprint drives the top-level loop: pick the next ready
// ticket, dispatch it solo or through a team, fold the result back,
// repeat until no work remains or the graph deadlocks.
package sprint

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/delegate"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/resolver"
	"github.com/foreman-io/foreman/internal/team"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// DeadlockError reports a sprint that halted because every remaining
// todo ticket depends on work that can never finish.
type DeadlockError struct {
	Stuck []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("sprint: deadlocked, stuck tickets: %s", strings.Join(e.Stuck, ", "))
}

// Report summarizes one sprint run.
type Report struct {
	Iterations int
	Dispatched []string
	Done       int
	InReview   int
	Blocked    int
	Deadlocked bool
	Stuck      []string
}

// Scheduler owns the sprint loop. One scheduler process per project;
// concurrent schedulers against the same store are not supported.
type Scheduler struct {
	store       ticket.Store
	engine      *delegate.Engine
	coordinator *team.Coordinator
	cfg         *config.Config
	plog        *progress.Log
	logger      *slog.Logger
}

// NewScheduler wires a sprint scheduler.
func NewScheduler(store ticket.Store, engine *delegate.Engine, coordinator *team.Coordinator,
	plog *progress.Log, cfg *config.Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{store: store, engine: engine, coordinator: coordinator,
		plog: plog, cfg: cfg, logger: logger}
}

// Run executes one sprint. It always returns a report; the error is a
// *DeadlockError when the loop halted on a stuck graph, or a storage
// or context error.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	rep := &Report{}
	s.logEntry(progress.Entry{Action: "sprint_started"})

	for rep.Iterations < s.cfg.MaxIterations() {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		tickets, err := s.store.ListTickets(ticket.Filter{})
		if err != nil {
			return rep, err
		}
		if err := s.rollupEpics(tickets); err != nil {
			return rep, err
		}
		tickets, err = s.store.ListTickets(ticket.Filter{})
		if err != nil {
			return rep, err
		}

		next := resolver.NextReady(nonEpics(tickets))
		if next == nil {
			if s.cfg.Sprint.AutoApprove {
				approved, err := s.approveInReview(tickets)
				if err != nil {
					return rep, err
				}
				if approved > 0 {
					continue
				}
			}
			stuck, dead := resolver.Deadlocked(tickets)
			s.finish(rep, tickets, stuck, dead)
			if dead {
				return rep, &DeadlockError{Stuck: stuck}
			}
			return rep, nil
		}

		rep.Iterations++
		rep.Dispatched = append(rep.Dispatched, next.ID)
		s.logger.Info("dispatching ticket", "ticket", next.ID, "title", next.Title, "team_mode", next.TeamMode)

		if s.teamDispatch(next) {
			_, err = s.coordinator.Execute(ctx, next.ID, next.TeamTemplate)
		} else {
			_, err = s.engine.Delegate(ctx, next.ID)
		}
		if err != nil {
			return rep, fmt.Errorf("sprint: dispatch %s: %w", next.ID, err)
		}
	}

	tickets, err := s.store.ListTickets(ticket.Filter{})
	if err != nil {
		return rep, err
	}
	s.finish(rep, tickets, nil, false)
	return rep, fmt.Errorf("sprint: iteration cap %d reached", s.cfg.MaxIterations())
}

func (s *Scheduler) teamDispatch(t *protocol.Ticket) bool {
	if s.cfg.Sprint.SoloOnly {
		return false
	}
	return t.TeamMode == protocol.ModeCollaborative
}

// approveInReview closes every in_review ticket without a reviewer
// run. Returns how many were approved.
func (s *Scheduler) approveInReview(tickets []*protocol.Ticket) (int, error) {
	n := 0
	for _, t := range tickets {
		if t.Status != protocol.StatusInReview || t.Type == protocol.TypeEpic {
			continue
		}
		if _, err := s.engine.Approve(t.ID, "auto-approved by sprint"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Review runs the reviewer role over every in_review ticket, or
// approves them directly when autoApprove is set. Returns the ids
// that reached done.
func (s *Scheduler) Review(ctx context.Context, autoApprove bool) ([]string, error) {
	tickets, err := s.store.ListTickets(ticket.Filter{Status: protocol.StatusInReview})
	if err != nil {
		return nil, err
	}
	var done []string
	for _, t := range tickets {
		if t.Type == protocol.TypeEpic {
			continue
		}
		var reviewed *protocol.Ticket
		if autoApprove {
			reviewed, err = s.engine.Approve(t.ID, "auto-approved")
		} else {
			reviewed, err = s.engine.Review(ctx, t.ID)
		}
		if err != nil {
			return done, err
		}
		if reviewed.Status == protocol.StatusDone {
			done = append(done, reviewed.ID)
		}
	}
	return done, nil
}

// rollupEpics derives epic status from children. An epic whose
// children are all done is walked along the legal edges to done; an
// epic with any child underway moves to in_progress. Epics are never
// dispatched to workers.
func (s *Scheduler) rollupEpics(tickets []*protocol.Ticket) error {
	children := make(map[string][]*protocol.Ticket)
	for _, t := range tickets {
		if t.ParentTicket != "" {
			children[t.ParentTicket] = append(children[t.ParentTicket], t)
		}
	}
	for _, t := range tickets {
		if t.Type != protocol.TypeEpic || t.Status == protocol.StatusDone {
			continue
		}
		kids := children[t.ID]
		if len(kids) == 0 {
			continue
		}
		allDone, anyStarted := true, false
		for _, k := range kids {
			if k.Status != protocol.StatusDone {
				allDone = false
			}
			if k.Status != protocol.StatusBacklog {
				anyStarted = true
			}
		}
		switch {
		case allDone:
			if err := s.advance(t, protocol.StatusDone); err != nil {
				return err
			}
			s.logEntry(progress.Entry{TicketID: t.ID, Action: "epic_completed"})
		case anyStarted && t.Status == protocol.StatusBacklog:
			if err := s.advance(t, protocol.StatusInProgress); err != nil {
				return err
			}
		}
	}
	return nil
}

// forward maps each status to its next step toward done.
var forward = map[protocol.TicketStatus]protocol.TicketStatus{
	protocol.StatusBacklog:    protocol.StatusTodo,
	protocol.StatusTodo:       protocol.StatusInProgress,
	protocol.StatusInProgress: protocol.StatusInReview,
	protocol.StatusInReview:   protocol.StatusDone,
	protocol.StatusBlocked:    protocol.StatusTodo,
}

// advance walks t forward along the legal edges until it reaches
// target.
func (s *Scheduler) advance(t *protocol.Ticket, target protocol.TicketStatus) error {
	cur := t.Status
	for cur != target {
		next, ok := forward[cur]
		if !ok {
			return fmt.Errorf("sprint: cannot advance %s from %s to %s", t.ID, t.Status, target)
		}
		updated, err := s.store.UpdateTicket(t.ID, ticket.Patch{Status: &next})
		if err != nil {
			return err
		}
		cur = updated.Status
	}
	return nil
}

func (s *Scheduler) finish(rep *Report, tickets []*protocol.Ticket, stuck []string, dead bool) {
	for _, t := range tickets {
		switch t.Status {
		case protocol.StatusDone:
			rep.Done++
		case protocol.StatusInReview:
			rep.InReview++
		case protocol.StatusBlocked:
			rep.Blocked++
		}
	}
	rep.Stuck = stuck
	rep.Deadlocked = dead
	action := "sprint_finished"
	if dead {
		action = "sprint_deadlocked"
	}
	s.logEntry(progress.Entry{Action: action, Message: fmt.Sprintf(
		"iterations=%d done=%d in_review=%d blocked=%d stuck=%s",
		rep.Iterations, rep.Done, rep.InReview, rep.Blocked, strings.Join(stuck, ","))})
	s.logger.Info("sprint finished",
		"iterations", rep.Iterations, "done", rep.Done,
		"in_review", rep.InReview, "blocked", rep.Blocked, "deadlocked", dead)
}

func nonEpics(tickets []*protocol.Ticket) []*protocol.Ticket {
	var out []*protocol.Ticket
	for _, t := range tickets {
		if t.Type != protocol.TypeEpic {
			out = append(out, t)
		}
	}
	return out
}

func (s *Scheduler) logEntry(entry progress.Entry) {
	if s.plog == nil {
		return
	}
	if err := s.plog.Append(entry); err != nil {
		s.logger.Warn("progress log append failed", "error", err)
	}
}
