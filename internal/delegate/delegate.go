// Package delegate hands tickets to worker agents and folds their
// reports back into the store.
package delegate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/role"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// retryInstruction is appended to the packet instruction when a worker
// times out and gets its single retry.
const retryInstruction = "Be more concise: make the minimal change that satisfies the acceptance criteria."

// Engine runs one worker per ticket and applies the outcome.
type Engine struct {
	store   ticket.Store
	invoker invoke.Invoker
	plog    *progress.Log
	cfg     *config.Config
	logger  *slog.Logger
}

// NewEngine wires a delegation engine.
func NewEngine(store ticket.Store, invoker invoke.Invoker, plog *progress.Log, cfg *config.Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, invoker: invoker, plog: plog, cfg: cfg, logger: logger}
}

// Run invokes one worker with the single-retry timeout policy: a
// first timeout reruns the worker once with an adjusted instruction; a
// second timeout is returned to the caller. Other errors are never
// retried.
func (e *Engine) Run(ctx context.Context, r protocol.Role, packet *protocol.TaskPacket, timeout time.Duration) (*invoke.Result, error) {
	res, err := e.invoker.Invoke(ctx, r, packet, timeout)
	if err == nil || !errors.Is(err, invoke.ErrTimeout) {
		return res, err
	}
	e.logger.Warn("worker timed out, retrying once", "role", r, "ticket", packet.TicketID)
	retry := *packet
	retry.Instruction = strings.TrimSpace(retry.Instruction + "\n" + retryInstruction)
	return e.invoker.Invoke(ctx, r, &retry, timeout)
}

// Delegate runs the full solo path for one ready ticket: pick the
// role, move it to in_progress, invoke the worker, and apply the
// report. The returned ticket reflects the post-run state.
func (e *Engine) Delegate(ctx context.Context, ticketID string) (*protocol.Ticket, error) {
	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	r := role.Select(t)

	inProgress := protocol.StatusInProgress
	if t, err = e.store.UpdateTicket(t.ID, ticket.Patch{Status: &inProgress, AssignedRole: &r}); err != nil {
		return nil, err
	}

	packet, err := e.BuildPacket(t, r, nil, nil)
	if err != nil {
		return nil, err
	}
	e.logEntry(progress.Entry{TicketID: t.ID, Role: r, Action: "dispatched", Message: t.Title})

	res, runErr := e.Run(ctx, r, packet, e.cfg.TicketTimeout())
	return e.Apply(t.ID, r, res, runErr)
}

// BuildPacket assembles the worker input for t: the ticket fields, the
// files its dependencies touched, decisions made so far, and the
// role-specific instruction. Extra decisions and prior work come from
// team coordination and may be nil.
func (e *Engine) BuildPacket(t *protocol.Ticket, r protocol.Role, decisions []string, prior []protocol.PriorWork) (*protocol.TaskPacket, error) {
	files := append([]string(nil), t.FilesTouched...)
	related := append([]string(nil), t.Dependencies...)
	if t.ParentTicket != "" {
		related = append(related, t.ParentTicket)
	}
	for _, dep := range t.Dependencies {
		d, err := e.store.GetTicket(dep)
		if err != nil {
			return nil, fmt.Errorf("delegate: packet for %s: %w", t.ID, err)
		}
		files = appendMissing(files, d.FilesTouched...)
	}
	return &protocol.TaskPacket{
		TicketID:           t.ID,
		Title:              t.Title,
		Description:        t.Description,
		AcceptanceCriteria: t.AcceptanceCriteria,
		ProjectRoot:        e.cfg.Project.Root,
		Files:              files,
		Decisions:          decisions,
		RelatedTickets:     related,
		PriorWork:          prior,
		Instruction:        e.cfg.Worker.Instructions[string(r)],
	}, nil
}

// Apply folds one worker outcome into the ticket. Report statuses map
// to ticket states: completed moves to in_review, needs_review records
// output but leaves the status alone, blocked and too_complex block
// the ticket with the reason recorded. Timeouts (after the retry) and
// unparseable output also block the ticket.
func (e *Engine) Apply(ticketID string, r protocol.Role, res *invoke.Result, runErr error) (*protocol.Ticket, error) {
	if runErr != nil {
		reason := "worker error: " + runErr.Error()
		action := "worker_error"
		switch {
		case errors.Is(runErr, invoke.ErrTimeout):
			reason, action = "timeout exceeded", "timeout"
		case errors.Is(runErr, invoke.ErrUnparseable):
			reason, action = "unparseable output", "unparseable_output"
		}
		e.logEntry(progress.Entry{TicketID: ticketID, Role: r, Action: action, Message: reason})
		return e.block(ticketID, reason)
	}

	rep := res.Report
	entry := progress.Entry{
		TicketID:     ticketID,
		Role:         r,
		Action:       string(rep.Status),
		Message:      rep.Description,
		FilesChanged: rep.FilesChanged,
		InvocationID: res.InvocationID,
	}
	e.logEntry(entry)

	switch rep.Status {
	case protocol.ReportCompleted:
		inReview := protocol.StatusInReview
		return e.recordOutput(ticketID, rep, ticket.Patch{Status: &inReview})
	case protocol.ReportNeedsReview:
		return e.recordOutput(ticketID, rep, ticket.Patch{})
	case protocol.ReportBlocked:
		// keep whatever was produced before the block: merged team
		// output and partial file lists still matter to the reviewer
		blocked := protocol.StatusBlocked
		reason := blockReason(rep)
		return e.recordOutput(ticketID, rep, ticket.Patch{Status: &blocked, ReviewNotes: &reason})
	case protocol.ReportTooComplex:
		collaborative := protocol.ModeCollaborative
		blocked := protocol.StatusBlocked
		notes := "escalated: too complex for a solo run"
		return e.store.UpdateTicket(ticketID, ticket.Patch{
			Status: &blocked, TeamMode: &collaborative, ReviewNotes: &notes,
		})
	default:
		return e.block(ticketID, fmt.Sprintf("unknown report status %q", rep.Status))
	}
}

func (e *Engine) recordOutput(ticketID string, rep protocol.Report, patch ticket.Patch) (*protocol.Ticket, error) {
	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	files := appendMissing(append([]string(nil), t.FilesTouched...), rep.FilesChanged...)
	patch.AgentOutput = &rep.Description
	patch.FilesTouched = &files
	return e.store.UpdateTicket(ticketID, patch)
}

func (e *Engine) block(ticketID, reason string) (*protocol.Ticket, error) {
	blocked := protocol.StatusBlocked
	return e.store.UpdateTicket(ticketID, ticket.Patch{Status: &blocked, ReviewNotes: &reason})
}

func blockReason(rep protocol.Report) string {
	reason := rep.Description
	if len(rep.OpenQuestions) > 0 {
		reason += "\nopen questions: " + strings.Join(rep.OpenQuestions, "; ")
	}
	return strings.TrimSpace(reason)
}

func (e *Engine) logEntry(entry progress.Entry) {
	if e.plog == nil {
		return
	}
	if err := e.plog.Append(entry); err != nil {
		e.logger.Warn("progress log append failed", "error", err)
	}
}

func appendMissing(dst []string, src ...string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
