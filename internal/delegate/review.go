package delegate

import (
	"context"
	"fmt"

	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// Review runs the reviewer role against an in_review ticket. A
// completed report closes the ticket; anything else sends it back to
// todo with the reviewer's notes attached. Invocation failures leave
// the ticket in_review so the review can be retried.
func (e *Engine) Review(ctx context.Context, ticketID string) (*protocol.Ticket, error) {
	t, err := e.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status != protocol.StatusInReview {
		return nil, fmt.Errorf("delegate: review %s: status is %s, want %s", t.ID, t.Status, protocol.StatusInReview)
	}

	packet, err := e.BuildPacket(t, protocol.RoleReviewer, nil, nil)
	if err != nil {
		return nil, err
	}
	packet.Instruction = e.cfg.Worker.Instructions[string(protocol.RoleReviewer)]
	packet.Description = t.Description + "\n\nWork to review:\n" + t.AgentOutput
	packet.Files = appendMissing(packet.Files, t.FilesTouched...)

	e.logEntry(progress.Entry{TicketID: t.ID, Role: protocol.RoleReviewer, Action: "review_started"})
	res, err := e.Run(ctx, protocol.RoleReviewer, packet, e.cfg.TicketTimeout())
	if err != nil {
		e.logEntry(progress.Entry{TicketID: t.ID, Role: protocol.RoleReviewer, Action: "review_failed", Message: err.Error()})
		return nil, fmt.Errorf("delegate: review %s: %w", t.ID, err)
	}

	e.logEntry(progress.Entry{
		TicketID: t.ID, Role: protocol.RoleReviewer,
		Action: "review_" + string(res.Report.Status), Message: res.Report.Description,
		InvocationID: res.InvocationID,
	})

	if res.Report.Status == protocol.ReportCompleted {
		return e.Approve(t.ID, res.Report.Description)
	}
	todo := protocol.StatusTodo
	notes := blockReason(res.Report)
	return e.store.UpdateTicket(t.ID, ticket.Patch{Status: &todo, ReviewNotes: &notes})
}

// Approve moves an in_review ticket straight to done, recording notes.
// Used by the reviewer path and by sprint auto-approval.
func (e *Engine) Approve(ticketID, notes string) (*protocol.Ticket, error) {
	done := protocol.StatusDone
	patch := ticket.Patch{Status: &done}
	if notes != "" {
		patch.ReviewNotes = &notes
	}
	t, err := e.store.UpdateTicket(ticketID, patch)
	if err != nil {
		return nil, err
	}
	e.logEntry(progress.Entry{TicketID: ticketID, Action: "approved", Message: notes})
	return t, nil
}
