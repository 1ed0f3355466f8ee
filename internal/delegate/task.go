package delegate

import (
	"context"
	"fmt"

	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// TaskResult is the outcome of a one-shot helper run.
type TaskResult struct {
	Report protocol.Report
	// EscalatedTicket is set when the helper judged the task too
	// complex and a backlog ticket was filed instead.
	EscalatedTicket string
}

// RunTask runs a one-shot helper outside any ticket, with the shorter
// task timeout. A too_complex report escalates: the task is filed as a
// backlog ticket for a later sprint.
func (e *Engine) RunTask(ctx context.Context, description string) (*TaskResult, error) {
	packet := &protocol.TaskPacket{
		Title:       "one-shot task",
		Description: description,
		ProjectRoot: e.cfg.Project.Root,
		Instruction: e.cfg.Worker.Instructions[string(protocol.RoleHelper)],
	}
	e.logEntry(progress.Entry{Role: protocol.RoleHelper, Action: "task_started", Message: description})

	res, err := e.Run(ctx, protocol.RoleHelper, packet, e.cfg.TaskTimeout())
	if err != nil {
		e.logEntry(progress.Entry{Role: protocol.RoleHelper, Action: "task_failed", Message: err.Error()})
		return nil, fmt.Errorf("delegate: task: %w", err)
	}

	out := &TaskResult{Report: res.Report}
	if res.Report.Status == protocol.ReportTooComplex {
		t, err := e.store.CreateTicket(&protocol.Ticket{
			Title:       firstLine(description),
			Description: description + "\n\nEscalated by helper: " + res.Report.Description,
			Type:        protocol.TypeTask,
		})
		if err != nil {
			return nil, fmt.Errorf("delegate: escalate task: %w", err)
		}
		out.EscalatedTicket = t.ID
		e.logEntry(progress.Entry{TicketID: t.ID, Role: protocol.RoleHelper, Action: "task_escalated", Message: res.Report.Description})
		return out, nil
	}

	e.logEntry(progress.Entry{
		Role: protocol.RoleHelper, Action: "task_" + string(res.Report.Status),
		Message: res.Report.Description, FilesChanged: res.Report.FilesChanged,
		InvocationID: res.InvocationID,
	})
	return out, nil
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	if len(s) > 80 {
		return s[:80]
	}
	return s
}
