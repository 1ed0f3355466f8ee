package team

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foreman-io/foreman/internal/config"
	"github.com/foreman-io/foreman/internal/delegate"
	"github.com/foreman-io/foreman/internal/invoke"
	"github.com/foreman-io/foreman/internal/progress"
	"github.com/foreman-io/foreman/internal/reserve"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// Coordinator runs teams. One Coordinator serves the whole process;
// per-team state lives in the store and the reservation registry.
type Coordinator struct {
	store     ticket.Store
	engine    *delegate.Engine
	registry  *reserve.Registry
	cfg       *config.Config
	templates map[string]Template
	plog      *progress.Log
	logger    *slog.Logger

	mu sync.Mutex // guards member slice mutation during parallel phases
}

// NewCoordinator wires a coordinator.
func NewCoordinator(store ticket.Store, engine *delegate.Engine, registry *reserve.Registry,
	templates map[string]Template, plog *progress.Log, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store: store, engine: engine, registry: registry,
		templates: templates, plog: plog, cfg: cfg, logger: logger,
	}
}

// Execute runs ticketID through a team built from templateName (the
// ticket's own template when empty, falling back to fullstack-team).
// The merged outcome transitions the parent ticket exactly like a solo
// worker report would.
func (c *Coordinator) Execute(ctx context.Context, ticketID, templateName string) (*protocol.Ticket, error) {
	t, err := c.store.GetTicket(ticketID)
	if err != nil {
		return nil, err
	}
	if templateName == "" {
		templateName = t.TeamTemplate
	}
	if templateName == "" {
		templateName = "fullstack-team"
	}
	tpl, ok := c.templates[templateName]
	if !ok {
		return nil, fmt.Errorf("team: unknown template %q", templateName)
	}

	tm, err := c.Form(t.ID, tpl)
	if err != nil {
		return nil, err
	}

	inProgress := protocol.StatusInProgress
	if t, err = c.store.UpdateTicket(t.ID, ticket.Patch{
		Status: &inProgress, TeamID: &tm.ID, AssignedRole: &tpl.Lead, TeamTemplate: &templateName,
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tm.Status = protocol.TeamActive
	tm.StartedAt = &now
	if err := c.store.SaveTeam(tm); err != nil {
		return nil, err
	}
	c.logEntry(progress.Entry{TicketID: t.ID, TeamID: tm.ID, Action: "team_started", Message: templateName})

	var outcomes []Outcome
	switch tm.Mode {
	case protocol.CoordParallel:
		outcomes = c.runParallel(ctx, tm, t, tm.Members, nil)
	case protocol.CoordSequential:
		outcomes = c.runSequential(ctx, tm, t)
	case protocol.CoordMixed:
		outcomes = c.runMixed(ctx, tm, t)
	default:
		return nil, fmt.Errorf("team: %s: unknown mode %q", tm.ID, tm.Mode)
	}

	merged := Merge(outcomes)
	done := time.Now().UTC()
	tm.Status = merged.Status
	tm.CompletedAt = &done
	if err := c.store.SaveTeam(tm); err != nil {
		return nil, err
	}
	c.registry.ReleaseTeam(tm.ID)
	c.logEntry(progress.Entry{
		TicketID: t.ID, TeamID: tm.ID, Action: "team_" + string(merged.Status),
		Message: merged.Summary, FilesChanged: merged.Files,
	})

	rep := protocol.Report{
		Status:       protocol.ReportCompleted,
		FilesChanged: merged.Files,
		Description:  merged.Summary,
	}
	if merged.Status == protocol.TeamFailed {
		rep.Status = protocol.ReportBlocked
		rep.Description = merged.FailureReason() + "\n" + merged.Summary
	}
	return c.engine.Apply(t.ID, tm.Lead, &invoke.Result{Report: rep}, nil)
}

// Form creates a team for ticketID from tpl, in forming state.
func (c *Coordinator) Form(ticketID string, tpl Template) (*protocol.Team, error) {
	members := make([]protocol.TeamMember, len(tpl.Members))
	for i, m := range tpl.Members {
		members[i] = protocol.TeamMember{
			Role:   m.Role,
			Focus:  m.Focus,
			Scope:  m.Scope,
			Status: protocol.MemberPending,
		}
	}
	return c.store.CreateTeam(&protocol.Team{
		TicketID: ticketID,
		Template: tpl.Name,
		Members:  members,
		Lead:     tpl.Lead,
		Mode:     tpl.Mode,
	})
}

// runParallel dispatches members concurrently and joins all of them.
// A failed member never cancels its siblings: partial results must
// survive to the merge.
//
// Scopes are reserved for every member in template order before anyone
// dispatches, so an overlap between two members conflicts
// deterministically instead of depending on which run finishes first.
func (c *Coordinator) runParallel(ctx context.Context, tm *protocol.Team, t *protocol.Ticket,
	members []protocol.TeamMember, prior []protocol.PriorWork) []Outcome {
	outcomes := make([]Outcome, len(members))
	dispatch := make([]bool, len(members))
	for i := range members {
		m := members[i]
		if err := c.registry.Reserve(tm.ID, m.Role, m.Scope); err != nil {
			var cerr *reserve.ConflictError
			reason := err.Error()
			if errors.As(err, &cerr) {
				reason = fmt.Sprintf("scope conflict: %s held by %s", cerr.Path, cerr.Holder)
			}
			outcomes[i] = c.finishMember(tm, m.Role, Outcome{Role: m.Role, Blocked: true, Reason: reason})
			continue
		}
		dispatch[i] = true
	}

	var g errgroup.Group
	for i := range members {
		if !dispatch[i] {
			continue
		}
		i := i
		role := members[i].Role
		g.Go(func() error {
			outcomes[i] = c.runMember(ctx, tm, t, role, prior)
			return nil
		})
	}
	g.Wait()
	return outcomes
}

// runSequential dispatches lead first, then the rest in template
// order, feeding each member the prior work of everyone before it. A
// blocked member halts the chain; later members stay pending.
func (c *Coordinator) runSequential(ctx context.Context, tm *protocol.Team, t *protocol.Ticket) []Outcome {
	var outcomes []Outcome
	var prior []protocol.PriorWork
	for _, role := range leadFirst(tm) {
		o := c.runMember(ctx, tm, t, role, prior)
		outcomes = append(outcomes, o)
		if o.Blocked {
			break
		}
		prior = append(prior, protocol.PriorWork{
			Role: o.Role, Description: o.Summary, FilesChanged: o.Files,
		})
	}
	return outcomes
}

// runMixed runs the lead alone, then the remaining members in
// parallel with the lead's output as prior work. A blocked lead ends
// the team before anyone else dispatches.
func (c *Coordinator) runMixed(ctx context.Context, tm *protocol.Team, t *protocol.Ticket) []Outcome {
	lead := c.runMember(ctx, tm, t, tm.Lead, nil)
	if lead.Blocked {
		return []Outcome{lead}
	}
	prior := []protocol.PriorWork{{Role: lead.Role, Description: lead.Summary, FilesChanged: lead.Files}}

	var rest []protocol.TeamMember
	for _, m := range tm.Members {
		if m.Role != tm.Lead {
			rest = append(rest, m)
		}
	}
	return append([]Outcome{lead}, c.runParallel(ctx, tm, t, rest, prior)...)
}

// runMember runs one role slot to completion: reserve scope, read the
// shared context as of dispatch time, invoke, release. Reservation
// conflicts block the member without an invocation.
func (c *Coordinator) runMember(ctx context.Context, tm *protocol.Team, t *protocol.Ticket,
	role protocol.Role, prior []protocol.PriorWork) Outcome {
	member := c.setMemberWorking(tm, role)
	if member == nil {
		return Outcome{Role: role, Blocked: true, Reason: "role not in team"}
	}
	defer c.registry.Release(tm.ID, role)

	if err := c.registry.Reserve(tm.ID, role, member.Scope); err != nil {
		var cerr *reserve.ConflictError
		reason := err.Error()
		if errors.As(err, &cerr) {
			reason = fmt.Sprintf("scope conflict: %s held by %s", cerr.Path, cerr.Holder)
		}
		return c.finishMember(tm, role, Outcome{Role: role, Blocked: true, Reason: reason})
	}

	// shared-context updates are visible only to members dispatched
	// after the update, so the snapshot is taken here
	var decisions []string
	if sc, err := c.store.GetContext(tm.ID); err == nil {
		decisions = sc.DecisionTexts()
	}

	packet, err := c.engine.BuildPacket(t, role, decisions, prior)
	if err != nil {
		return c.finishMember(tm, role, Outcome{Role: role, Blocked: true, Reason: err.Error()})
	}
	packet.Files = union(packet.Files, member.Scope)
	if member.Focus != "" {
		packet.Instruction = strings.TrimSpace(packet.Instruction + "\nFocus: " + member.Focus)
	}

	c.logEntry(progress.Entry{TicketID: t.ID, TeamID: tm.ID, Role: role, Action: "member_dispatched"})
	res, err := c.engine.Run(ctx, role, packet, c.cfg.TicketTimeout())
	if err != nil {
		reason := "worker error: " + err.Error()
		switch {
		case errors.Is(err, invoke.ErrTimeout):
			reason = "timeout exceeded"
		case errors.Is(err, invoke.ErrUnparseable):
			reason = "unparseable output"
		}
		return c.finishMember(tm, role, Outcome{Role: role, Blocked: true, Reason: reason})
	}

	rep := res.Report
	o := Outcome{Role: role, Summary: rep.Description, Files: rep.FilesChanged}
	switch rep.Status {
	case protocol.ReportCompleted, protocol.ReportNeedsReview:
		// needs_review counts as completed here; doubts surface in
		// the parent ticket's review step
	default:
		o.Blocked = true
		o.Reason = rep.Description
	}
	return c.finishMember(tm, role, o)
}

func (c *Coordinator) setMemberWorking(tm *protocol.Team, role protocol.Role) *protocol.TeamMember {
	c.mu.Lock()
	defer c.mu.Unlock()
	member := tm.Member(role)
	if member == nil {
		return nil
	}
	now := time.Now().UTC()
	member.Status = protocol.MemberWorking
	member.StartedAt = &now
	c.saveMembers(tm)
	return member
}

// saveMembers persists member state mid-run so a concurrent status
// query sees the live lifecycle, not pending until the team finishes.
// Callers hold c.mu.
func (c *Coordinator) saveMembers(tm *protocol.Team) {
	if err := c.store.SaveTeam(tm); err != nil {
		c.logger.Warn("member state save failed", "team", tm.ID, "error", err)
	}
}

func (c *Coordinator) finishMember(tm *protocol.Team, role protocol.Role, o Outcome) Outcome {
	c.mu.Lock()
	member := tm.Member(role)
	now := time.Now().UTC()
	if member != nil {
		member.CompletedAt = &now
		member.Summary = o.Summary
		if o.Blocked {
			member.Status = protocol.MemberBlocked
			member.Summary = o.Reason
		} else {
			member.Status = protocol.MemberCompleted
		}
		c.saveMembers(tm)
	}
	c.mu.Unlock()

	action := "member_completed"
	if o.Blocked {
		action = "member_blocked"
		if _, err := c.store.AppendMessage(&protocol.Message{
			TeamID: tm.ID, From: role, To: protocol.Broadcast,
			Type: protocol.MsgBlocked, Body: o.Reason,
		}); err != nil {
			c.logger.Warn("blocked message append failed", "team", tm.ID, "error", err)
		}
	}
	message := o.Summary
	if o.Blocked {
		message = o.Reason
	}
	c.logEntry(progress.Entry{
		TicketID: tm.TicketID, TeamID: tm.ID, Role: role,
		Action: action, Message: message, FilesChanged: o.Files,
	})
	return o
}

// leadFirst orders the team's roles with the lead at the front and
// the rest in template order.
func leadFirst(tm *protocol.Team) []protocol.Role {
	roles := []protocol.Role{tm.Lead}
	for _, m := range tm.Members {
		if m.Role != tm.Lead {
			roles = append(roles, m.Role)
		}
	}
	return roles
}

func (c *Coordinator) logEntry(entry progress.Entry) {
	if c.plog == nil {
		return
	}
	if err := c.plog.Append(entry); err != nil {
		c.logger.Warn("progress log append failed", "error", err)
	}
}
