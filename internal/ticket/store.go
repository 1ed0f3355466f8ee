// Package ticket persists tickets, teams, team messages, and shared
// context. IDs are allocated by the store: tickets as PREFIX-NNN,
// teams as TEAM-NNN, messages as msg-NNN scoped per team.
package ticket

import (
	"errors"
	"fmt"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// ErrNotFound is returned when a ticket, team, or context row does
// not exist. Errors wrap it, so callers match with errors.Is.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError reports a status update the ticket state
// machine forbids.
type InvalidTransitionError struct {
	ID   string
	From protocol.TicketStatus
	To   protocol.TicketStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ticket: %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

// Patch holds a partial ticket update. Nil fields are left unchanged.
type Patch struct {
	Title              *string
	Description        *string
	Status             *protocol.TicketStatus
	Priority           *protocol.Priority
	AssignedRole       *protocol.Role
	ParentTicket       *string
	Dependencies       *[]string
	AcceptanceCriteria *[]string
	Complexity         *protocol.Complexity
	TeamMode           *protocol.TeamMode
	TeamTemplate       *string
	TeamID             *string
	AgentOutput        *string
	ReviewNotes        *string
	FilesTouched       *[]string
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Status protocol.TicketStatus
	Role   protocol.Role
	Type   protocol.TicketType
	Parent string
}

// Store is the persistence surface for the orchestrator.
type Store interface {
	CreateTicket(t *protocol.Ticket) (*protocol.Ticket, error)
	GetTicket(id string) (*protocol.Ticket, error)
	UpdateTicket(id string, patch Patch) (*protocol.Ticket, error)
	ListTickets(f Filter) ([]*protocol.Ticket, error)

	CreateTeam(team *protocol.Team) (*protocol.Team, error)
	GetTeam(id string) (*protocol.Team, error)
	SaveTeam(team *protocol.Team) error
	ListTeams() ([]*protocol.Team, error)

	AppendMessage(msg *protocol.Message) (*protocol.Message, error)
	ListMessages(teamID string) ([]*protocol.Message, error)
	MarkRead(teamID string, role protocol.Role) error

	GetContext(teamID string) (*protocol.SharedContext, error)
	AddDecision(teamID string, d protocol.Decision) error
	SetNote(teamID, key, value string) error
	AddInterface(teamID string, decl protocol.InterfaceDecl) error

	Close() error
}
