package protocol

import "time"

// TicketStatus represents the lifecycle state of a ticket.
type TicketStatus string

const (
	StatusBacklog    TicketStatus = "backlog"
	StatusTodo       TicketStatus = "todo"
	StatusInProgress TicketStatus = "in_progress"
	StatusInReview   TicketStatus = "in_review"
	StatusDone       TicketStatus = "done"
	StatusBlocked    TicketStatus = "blocked"
)

// transitions lists the legal outgoing edges of the ticket state machine.
// done is terminal; blocked can only be re-queued.
var transitions = map[TicketStatus][]TicketStatus{
	StatusBacklog:    {StatusTodo},
	StatusTodo:       {StatusInProgress},
	StatusInProgress: {StatusInReview, StatusBlocked},
	StatusInReview:   {StatusDone, StatusTodo},
	StatusBlocked:    {StatusTodo},
	StatusDone:       {},
}

// Valid reports whether s is a known ticket status.
func (s TicketStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// TicketType classifies a ticket.
type TicketType string

const (
	TypeEpic    TicketType = "epic"
	TypeFeature TicketType = "feature"
	TypeBug     TicketType = "bug"
	TypeTask    TicketType = "task"
	TypeSpike   TicketType = "spike"
)

// Valid reports whether t is a known ticket type.
func (t TicketType) Valid() bool {
	switch t {
	case TypeEpic, TypeFeature, TypeBug, TypeTask, TypeSpike:
		return true
	}
	return false
}

// Priority orders tickets for scheduling.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns the scheduling rank of p; lower ranks are picked first.
// Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return 99
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() != 99
}

// Complexity is a coarse size estimate.
type Complexity string

const (
	ComplexityXS Complexity = "XS"
	ComplexityS  Complexity = "S"
	ComplexityM  Complexity = "M"
	ComplexityL  Complexity = "L"
	ComplexityXL Complexity = "XL"
)

// Valid reports whether c is a known complexity.
func (c Complexity) Valid() bool {
	switch c {
	case ComplexityXS, ComplexityS, ComplexityM, ComplexityL, ComplexityXL:
		return true
	}
	return false
}

// TeamMode selects solo or collaborative execution for a ticket.
type TeamMode string

const (
	ModeSolo          TeamMode = "solo"
	ModeCollaborative TeamMode = "collaborative"
)

// Valid reports whether m is a known team mode.
func (m TeamMode) Valid() bool {
	return m == ModeSolo || m == ModeCollaborative
}

// Ticket is a unit of work with acceptance criteria and a status.
type Ticket struct {
	ID                 string       `json:"id"`
	Title              string       `json:"title"`
	Description        string       `json:"description,omitempty"`
	Type               TicketType   `json:"type"`
	Status             TicketStatus `json:"status"`
	Priority           Priority     `json:"priority"`
	AssignedRole       Role         `json:"assigned_role,omitempty"`
	ParentTicket       string       `json:"parent_ticket,omitempty"`
	Dependencies       []string     `json:"dependencies"`
	AcceptanceCriteria []string     `json:"acceptance_criteria"`
	Complexity         Complexity   `json:"complexity"`
	TeamMode           TeamMode     `json:"team_mode"`
	TeamTemplate       string       `json:"team_template,omitempty"`
	TeamID             string       `json:"team_id,omitempty"`
	AgentOutput        string       `json:"agent_output,omitempty"`
	ReviewNotes        string       `json:"review_notes,omitempty"`
	FilesTouched       []string     `json:"files_touched"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
	CompletedAt        *time.Time   `json:"completed_at,omitempty"`
}
