package protocol

import "time"

// Role identifies a worker specialization.
type Role string

const (
	RoleArchitect Role = "architect"
	RoleBackend   Role = "backend"
	RoleFrontend  Role = "frontend"
	RoleFullstack Role = "fullstack"
	RoleTester    Role = "tester"
	RoleSecurity  Role = "security"
	RoleDevops    Role = "devops"
	RoleReviewer  Role = "reviewer"
	// RoleHelper runs one-shot tasks outside any ticket.
	RoleHelper Role = "helper"
)

// CoordinationMode governs the dispatch order of team members.
type CoordinationMode string

const (
	CoordParallel   CoordinationMode = "parallel"
	CoordSequential CoordinationMode = "sequential"
	CoordMixed      CoordinationMode = "mixed"
)

// Valid reports whether m is a known coordination mode.
func (m CoordinationMode) Valid() bool {
	switch m {
	case CoordParallel, CoordSequential, CoordMixed:
		return true
	}
	return false
}

// TeamStatus represents the lifecycle state of a team.
type TeamStatus string

const (
	TeamForming   TeamStatus = "forming"
	TeamActive    TeamStatus = "active"
	TeamCompleted TeamStatus = "completed"
	TeamFailed    TeamStatus = "failed"
)

// teamTransitions lists the legal outgoing edges of the team state
// machine. completed and failed are terminal.
var teamTransitions = map[TeamStatus][]TeamStatus{
	TeamForming:   {TeamActive, TeamFailed},
	TeamActive:    {TeamCompleted, TeamFailed},
	TeamCompleted: {},
	TeamFailed:    {},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s TeamStatus) CanTransitionTo(next TeamStatus) bool {
	for _, t := range teamTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MemberStatus tracks one team member's run.
type MemberStatus string

const (
	MemberPending   MemberStatus = "pending"
	MemberWorking   MemberStatus = "working"
	MemberCompleted MemberStatus = "completed"
	MemberBlocked   MemberStatus = "blocked"
)

// TeamMember is one role slot inside a team.
type TeamMember struct {
	Role        Role         `json:"role"`
	Focus       string       `json:"focus,omitempty"`
	Scope       []string     `json:"scope,omitempty"` // file paths this member declares it will edit
	Status      MemberStatus `json:"status"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Summary     string       `json:"summary,omitempty"`
}

// Team is an ephemeral group of worker roles collaborating on one
// ticket under a coordination mode.
type Team struct {
	ID          string           `json:"id"`
	TicketID    string           `json:"ticket_id"`
	Template    string           `json:"template"`
	Members     []TeamMember     `json:"members"`
	Lead        Role             `json:"lead"`
	Mode        CoordinationMode `json:"mode"`
	Status      TeamStatus       `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Member returns the member entry for role, or nil if absent.
func (t *Team) Member(role Role) *TeamMember {
	for i := range t.Members {
		if t.Members[i].Role == role {
			return &t.Members[i]
		}
	}
	return nil
}
