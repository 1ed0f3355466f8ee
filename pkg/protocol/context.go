package protocol

import "time"

// Decision is one entry in a team's ordered decision log.
type Decision struct {
	Text      string    `json:"text"`
	Author    Role      `json:"author"`
	Timestamp time.Time `json:"timestamp"`
}

// InterfaceDecl records an interface a member declared for the others.
type InterfaceDecl struct {
	Name        string    `json:"name"`
	Declaration string    `json:"declaration"`
	Author      Role      `json:"author"`
	Timestamp   time.Time `json:"timestamp"`
}

// SharedContext is a per-team mutable record visible to members
// dispatched after each update. Decisions append in order; notes are
// last-write-wins per key.
type SharedContext struct {
	TeamID     string            `json:"team_id"`
	Decisions  []Decision        `json:"decisions"`
	Notes      map[string]string `json:"notes"`
	Interfaces []InterfaceDecl   `json:"interfaces"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// DecisionTexts returns the decisions as plain strings, oldest first.
func (c *SharedContext) DecisionTexts() []string {
	out := make([]string, len(c.Decisions))
	for i, d := range c.Decisions {
		out[i] = d.Text
	}
	return out
}
