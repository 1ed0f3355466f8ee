package protocol

import "time"

// Broadcast is the recipient value addressing every member of a team.
const Broadcast Role = "@*"

// MessageType classifies a team message.
type MessageType string

const (
	MsgInfo     MessageType = "info"
	MsgQuestion MessageType = "question"
	MsgDecision MessageType = "decision"
	MsgBlocked  MessageType = "blocked"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MsgInfo, MsgQuestion, MsgDecision, MsgBlocked:
		return true
	}
	return false
}

// Message is one entry in a team's append-only message log. Messages
// are immutable once written; the To field is informational, not
// access control: every member sees every message.
type Message struct {
	ID        string      `json:"id"`
	TeamID    string      `json:"team_id"`
	From      Role        `json:"from"`
	To        Role        `json:"to"`
	Type      MessageType `json:"type"`
	Body      string      `json:"body"`
	Timestamp time.Time   `json:"timestamp"`
	ReadBy    []Role      `json:"read_by"`
}

// ReadByRole reports whether role has marked the message read.
func (m *Message) ReadByRole(role Role) bool {
	for _, r := range m.ReadBy {
		if r == role {
			return true
		}
	}
	return false
}
