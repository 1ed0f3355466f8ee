package protocol

// PriorWork summarizes an earlier member's run, fed to later members
// in sequential and mixed team modes.
type PriorWork struct {
	Role         Role     `json:"role"`
	Description  string   `json:"description"`
	FilesChanged []string `json:"files_changed"`
}

// TaskPacket is the envelope handed to an external worker. The core
// depends only on this structure, not on how the worker runs.
type TaskPacket struct {
	TicketID           string      `json:"ticket_id,omitempty"`
	Title              string      `json:"title"`
	Description        string      `json:"description,omitempty"`
	AcceptanceCriteria []string    `json:"acceptance_criteria,omitempty"`
	ProjectRoot        string      `json:"project_root"`
	Files              []string    `json:"files,omitempty"`
	Decisions          []string    `json:"decisions,omitempty"`
	RelatedTickets     []string    `json:"related_tickets,omitempty"`
	PriorWork          []PriorWork `json:"prior_work,omitempty"`
	Instruction        string      `json:"instruction,omitempty"`
}

// ReportStatus is the outcome a worker reports.
type ReportStatus string

const (
	ReportCompleted   ReportStatus = "completed"
	ReportNeedsReview ReportStatus = "needs_review"
	ReportBlocked     ReportStatus = "blocked"
	// ReportTooComplex is emitted by one-shot helpers that want the
	// task escalated to a ticket.
	ReportTooComplex ReportStatus = "too_complex"
)

// Valid reports whether s is a known report status.
func (s ReportStatus) Valid() bool {
	switch s {
	case ReportCompleted, ReportNeedsReview, ReportBlocked, ReportTooComplex:
		return true
	}
	return false
}

// Report is what a worker returns: the last JSON object on its stdout.
type Report struct {
	Status        ReportStatus `json:"status"`
	FilesChanged  []string     `json:"files_changed"`
	Description   string       `json:"description"`
	OpenQuestions []string     `json:"open_questions,omitempty"`
}
