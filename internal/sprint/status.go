package sprint

import (
	"github.com/foreman-io/foreman/internal/resolver"
	"github.com/foreman-io/foreman/internal/ticket"
	"github.com/foreman-io/foreman/pkg/protocol"
)

// Status is a point-in-time view of the board.
type Status struct {
	Total   int
	Tickets map[protocol.TicketStatus]int
	Teams   map[protocol.TeamStatus]int
	Ready   []string // dispatchable ticket ids in dispatch order
	Blocked []string
	Stuck   []string
}

// Status summarizes tickets and teams for the status command.
func (s *Scheduler) Status() (*Status, error) {
	tickets, err := s.store.ListTickets(ticket.Filter{})
	if err != nil {
		return nil, err
	}
	teams, err := s.store.ListTeams()
	if err != nil {
		return nil, err
	}

	st := &Status{
		Total:   len(tickets),
		Tickets: make(map[protocol.TicketStatus]int),
		Teams:   make(map[protocol.TeamStatus]int),
	}
	for _, t := range tickets {
		st.Tickets[t.Status]++
		if t.Status == protocol.StatusBlocked {
			st.Blocked = append(st.Blocked, t.ID)
		}
	}
	for _, t := range resolver.Ready(nonEpics(tickets)) {
		st.Ready = append(st.Ready, t.ID)
	}
	if stuck, dead := resolver.Deadlocked(tickets); dead {
		st.Stuck = stuck
	}
	for _, tm := range teams {
		st.Teams[tm.Status]++
	}
	return st, nil
}
