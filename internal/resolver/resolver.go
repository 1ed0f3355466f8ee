// Package resolver answers readiness and ordering questions over the
// ticket dependency graph. All functions are pure: they operate on a
// snapshot of tickets and never mutate store state.
package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// CyclicDependencyError reports a dependency edge that would close a
// cycle. Path lists the ticket ids along the cycle, ending where it
// started.
type CyclicDependencyError struct {
	Path []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("resolver: dependency cycle: %s", strings.Join(e.Path, " -> "))
}

// IsReady reports whether t can be dispatched: status todo and every
// dependency done. Tickets referenced in Dependencies but absent from
// byID count as unresolved.
func IsReady(t *protocol.Ticket, byID map[string]*protocol.Ticket) bool {
	if t.Status != protocol.StatusTodo {
		return false
	}
	for _, dep := range t.Dependencies {
		d, ok := byID[dep]
		if !ok || d.Status != protocol.StatusDone {
			return false
		}
	}
	return true
}

// Ready returns every dispatchable ticket in deterministic order:
// priority rank first, then creation time, then id.
func Ready(tickets []*protocol.Ticket) []*protocol.Ticket {
	byID := index(tickets)
	var out []*protocol.Ticket
	for _, t := range tickets {
		if IsReady(t, byID) {
			out = append(out, t)
		}
	}
	sortByDispatchOrder(out)
	return out
}

// NextReady returns the highest-priority ready ticket, or nil when
// nothing is dispatchable. Ties break on earliest creation time, then
// lexical id, so repeated calls over the same snapshot agree.
func NextReady(tickets []*protocol.Ticket) *protocol.Ticket {
	ready := Ready(tickets)
	if len(ready) == 0 {
		return nil
	}
	return ready[0]
}

func sortByDispatchOrder(ts []*protocol.Ticket) {
	sort.SliceStable(ts, func(i, j int) bool {
		ri, rj := ts[i].Priority.Rank(), ts[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

// WouldCycle checks whether replacing from's dependency list with
// newDeps closes a cycle. The edge from -> dep cycles exactly when
// from is already reachable from dep. Returns nil when the graph
// stays acyclic.
func WouldCycle(tickets []*protocol.Ticket, from string, newDeps []string) *CyclicDependencyError {
	edges := make(map[string][]string, len(tickets))
	for _, t := range tickets {
		if t.ID == from {
			continue
		}
		edges[t.ID] = t.Dependencies
	}
	edges[from] = newDeps

	for _, dep := range newDeps {
		if dep == from {
			return &CyclicDependencyError{Path: []string{from, from}}
		}
		if path := findPath(edges, dep, from); path != nil {
			return &CyclicDependencyError{Path: append([]string{from}, path...)}
		}
	}
	return nil
}

// findPath returns the dependency path from start to target, or nil.
func findPath(edges map[string][]string, start, target string) []string {
	seen := map[string]bool{}
	var dfs func(id string) []string
	dfs = func(id string) []string {
		if id == target {
			return []string{id}
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		for _, next := range edges[id] {
			if path := dfs(next); path != nil {
				return append([]string{id}, path...)
			}
		}
		return nil
	}
	return dfs(start)
}

// Deadlocked reports whether the sprint can make no further progress:
// at least one todo ticket remains and none of them can ever reach
// done. A ticket can complete when it is done, currently moving
// (in_progress or in_review), or todo with all dependencies able to
// complete. Blocked and backlog tickets cannot complete within the
// running sprint. Epics complete through rollup, so an epic can
// complete when all of its children can.
func Deadlocked(tickets []*protocol.Ticket) (stuck []string, deadlocked bool) {
	byID := index(tickets)
	children := make(map[string][]*protocol.Ticket)
	for _, t := range tickets {
		if t.ParentTicket != "" {
			children[t.ParentTicket] = append(children[t.ParentTicket], t)
		}
	}

	memo := map[string]bool{}
	visiting := map[string]bool{}
	var canComplete func(t *protocol.Ticket) bool
	canComplete = func(t *protocol.Ticket) bool {
		if v, ok := memo[t.ID]; ok {
			return v
		}
		if visiting[t.ID] {
			return false
		}
		visiting[t.ID] = true
		defer delete(visiting, t.ID)

		var v bool
		switch {
		case t.Status == protocol.StatusDone:
			v = true
		case t.Status == protocol.StatusBlocked, t.Status == protocol.StatusBacklog && t.Type != protocol.TypeEpic:
			v = false
		case t.Status == protocol.StatusInProgress, t.Status == protocol.StatusInReview:
			v = true
		case t.Type == protocol.TypeEpic:
			kids := children[t.ID]
			v = len(kids) > 0
			for _, k := range kids {
				if !canComplete(k) {
					v = false
					break
				}
			}
		default: // todo
			v = true
			for _, dep := range t.Dependencies {
				d, ok := byID[dep]
				if !ok || !canComplete(d) {
					v = false
					break
				}
			}
		}
		memo[t.ID] = v
		return v
	}

	todos := 0
	for _, t := range tickets {
		if t.Status != protocol.StatusTodo || t.Type == protocol.TypeEpic {
			continue
		}
		todos++
		if !canComplete(t) {
			stuck = append(stuck, t.ID)
		}
	}
	sort.Strings(stuck)
	return stuck, todos > 0 && len(stuck) == todos
}

func index(tickets []*protocol.Ticket) map[string]*protocol.Ticket {
	byID := make(map[string]*protocol.Ticket, len(tickets))
	for _, t := range tickets {
		byID[t.ID] = t
	}
	return byID
}
