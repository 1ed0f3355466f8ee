// Package reserve tracks which team member holds which file paths
// while a team is running. Reservations are advisory and in-memory;
// they live only as long as the coordinating process.
package reserve

import (
	"fmt"
	"sort"
	"sync"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// ConflictError reports a path already reserved by another role.
type ConflictError struct {
	TeamID string
	Path   string
	Holder protocol.Role
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reserve: %s: %s already reserved by %s", e.TeamID, e.Path, e.Holder)
}

// Registry holds per-team path reservations. Safe for concurrent use
// by team member goroutines.
type Registry struct {
	mu    sync.Mutex
	teams map[string]map[string]protocol.Role // team id -> path -> holder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{teams: make(map[string]map[string]protocol.Role)}
}

// Reserve claims paths for role within teamID. All-or-nothing: if any
// path is held by another role, nothing is reserved and the first
// conflict is returned. Re-reserving a path the role already holds is
// a no-op.
func (r *Registry) Reserve(teamID string, role protocol.Role, paths []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	held := r.teams[teamID]
	if held == nil {
		held = make(map[string]protocol.Role)
		r.teams[teamID] = held
	}
	for _, p := range paths {
		if holder, ok := held[p]; ok && holder != role {
			return &ConflictError{TeamID: teamID, Path: p, Holder: holder}
		}
	}
	for _, p := range paths {
		held[p] = role
	}
	return nil
}

// Release drops every reservation role holds within teamID.
func (r *Registry) Release(teamID string, role protocol.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for p, holder := range r.teams[teamID] {
		if holder == role {
			delete(r.teams[teamID], p)
		}
	}
}

// ReleaseTeam drops all reservations for a team, called when the team
// finishes.
func (r *Registry) ReleaseTeam(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.teams, teamID)
}

// Holder returns who holds path in teamID, or "" when unreserved.
func (r *Registry) Holder(teamID, path string) protocol.Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.teams[teamID][path]
}

// Reserved lists the paths role holds in teamID, sorted.
func (r *Registry) Reserved(teamID string, role protocol.Role) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for p, holder := range r.teams[teamID] {
		if holder == role {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}
