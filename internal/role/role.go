// Package role picks the worker specialization for a ticket from its
// assigned role, its type, or keywords in its title and description.
package role

import (
	"strings"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// rules are checked in order; the first hit wins. Keyword sets are
// matched against the lowercased title and description.
var rules = []struct {
	role     protocol.Role
	keywords []string
}{
	{protocol.RoleArchitect, []string{"architecture", "design doc", "adr", "system design", "tech spec", "plan "}},
	{protocol.RoleSecurity, []string{"security", "vulnerability", "auth", "authentication", "authorization", "encrypt", "cve", "audit"}},
	{protocol.RoleDevops, []string{"deploy", "docker", "kubernetes", "ci/cd", "pipeline", "infrastructure", "terraform", "monitoring"}},
	{protocol.RoleTester, []string{"test", "coverage", "regression", "e2e", "qa "}},
	{protocol.RoleBackend, []string{"api", "endpoint", "database", "migration", "backend", "server", "queue", "cache"}},
	{protocol.RoleFrontend, []string{"ui", "frontend", "css", "component", "page", "form", "react", "accessibility"}},
}

// Select returns the role to handle t. Precedence: explicit assigned
// role, then type (epics and spikes go to the architect), then the
// keyword rules, falling back to fullstack.
func Select(t *protocol.Ticket) protocol.Role {
	if t.AssignedRole != "" {
		return t.AssignedRole
	}
	if t.Type == protocol.TypeEpic || t.Type == protocol.TypeSpike {
		return protocol.RoleArchitect
	}
	text := strings.ToLower(t.Title + " " + t.Description)
	for _, r := range rules {
		for _, kw := range r.keywords {
			if strings.Contains(text, kw) {
				return r.role
			}
		}
	}
	return protocol.RoleFullstack
}
