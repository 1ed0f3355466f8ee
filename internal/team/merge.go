package team

import (
	"fmt"
	"strings"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// Outcome is one member's finished run.
type Outcome struct {
	Role    protocol.Role
	Blocked bool
	Summary string
	Files   []string
	Reason  string
}

// MergeResult is the team-level verdict over all member outcomes.
type MergeResult struct {
	Status       protocol.TeamStatus
	Files        []string
	BlockedRoles []protocol.Role
	Summary      string
}

// Merge folds member outcomes into a team verdict, independent of
// coordination mode: completed only when every member completed,
// otherwise failed listing the blocked roles. Files are the union
// across all members, including ones that blocked after touching
// files.
func Merge(outcomes []Outcome) MergeResult {
	res := MergeResult{Status: protocol.TeamCompleted}
	var lines []string
	for _, o := range outcomes {
		res.Files = union(res.Files, o.Files)
		if o.Blocked {
			res.Status = protocol.TeamFailed
			res.BlockedRoles = append(res.BlockedRoles, o.Role)
			lines = append(lines, fmt.Sprintf("%s: blocked: %s", o.Role, o.Reason))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %s", o.Role, o.Summary))
	}
	if len(outcomes) == 0 {
		res.Status = protocol.TeamFailed
		lines = append(lines, "no members ran")
	}
	res.Summary = strings.Join(lines, "\n")
	return res
}

// FailureReason renders the blocked roles for the parent ticket.
func (m MergeResult) FailureReason() string {
	roles := make([]string, len(m.BlockedRoles))
	for i, r := range m.BlockedRoles {
		roles[i] = string(r)
	}
	return "blocked roles: " + strings.Join(roles, ", ")
}

func union(dst []string, src []string) []string {
	for _, s := range src {
		found := false
		for _, d := range dst {
			if d == s {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, s)
		}
	}
	return dst
}
