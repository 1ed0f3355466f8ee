package reserve

import (
	"errors"
	"sync"
	"testing"

	"github.com/foreman-io/foreman/pkg/protocol"
)

func TestReserveAndConflict(t *testing.T) {
	r := NewRegistry()
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"api/users.go", "api/auth.go"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	err := r.Reserve("TEAM-001", protocol.RoleFrontend, []string{"web/app.tsx", "api/auth.go"})
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if cerr.Path != "api/auth.go" || cerr.Holder != protocol.RoleBackend {
		t.Fatalf("unexpected conflict detail: %+v", cerr)
	}
	// all-or-nothing: the non-conflicting path stayed free
	if got := r.Holder("TEAM-001", "web/app.tsx"); got != "" {
		t.Fatalf("expected web/app.tsx unreserved, held by %s", got)
	}
}

func TestReserveIdempotentForHolder(t *testing.T) {
	r := NewRegistry()
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"main.go"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"main.go"}); err != nil {
		t.Fatalf("re-reserve by holder must succeed: %v", err)
	}
}

func TestReleaseFreesPaths(t *testing.T) {
	r := NewRegistry()
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"main.go"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	r.Release("TEAM-001", protocol.RoleBackend)
	if err := r.Reserve("TEAM-001", protocol.RoleFrontend, []string{"main.go"}); err != nil {
		t.Fatalf("expected path free after release: %v", err)
	}
}

func TestTeamsAreIsolated(t *testing.T) {
	r := NewRegistry()
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"main.go"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Reserve("TEAM-002", protocol.RoleFrontend, []string{"main.go"}); err != nil {
		t.Fatalf("same path in another team must not conflict: %v", err)
	}
}

func TestReserved(t *testing.T) {
	r := NewRegistry()
	if err := r.Reserve("TEAM-001", protocol.RoleBackend, []string{"b.go", "a.go"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	got := r.Reserved("TEAM-001", protocol.RoleBackend)
	if len(got) != 2 || got[0] != "a.go" || got[1] != "b.go" {
		t.Fatalf("expected sorted [a.go b.go], got %v", got)
	}
}

func TestConcurrentReserve(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	grants := make(chan protocol.Role, 2)
	for _, role := range []protocol.Role{protocol.RoleBackend, protocol.RoleFrontend} {
		wg.Add(1)
		go func(role protocol.Role) {
			defer wg.Done()
			if err := r.Reserve("TEAM-001", role, []string{"shared.go"}); err == nil {
				grants <- role
			}
		}(role)
	}
	wg.Wait()
	close(grants)
	if n := len(grants); n != 1 {
		t.Fatalf("expected exactly one grant, got %d", n)
	}
}
