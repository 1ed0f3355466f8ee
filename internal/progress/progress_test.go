package progress

import (
	"testing"
	"time"

	"github.com/foreman-io/foreman/pkg/protocol"
)

func TestAppendAndRead(t *testing.T) {
	l := NewLog(t.TempDir())
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if err := l.Append(Entry{TicketID: "APP-001", Role: protocol.RoleBackend, Action: "dispatched"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(Entry{TicketID: "APP-001", Role: protocol.RoleBackend, Action: "completed",
		FilesChanged: []string{"api/users.go"}}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Read(now)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Action != "dispatched" || got[1].Action != "completed" {
		t.Fatalf("expected order preserved, got %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Fatalf("expected timestamp filled in")
	}
}

func TestEntriesSplitByDay(t *testing.T) {
	l := NewLog(t.TempDir())
	day1 := time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC)
	day2 := day1.Add(2 * time.Hour)

	if err := l.Append(Entry{Action: "sprint_started", Timestamp: day1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := l.Append(Entry{Action: "sprint_finished", Timestamp: day2}); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Read(day1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Action != "sprint_started" {
		t.Fatalf("expected only day one entry, got %+v", got)
	}
}

func TestReadMissingDay(t *testing.T) {
	l := NewLog(t.TempDir())
	got, err := l.Read(time.Now())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no entries, got %+v", got)
	}
}
