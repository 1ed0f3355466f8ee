// Package progress appends orchestration events to daily JSONL files
// under <data dir>/logs/YYYY-MM-DD.jsonl. Entries are append-only and
// human-greppable; nothing reads them back except the log command.
package progress

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/foreman-io/foreman/pkg/protocol"
)

// Entry is one logged event.
type Entry struct {
	Timestamp    time.Time     `json:"timestamp"`
	TicketID     string        `json:"ticket_id,omitempty"`
	TeamID       string        `json:"team_id,omitempty"`
	Role         protocol.Role `json:"role,omitempty"`
	Action       string        `json:"action"`
	Message      string        `json:"message,omitempty"`
	FilesChanged []string      `json:"files_changed,omitempty"`
	InvocationID string        `json:"invocation_id,omitempty"`
}

// Log appends entries to per-day files. Safe for concurrent use
// within one process.
type Log struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewLog returns a Log writing under dir/logs.
func NewLog(dir string) *Log {
	return &Log{dir: filepath.Join(dir, "logs"), now: func() time.Time { return time.Now().UTC() }}
}

// Append writes one entry to today's file, creating it if needed.
func (l *Log) Append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("progress: encode entry: %w", err)
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("progress: create log dir: %w", err)
	}
	path := filepath.Join(l.dir, e.Timestamp.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("progress: open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("progress: write %s: %w", path, err)
	}
	return nil
}

// Read returns the entries logged on day (UTC), oldest first. A day
// with no file yields an empty slice.
func (l *Log) Read(day time.Time) ([]Entry, error) {
	path := filepath.Join(l.dir, day.UTC().Format("2006-01-02")+".jsonl")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("progress: open %s: %w", path, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("progress: decode %s: %w", path, err)
		}
		out = append(out, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("progress: read %s: %w", path, err)
	}
	return out, nil
}
