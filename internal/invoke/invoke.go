// Package invoke runs worker agents as subprocesses. The task packet
// is written to the worker's stdin as JSON; the worker prints a
// report as the last JSON object on stdout.
package invoke

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/foreman-io/foreman/pkg/protocol"
)

var (
	// ErrTimeout is returned when the worker exceeds its deadline.
	ErrTimeout = errors.New("invoke: worker timed out")
	// ErrUnparseable is returned when no report can be extracted
	// from the worker's output.
	ErrUnparseable = errors.New("invoke: unparseable worker output")
)

// Result is one finished worker run.
type Result struct {
	InvocationID string
	Role         protocol.Role
	Report       protocol.Report
	RawOutput    string
	Duration     time.Duration
}

// Invoker runs one worker to completion.
type Invoker interface {
	Invoke(ctx context.Context, role protocol.Role, packet *protocol.TaskPacket, timeout time.Duration) (*Result, error)
}

// Subprocess invokes workers via an external command, one process per
// invocation. Safe for concurrent use.
type Subprocess struct {
	Command string
	Args    []string
	Dir     string
	Logger  *slog.Logger
}

// NewSubprocess returns a Subprocess invoker running command with
// args in dir.
func NewSubprocess(command string, args []string, dir string, logger *slog.Logger) *Subprocess {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subprocess{Command: command, Args: args, Dir: dir, Logger: logger}
}

func (s *Subprocess) Invoke(ctx context.Context, role protocol.Role, packet *protocol.TaskPacket, timeout time.Duration) (*Result, error) {
	id := uuid.NewString()
	input, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("invoke: encode packet: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.Command, s.Args...)
	cmd.Dir = s.Dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		"FOREMAN_ROLE="+string(role),
		"FOREMAN_INVOCATION="+id,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	s.Logger.Info("invoking worker",
		"invocation", id, "role", role, "ticket", packet.TicketID, "timeout", timeout)

	start := time.Now()
	runErr := cmd.Run()
	dur := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		s.Logger.Warn("worker timed out", "invocation", id, "role", role, "duration", dur)
		return nil, fmt.Errorf("invoke: %s after %s: %w", role, timeout, ErrTimeout)
	}
	if runErr != nil {
		return nil, fmt.Errorf("invoke: %s: %v: %s", role, runErr, tail(stderr.String(), 512))
	}

	report, err := ExtractReport(stdout.String())
	if err != nil {
		s.Logger.Warn("worker output unparseable", "invocation", id, "role", role)
		return nil, err
	}
	s.Logger.Info("worker finished",
		"invocation", id, "role", role, "status", report.Status, "duration", dur)
	return &Result{
		InvocationID: id,
		Role:         role,
		Report:       *report,
		RawOutput:    stdout.String(),
		Duration:     dur,
	}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
