package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTicketTimeout bounds a ticket-scoped worker invocation.
	DefaultTicketTimeout = 10 * time.Minute
	// DefaultTaskTimeout bounds a one-shot helper invocation.
	DefaultTaskTimeout = 3 * time.Minute
)

// Config is the top-level foreman configuration.
type Config struct {
	Project Project      `json:"project"`
	Worker  WorkerConfig `json:"worker"`
	Sprint  SprintConfig `json:"sprint"`
}

// Project holds project-level settings.
type Project struct {
	Name          string `json:"name"`
	TicketPrefix  string `json:"ticket_prefix"`
	DataDir       string `json:"data_dir"`
	Root          string `json:"root,omitempty"`           // project source root handed to workers; defaults to cwd
	TemplatesFile string `json:"templates_file,omitempty"` // YAML team template overrides
}

// WorkerConfig describes how external workers are invoked.
type WorkerConfig struct {
	Command       string            `json:"command"`                  // worker executable
	Args          []string          `json:"args,omitempty"`           // fixed arguments before the packet
	TicketTimeout int               `json:"ticket_timeout,omitempty"` // seconds, default 600
	TaskTimeout   int               `json:"task_timeout,omitempty"`   // seconds, default 180
	Instructions  map[string]string `json:"instructions,omitempty"`   // per-role one-line instruction
}

// SprintConfig holds sprint loop settings.
type SprintConfig struct {
	MaxIterations int    `json:"max_iterations,omitempty"` // default 50
	SoloOnly      bool   `json:"solo_only,omitempty"`      // force solo delegation, ignore team_mode
	AutoApprove   bool   `json:"auto_approve,omitempty"`   // approve in_review tickets inside the sprint loop
	Schedule      string `json:"schedule,omitempty"`       // cron expression for foremand
}

// TicketTimeout returns the ticket-scoped invocation timeout.
func (c *Config) TicketTimeout() time.Duration {
	if c.Worker.TicketTimeout > 0 {
		return time.Duration(c.Worker.TicketTimeout) * time.Second
	}
	return DefaultTicketTimeout
}

// TaskTimeout returns the one-shot helper invocation timeout.
func (c *Config) TaskTimeout() time.Duration {
	if c.Worker.TaskTimeout > 0 {
		return time.Duration(c.Worker.TaskTimeout) * time.Second
	}
	return DefaultTaskTimeout
}

// MaxIterations returns the sprint iteration cap.
func (c *Config) MaxIterations() int {
	if c.Sprint.MaxIterations > 0 {
		return c.Sprint.MaxIterations
	}
	return 50
}

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds a minimal config from environment variables with
// FOREMAN_ prefix.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Project: Project{
			Name:         getenv("FOREMAN_PROJECT", "project"),
			TicketPrefix: getenv("FOREMAN_TICKET_PREFIX", "TCK"),
			DataDir:      getenv("FOREMAN_DATA_DIR", ".foreman"),
			Root:         os.Getenv("FOREMAN_PROJECT_ROOT"),
		},
		Worker: WorkerConfig{
			Command:       getenv("FOREMAN_WORKER_CMD", "claude"),
			TicketTimeout: getenvInt("FOREMAN_TICKET_TIMEOUT", 0),
			TaskTimeout:   getenvInt("FOREMAN_TASK_TIMEOUT", 0),
		},
		Sprint: SprintConfig{
			MaxIterations: getenvInt("FOREMAN_MAX_ITERATIONS", 0),
			SoloOnly:      os.Getenv("FOREMAN_SOLO_ONLY") == "1",
			AutoApprove:   os.Getenv("FOREMAN_AUTO_APPROVE") == "1",
			Schedule:      os.Getenv("FOREMAN_SCHEDULE"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Project.Name == "" {
		errs = append(errs, "project.name is required")
	}
	if c.Project.TicketPrefix == "" {
		errs = append(errs, "project.ticket_prefix is required")
	}
	if c.Project.DataDir == "" {
		errs = append(errs, "project.data_dir is required")
	}
	if c.Worker.Command == "" {
		errs = append(errs, "worker.command is required")
	}
	if c.Worker.TicketTimeout < 0 {
		errs = append(errs, "worker.ticket_timeout must not be negative")
	}
	if c.Worker.TaskTimeout < 0 {
		errs = append(errs, "worker.task_timeout must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
