// Package config is the scheduler's normalized configuration object:
// the result of parsing and templating, never the parser itself.
// Config-file parsing and template preprocessing happen upstream; this
// package accepts their output as a plain JSON-tagged struct tree with
// defaults and environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the scheduler's fully-resolved configuration.
type Config struct {
	Scheduling SchedulingConfig         `json:"scheduling"`
	Runtime    map[string]RuntimeConfig `json:"runtime"`
	Queues     map[string]QueueConfig   `json:"queues"`
	Graphs     map[string][]string      `json:"graphs"` // sequence spec -> dependency lines
	Parameters map[string][]string      `json:"parameters"`
	// Families maps a family name to its flattened member task names:
	// "FAM" on the right of a graph edge expands to one edge per
	// member, "FAM:succeed-all" / "FAM:succeed-any" on the left to
	// AND/OR over members.
	Families  map[string][]string       `json:"families"`
	XTriggers map[string]XTriggerConfig `json:"xtriggers"`
	Store     StoreConfig               `json:"store"`
	EventBus  EventBusConfig            `json:"event_bus"`
	Logging   LoggingConfig             `json:"logging"`
	Messaging MessagingConfig           `json:"messaging"`
	Paths     PathsConfig               `json:"paths"`
}

// MessagingConfig configures the task-to-scheduler message protocol:
// the shared secret job scripts sign outgoing messages with, normally
// read from the workflow's .service/contact file at startup.
type MessagingConfig struct {
	Secret             string  `json:"secret"`
	DedupExpected      uint    `json:"dedup_expected"`
	DedupFalsePositive float64 `json:"dedup_false_positive"`
}

// SchedulingConfig holds the workflow's cycling settings:
// cycling_mode, utc_mode, initial/final cycle point, and the runahead
// limit.
type SchedulingConfig struct {
	CyclingMode       string       `json:"cycling_mode"` // "gregorian", "360day", "365day", "366day", or "integer"
	UTCMode           bool         `json:"utc_mode"`
	InitialCyclePoint string       `json:"initial_cycle_point"`
	FinalCyclePoint   string       `json:"final_cycle_point,omitempty"`
	RunaheadLimit     string       `json:"runahead_limit"` // an ISO-8601 duration or integer count
	SpecialTasks      SpecialTasks `json:"special_tasks"`
}

// SpecialTasks names tasks with scheduler-recognized roles:
// clock-triggered and clock-expire tasks, each keyed by task name with an ISO-8601 (or, under integer cycling,
// integer) offset literal from the task's cycle point; an empty offset
// means the gate fires exactly at the cycle point. A task name absent
// from the map has no gate at all.
type SpecialTasks struct {
	ClockTrigger map[string]string `json:"clock_trigger"`
	ClockExpire  map[string]string `json:"clock_expire"`
	External     []string          `json:"external"`
}

// RuntimeConfig is one namespace's runtime settings: script, platform,
// batch system, retry policy, timeouts, event handlers.
type RuntimeConfig struct {
	PreScript             string              `json:"pre_script"`
	Script                string              `json:"script"`
	PostScript            string              `json:"post_script"`
	Platform              string              `json:"platform"`
	BatchSystem           string              `json:"batch_system"`
	SubmissionRetryDelays []string            `json:"submission_retry_delays"`
	ExecutionRetryDelays  []string            `json:"execution_retry_delays"`
	SubmissionTimeout     string              `json:"submission_timeout"`
	ExecutionTimeLimit    string              `json:"execution_time_limit"`
	Environment           map[string]string   `json:"environment"`
	Outputs               map[string]string   `json:"outputs"` // custom output name -> message
	EventHandlers         map[string][]string `json:"event_handlers"`
	// XTriggers lists the labels (keys of Config.XTriggers) gating this
	// namespace: the task may not submit until every listed trigger has
	// reported satisfied, and each trigger's result values are injected
	// into the job environment.
	XTriggers []string `json:"xtriggers"`
}

// QueueConfig is one internal queue's membership and concurrency limit.
type QueueConfig struct {
	Limit   int      `json:"limit"`
	Members []string `json:"members"`
}

// XTriggerConfig describes one external trigger function and its
// arguments, dispatched through the subprocess pool unless it names
// one of the in-process clock functions.
type XTriggerConfig struct {
	Function string            `json:"function"`
	Args     map[string]string `json:"args"`
	Interval string            `json:"interval"` // re-check interval if unsatisfied
}

// StoreConfig configures the run database connection.
type StoreConfig struct {
	DSN                string        `json:"dsn"`
	PublicRefreshEvery time.Duration `json:"public_refresh_every"`
}

// RunDir is where a workflow's job logs, job scripts, and service
// files live, laid out as
// "<run_dir>/log/job/<cycle_point>/<task_name>/<submit_num>/".
// Defaults to the current directory's "run" subdirectory.
func (c *Config) RunDir() string {
	if c.Paths.RunDir != "" {
		return c.Paths.RunDir
	}
	return "run"
}

// PathsConfig names on-disk locations the scheduler writes to.
type PathsConfig struct {
	RunDir string `json:"run_dir"`
}

// EventBusConfig configures the in-process event-publication contract.
type EventBusConfig struct {
	ListenAddr string `json:"listen_addr"`
	Enabled    bool   `json:"enabled"`
}

// LoggingConfig configures obslog.
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

// Default returns a configuration with structural defaults filled in;
// workflow-specific values (initial cycle point, graphs, runtime) are
// the caller's to supply.
func Default() *Config {
	return &Config{
		Scheduling: SchedulingConfig{
			CyclingMode:   "gregorian",
			UTCMode:       true,
			RunaheadLimit: "P1D",
		},
		Runtime:   make(map[string]RuntimeConfig),
		Queues:    map[string]QueueConfig{"default": {Limit: 0}},
		Graphs:    make(map[string][]string),
		XTriggers: make(map[string]XTriggerConfig),
		Store: StoreConfig{
			PublicRefreshEvery: 5 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads and unmarshals a normalized configuration object from
// path, then applies environment-variable overrides (CYLC_STORE_DSN,
// CYLC_LOG_LEVEL, CYLC_EVENTBUS_ADDR, CYLC_PUBLIC_REFRESH_SECONDS).
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnvironmentOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if v := os.Getenv("CYLC_STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("CYLC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CYLC_EVENTBUS_ADDR"); v != "" {
		c.EventBus.ListenAddr = v
	}
	if v := os.Getenv("CYLC_PUBLIC_REFRESH_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Store.PublicRefreshEvery = time.Duration(n) * time.Second
		}
	}
}

// Validate checks required fields and internally-consistent settings.
func (c *Config) Validate() error {
	if c.Scheduling.InitialCyclePoint == "" {
		return fmt.Errorf("scheduling.initial_cycle_point is required")
	}
	switch strings.ToLower(c.Scheduling.CyclingMode) {
	case "gregorian", "360day", "365day", "366day", "integer":
	default:
		return fmt.Errorf("unknown cycling_mode %q", c.Scheduling.CyclingMode)
	}
	for name, q := range c.Queues {
		if q.Limit < 0 {
			return fmt.Errorf("queue %q: limit must be >= 0", name)
		}
	}
	for name, rt := range c.Runtime {
		for out := range rt.Outputs {
			if reservedOutputName(out) {
				return fmt.Errorf("runtime %q: output name %q is reserved", name, out)
			}
		}
		for _, label := range rt.XTriggers {
			if _, ok := c.XTriggers[label]; !ok {
				return fmt.Errorf("runtime %q: unknown xtrigger label %q", name, label)
			}
		}
	}
	return nil
}

func reservedOutputName(name string) bool {
	switch name {
	case "submitted", "started", "succeeded", "failed", "submit-failed", "expired", "finish":
		return true
	default:
		return false
	}
}

// SaveToFile writes the configuration to path as indented JSON, used
// by restart/checkpoint tooling and tests.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
