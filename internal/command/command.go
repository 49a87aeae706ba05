// Package command implements the operator command surface: typed verb
// values submitted through the same inbound channel as task messages
// and subprocess results, so every scheduler-state mutation still
// happens on the single main-loop goroutine regardless of which
// external transport (CLI, future GraphQL API) originated the
// command.
package command

import (
	"github.com/cylc-go/scheduler/internal/config"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/pool"
)

// Kind names an operator verb.
type Kind string

const (
	KindRun            Kind = "run"
	KindStop           Kind = "stop"
	KindHold           Kind = "hold"
	KindRelease        Kind = "release"
	KindPause          Kind = "pause"
	KindResume         Kind = "resume"
	KindReload         Kind = "reload"
	KindTrigger        Kind = "trigger"
	KindKill           Kind = "kill"
	KindPoll           Kind = "poll"
	KindRemove         Kind = "remove"
	KindReset          Kind = "reset"
	KindBroadcastSet   Kind = "broadcast-set"
	KindBroadcastClear Kind = "broadcast-clear"
	KindCheckpoint     Kind = "checkpoint"
	KindInsert         Kind = "insert"
)

// StopMode distinguishes the three shutdown modes.
type StopMode string

const (
	StopNow        StopMode = "now"
	StopAfterPoint StopMode = "stop-after-point"
	StopKill       StopMode = "kill"
)

// FlowSelector names how a trigger command assigns flow membership.
type FlowSelector string

const (
	FlowNew  FlowSelector = "new"  // start a fresh flow label
	FlowNone FlowSelector = "none" // outputs from this run do not propagate
)

// TaskSelector identifies the task instance(s) a command targets.
// CyclePoint and Flow are optional; an empty CyclePoint targets every
// matching instance of Name currently in the pool.
type TaskSelector struct {
	Name       string
	CyclePoint string
	Flow       int
}

// Command is one operator verb, submitted to the scheduler's inbound
// queue alongside messages and subprocess results.
type Command struct {
	Kind Kind

	// Stop
	StopMode    StopMode
	StopAtPoint string

	// Trigger / Kill / Poll / Remove / Reset / Insert
	Target       TaskSelector
	FlowSelector FlowSelector // Trigger only; "" means the task's existing flow(s)
	ResetState   pool.State   // Reset only

	// Broadcast set/clear
	BroadcastPoint     string // "" means all cycle points
	BroadcastNamespace string // "" means all namespaces
	BroadcastSettings  map[string]string
	BroadcastPaths     []string // Clear only: specific setting paths to remove, nil means clear entirely

	// Checkpoint
	CheckpointName string

	// Reload: the re-parsed normalized configuration and its compiled
	// task definitions, produced by the host before the command is
	// queued. The scheduler core swaps them in; it never re-parses
	// configuration itself.
	ReloadConfig *config.Config
	ReloadDefs   map[string]*graph.TaskDefinition

	// Reply is closed (or sent a single value) by the main loop once
	// the command has been applied, letting a synchronous caller (the
	// CLI, or a test) wait for completion without polling.
	Reply chan error
}

// Done reports ok (nil error) or err on c.Reply, if the caller
// supplied one, without blocking if nobody is listening.
func (c *Command) Done(err error) {
	if c.Reply == nil {
		return
	}
	select {
	case c.Reply <- err:
	default:
	}
}
