// Package batchsys defines the batch-system adapter interface and a
// registry of named implementations: the scheduler looks up an
// adapter by name from runtime configuration at submission time
// rather than binding to one implementation at compile time. Only the
// interface and a local "background" adapter live in-tree; real
// PBS/SLURM/LSF integrations are external concerns.
package batchsys

import "context"

// SubmitRequest carries everything an adapter needs to submit one job.
type SubmitRequest struct {
	JobScriptPath string
	WorkingDir    string
	Environment   map[string]string
	Platform      string
}

// SubmitResult is what a successful submission returns: the
// batch-system-assigned job ID used for subsequent poll/kill calls.
type SubmitResult struct {
	JobID string
}

// PollResult reports a job's batch-system-observed status.
type PollResult struct {
	Running  bool
	Finished bool
	ExitCode int
}

// Adapter is the batch-system integration surface: submit, poll, and
// kill a job by its batch-system-assigned ID. Implementations may
// shell out locally or over ssh; the scheduler core never assumes
// which.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Poll(ctx context.Context, jobID string) (PollResult, error)
	Kill(ctx context.Context, jobID string) error
}

// Registry is a keyed-by-name lookup of Adapters, resolved at
// submission time from each task's configured batch_system name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own Name().
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Get looks up an adapter by name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
