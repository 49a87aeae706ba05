// Package pool holds the live task pool: one TaskProxy per task
// instance that currently matters to the scheduler, plus the
// admission, queueing, and eviction rules that govern it.
package pool

import (
	"sync"
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
)

// State is the task proxy's job-independent pool state, distinct from
// the job-lifecycle states tracked in internal/jobs: pool presence
// and job status advance separately.
type State string

const (
	StateWaiting      State = "waiting" // in the pool, prerequisites not yet all satisfied
	StateQueued       State = "queued"  // prerequisites satisfied, sitting in an internal queue
	StateReady        State = "ready"   // released from its queue, handed to the job submission path
	StateSubmitted    State = "submitted"
	StateRunning      State = "running"
	StateSucceeded    State = "succeeded"
	StateFailed       State = "failed"
	StateSubmitFailed State = "submit-failed"
	StateExpired      State = "expired"
)

// Terminal reports whether s ends the proxy's active life in the pool.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSubmitFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Key identifies a task proxy's arena slot. At most one live proxy may
// exist per (Name, Point, Flow); Flow is part of the key because the
// same task/point combination can run again under a new flow number.
type Key struct {
	Name  string
	Point string // cycle.Point.String(), used as a map key since Point is an interface
	Flow  int
}

// Proxy is a live task instance.
type Proxy struct {
	mu sync.RWMutex

	Name  string
	Point cycle.Point
	Flows map[int]bool

	Def *graph.TaskDefinition

	State     State
	SubmitNum int

	// Prereqs mirrors Def.Prerequisites, tracking per-dependency
	// satisfaction so re-evaluation on each new output event is O(1)
	// per dependency rather than a full tree re-walk against the
	// global output index.
	Prereqs []*PrereqState

	// RemovalPrereqs mirrors Def.RemovalPrerequisites: suicide triggers
	// evaluated separately from readiness, whose satisfaction removes
	// the proxy instead of releasing it.
	RemovalPrereqs []*PrereqState

	// Outputs this proxy itself has completed, consulted by
	// downstream proxies' prerequisite checks and recorded durably in
	// internal/store's task_outputs table.
	Outputs map[graph.Qualifier]bool

	// Held marks a proxy that will not be released from its queue
	// until explicitly released by an operator command.
	Held bool

	// SpawnedAt records when the proxy entered the pool, used for
	// stall-detection age reporting.
	SpawnedAt time.Time

	// RetryCount is owned by internal/jobs, but kept
	// alongside the proxy for single-struct access from the main loop.
	RetryCount int
}

// NewProxy constructs a proxy at its initial waiting state with
// per-dependency prerequisite tracking derived from def.
func NewProxy(name string, point cycle.Point, flow int, def *graph.TaskDefinition, now time.Time) *Proxy {
	p := &Proxy{
		Name:      name,
		Point:     point,
		Flows:     map[int]bool{flow: true},
		Def:       def,
		State:     StateWaiting,
		Outputs:   make(map[graph.Qualifier]bool),
		SpawnedAt: now,
	}
	for _, prereq := range def.Prerequisites {
		p.Prereqs = append(p.Prereqs, NewPrereqState(prereq))
	}
	for _, prereq := range def.RemovalPrerequisites {
		p.RemovalPrereqs = append(p.RemovalPrereqs, NewPrereqState(prereq))
	}
	return p
}

// KeyFor builds the arena key for (name, point, flow). Since a proxy may
// belong to more than one flow simultaneously, callers pass the flow
// number for the key explicitly.
func KeyFor(name string, point cycle.Point, flow int) Key {
	return Key{Name: name, Point: point.String(), Flow: flow}
}

// InFlow reports whether the proxy belongs to flow.
func (p *Proxy) InFlow(flow int) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Flows[flow]
}

// AddFlow merges flow into the proxy's flow membership; used when a
// rerun or flow-merge event causes two otherwise-identical proxies to
// be treated as one.
func (p *Proxy) AddFlow(flow int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Flows[flow] = true
}

// MarkOutput records a completed output on this proxy. Returns true if
// this is the first time the output was recorded (callers use this to
// decide whether to fan out a satisfaction re-check).
func (p *Proxy) MarkOutput(q graph.Qualifier) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Outputs[q] {
		return false
	}
	p.Outputs[q] = true
	return true
}

// HasOutput reports whether q has already completed on this proxy.
func (p *Proxy) HasOutput(q graph.Qualifier) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Outputs[q]
}

// AllPrereqsSatisfied reports whether every prerequisite group on the
// proxy currently holds.
func (p *Proxy) AllPrereqsSatisfied() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, pr := range p.Prereqs {
		if !pr.Satisfied() {
			return false
		}
	}
	return true
}

// SetState transitions the proxy's pool state directly; the job
// lifecycle's own state machine (internal/jobs) drives this via the
// main loop rather than mutating it concurrently.
func (p *Proxy) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
}

func (p *Proxy) GetState() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.State
}

// SetHeld marks the proxy held or released. A held proxy's
// prerequisites still evaluate normally, but the pool must not release
// it from its queue while held.
func (p *Proxy) SetHeld(held bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Held = held
}

// IsHeld reports whether the proxy is currently held.
func (p *Proxy) IsHeld() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Held
}

// NextSubmitNum increments and returns the proxy's submit_num, the
// durable monotonic counter stamped on every (re)submission.
func (p *Proxy) NextSubmitNum() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SubmitNum++
	return p.SubmitNum
}

// CurrentSubmitNum returns the proxy's most recent submit_num without
// incrementing it.
func (p *Proxy) CurrentSubmitNum() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.SubmitNum
}
