package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/schederr"
)

// Pool is the live task pool: every TaskProxy currently relevant to
// scheduling, its internal queues, and the runahead window that bounds
// how far ahead of the slowest active cycle point new proxies may be
// spawned.
type Pool struct {
	mu sync.Mutex

	proxies map[Key]*Proxy
	// byNamePoint indexes proxies sharing the same (name, point) across
	// flows, to enforce that a reused point can only be reoccupied by a
	// proxy in a new flow, never a duplicate in the same flow.
	byNamePoint map[string][]*Proxy

	defs map[string]*graph.TaskDefinition

	queues      map[string]*Queue
	queueOfTask map[string]string

	runaheadLimit cycle.Interval
	initialPoint  cycle.Point

	// absOutputs records outputs referenced by absolute-point triggers
	// ("^", "$", literal points): once completed they satisfy every
	// future dependent, surviving the upstream proxy's eviction. Keyed
	// name@point:qualifier; flow-free on purpose.
	absOutputs map[string]bool

	clockNow func() time.Time
}

// New creates an empty pool. runaheadLimit bounds how far past the
// oldest active cycle point a new proxy may spawn; nil means no
// runahead limiting (not recommended outside tests).
func New(runaheadLimit cycle.Interval, clockNow func() time.Time) *Pool {
	return &Pool{
		proxies:       make(map[Key]*Proxy),
		byNamePoint:   make(map[string][]*Proxy),
		defs:          make(map[string]*graph.TaskDefinition),
		queues:        make(map[string]*Queue),
		queueOfTask:   make(map[string]string),
		absOutputs:    make(map[string]bool),
		runaheadLimit: runaheadLimit,
		clockNow:      clockNow,
	}
}

// AddDefinition registers a compiled task definition.
func (p *Pool) AddDefinition(def *graph.TaskDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs[def.Name] = def
}

// AddQueue registers an internal queue and assigns member task names to it.
func (p *Pool) AddQueue(q *Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queues[q.Name] = q
	for name := range q.Members {
		p.queueOfTask[name] = q.Name
	}
}

func namePointKey(name string, point cycle.Point) string { return name + "@" + point.String() }

// Spawn creates a new proxy for (name, point, flow). It returns
// ErrDuplicateProxy if a live proxy already occupies that exact
// (name, point, flow) triple: at most one live proxy may exist per
// triple.
func (p *Pool) Spawn(name string, point cycle.Point, flow int) (*Proxy, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := KeyFor(name, point, flow)
	if _, exists := p.proxies[key]; exists {
		return nil, schederr.ErrDuplicateProxy
	}
	def, ok := p.defs[name]
	if !ok {
		return nil, schederr.New(schederr.Programming, schederr.Fatal, "pool",
			schederr.ErrTaskNotFound)
	}
	now := time.Now()
	if p.clockNow != nil {
		now = p.clockNow()
	}
	proxy := NewProxy(name, point, flow, def, now)
	p.proxies[key] = proxy
	npk := namePointKey(name, point)
	p.byNamePoint[npk] = append(p.byNamePoint[npk], proxy)
	return proxy, nil
}

// Remove deletes a proxy from the pool entirely (used on suicide
// triggers, successful completion without restart-relevant state, or
// operator-issued removal).
func (p *Pool) Remove(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	proxy, ok := p.proxies[key]
	if !ok {
		return
	}
	delete(p.proxies, key)
	npk := namePointKey(proxy.Name, proxy.Point)
	kept := p.byNamePoint[npk][:0]
	for _, pr := range p.byNamePoint[npk] {
		if pr != proxy {
			kept = append(kept, pr)
		}
	}
	p.byNamePoint[npk] = kept
	p.finishSlotLocked(proxy.Name, key)
}

// finishSlotLocked releases any queue slot key occupies, falling back
// to the default queue for tasks with no explicit assignment. Caller
// must hold p.mu.
func (p *Pool) finishSlotLocked(taskName string, key Key) {
	qname, ok := p.queueOfTask[taskName]
	if !ok {
		qname = "default"
	}
	if q, ok := p.queues[qname]; ok {
		q.Finish(key)
	}
}

// Get returns the proxy at key, if any.
func (p *Pool) Get(key Key) (*Proxy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.proxies[key]
	return pr, ok
}

// All returns every live proxy, in no particular order.
func (p *Pool) All() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Proxy, 0, len(p.proxies))
	for _, pr := range p.proxies {
		out = append(out, pr)
	}
	return out
}

// ProxiesAt returns every live proxy for (name, point), across every
// flow currently occupying it. A task message identifies its target
// proxy by (name, point, submit_num) rather than by flow, so callers
// match submit_num against the returned set themselves.
func (p *Pool) ProxiesAt(name string, point cycle.Point) []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()
	src := p.byNamePoint[namePointKey(name, point)]
	out := make([]*Proxy, len(src))
	copy(out, src)
	return out
}

// Definition looks up a registered task definition by name.
func (p *Pool) Definition(name string) (*graph.TaskDefinition, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.defs[name]
	return d, ok
}

// Definitions returns every registered task definition.
func (p *Pool) Definitions() map[string]*graph.TaskDefinition {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]*graph.TaskDefinition, len(p.defs))
	for k, v := range p.defs {
		out[k] = v
	}
	return out
}

// SetInitialPoint records the workflow's initial cycle point, the
// lower bound below which offset dependencies are trivially satisfied.
func (p *Pool) SetInitialPoint(point cycle.Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialPoint = point
}

// BeforeInitial implements OutputIndex: true if point falls strictly
// before the workflow's initial cycle point.
func (p *Pool) BeforeInitial(point cycle.Point) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.beforeInitialLocked(point)
}

func (p *Pool) beforeInitialLocked(point cycle.Point) bool {
	if p.initialPoint == nil {
		return false
	}
	return cycle.Before(point, p.initialPoint)
}

// OutputSatisfied implements OutputIndex: true if any live proxy at
// (name, point) in a flow compatible with flow has completed q.
func (p *Pool) OutputSatisfied(name string, point cycle.Point, q graph.Qualifier, flow int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outputSatisfiedLocked(name, point, q, flow)
}

func (p *Pool) outputSatisfiedLocked(name string, point cycle.Point, q graph.Qualifier, flow int) bool {
	if p.absOutputs[absOutputKey(name, point, q)] {
		return true
	}
	for _, pr := range p.byNamePoint[namePointKey(name, point)] {
		if pr.InFlow(flow) && pr.HasOutput(q) {
			return true
		}
	}
	return false
}

func absOutputKey(name string, point cycle.Point, q graph.Qualifier) string {
	return name + "@" + point.String() + ":" + string(q)
}

// RecordAbsOutput marks an absolute-point-referenced output as
// completed once and for all: any dependent at any cycle point sees it
// satisfied, even after the upstream proxy has been evicted.
func (p *Pool) RecordAbsOutput(name string, point cycle.Point, q graph.Qualifier) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.absOutputs[absOutputKey(name, point, q)] = true
}

// lockedIndex is the OutputIndex view used while p.mu is already held,
// so prerequisite refresh inside RefreshPrerequisites doesn't re-enter
// the pool's mutex.
type lockedIndex struct{ p *Pool }

func (li lockedIndex) OutputSatisfied(name string, point cycle.Point, q graph.Qualifier, flow int) bool {
	return li.p.outputSatisfiedLocked(name, point, q, flow)
}

func (li lockedIndex) BeforeInitial(point cycle.Point) bool {
	return li.p.beforeInitialLocked(point)
}

// RefreshPrerequisites re-checks every waiting proxy's prerequisites
// against the current output index and advances newly-satisfied ones
// to StateQueued, enqueuing them on their assigned internal queue in
// deterministic (cycle point, task name) tie-break order. It also
// evaluates the wall-clock trigger and expiry gates: a proxy whose
// clock-trigger offset hasn't yet arrived is held back even with
// prerequisites satisfied, and a
// proxy whose clock-expire offset has passed is forced to StateExpired
// regardless of prerequisite satisfaction. Returns the proxies that
// changed state.
func (p *Pool) RefreshPrerequisites() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.clockNow != nil {
		now = p.clockNow()
	}

	var advanced []*Proxy
	readyKeys := make([]Key, 0)
	readyByKey := make(map[Key]*Proxy)
	for _, pr := range p.proxies {
		if pr.GetState() != StateWaiting {
			continue
		}
		if pr.Def.ClockExpireOffset != nil && clockGatePassed(pr.Point, pr.Def.ClockExpireOffset, now, true) {
			pr.SetState(StateExpired)
			advanced = append(advanced, pr)
			continue
		}
		for _, flow := range flowList(pr.Flows) {
			for _, prereq := range pr.Prereqs {
				prereq.Refresh(pr.Point, flow, lockedIndex{p})
			}
		}
		if !pr.AllPrereqsSatisfied() || pr.IsHeld() {
			continue
		}
		if pr.Def.ClockTriggerOffset != nil && !clockGatePassed(pr.Point, pr.Def.ClockTriggerOffset, now, false) {
			continue
		}
		key := KeyFor(pr.Name, pr.Point, firstFlow(pr.Flows))
		readyKeys = append(readyKeys, key)
		readyByKey[key] = pr
	}

	sortKeysDeterministic(readyKeys)
	sort.SliceStable(readyKeys, func(i, j int) bool {
		return cycle.Before(readyByKey[readyKeys[i]].Point, readyByKey[readyKeys[j]].Point)
	})
	for _, key := range readyKeys {
		pr := readyByKey[key]
		pr.SetState(StateQueued)
		qname := p.queueOfTask[pr.Name]
		if qname == "" {
			qname = "default"
		}
		q, ok := p.queues[qname]
		if !ok {
			q = NewQueue("default", 0)
			p.queues["default"] = q
		}
		q.Enqueue(key)
		advanced = append(advanced, pr)
	}
	return advanced
}

// clockGatePassed reports whether now has reached (strict=false) or
// passed (strict=true) point+offset. A point with no date-time
// representation (integer cycling) always reports not-passed for a
// strict check (no expiry) and already-passed for a non-strict check
// (no trigger gate to enforce), since wall-clock gates have no
// meaning under integer cycling.
func clockGatePassed(point cycle.Point, offset cycle.Interval, now time.Time, strict bool) bool {
	due, ok := cycle.AsTime(point.Add(offset))
	if !ok {
		return !strict
	}
	if strict {
		return now.After(due)
	}
	return !now.Before(due)
}

// ReleaseQueues pops as many proxies as each queue's capacity allows
// and advances them to StateReady, returning the released proxies in
// deterministic order.
func (p *Pool) ReleaseQueues() []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	var released []*Proxy
	names := make([]string, 0, len(p.queues))
	for name := range p.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q := p.queues[name]
		for _, key := range q.Release() {
			pr, ok := p.proxies[key]
			if !ok {
				// Removed while waiting (suicide or operator command);
				// give its slot back immediately.
				q.Finish(key)
				continue
			}
			if pr.IsHeld() {
				// Held after it was queued: give the slot back and wait
				// at the back of the queue until released.
				q.Finish(key)
				q.Enqueue(key)
				continue
			}
			pr.SetState(StateReady)
			released = append(released, pr)
		}
	}
	return released
}

// FinishQueueSlot releases the queue slot a proxy occupied, called by
// the scheduler when its job reaches a terminal lifecycle state:
// "active" for queue-limit purposes means preparing/submitted/running,
// not a terminal proxy waiting around for its children.
func (p *Pool) FinishQueueSlot(pr *Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishSlotLocked(pr.Name, KeyFor(pr.Name, pr.Point, firstFlow(pr.Flows)))
}

// RunaheadOK reports whether point is within the runahead window
// measured from the oldest incomplete active-pool cycle point.
func (p *Pool) RunaheadOK(point cycle.Point) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.runaheadLimit == nil {
		return true
	}
	oldest := p.oldestActivePointLocked()
	if oldest == nil {
		return true
	}
	limit := oldest.Add(p.runaheadLimit)
	return !cycle.After(point, limit)
}

// Housekeep evicts every terminal proxy that no remaining waiting
// proxy could still depend on. Held and incomplete proxies are never
// evicted here; incompleteness is the caller's responsibility to
// check, since an incomplete proxy stays around for stall diagnosis
// regardless of terminal state.
func (p *Pool) Housekeep(incomplete map[Key]bool) []*Proxy {
	p.mu.Lock()
	defer p.mu.Unlock()

	needed := make(map[string]bool)
	for _, pr := range p.proxies {
		if pr.GetState() != StateWaiting {
			continue
		}
		for _, prereq := range pr.Prereqs {
			for _, name := range prereq.UnsatisfiedUpstreams() {
				needed[name] = true
			}
		}
	}

	var evicted []*Proxy
	for key, pr := range p.proxies {
		switch pr.GetState() {
		case StateSucceeded, StateFailed, StateSubmitFailed, StateExpired:
		default:
			continue
		}
		if pr.IsHeld() || incomplete[key] || needed[pr.Name] {
			continue
		}
		delete(p.proxies, key)
		npk := namePointKey(pr.Name, pr.Point)
		kept := p.byNamePoint[npk][:0]
		for _, other := range p.byNamePoint[npk] {
			if other != pr {
				kept = append(kept, other)
			}
		}
		p.byNamePoint[npk] = kept
		p.finishSlotLocked(pr.Name, key)
		evicted = append(evicted, pr)
	}
	return evicted
}

func (p *Pool) oldestActivePointLocked() cycle.Point {
	var oldest cycle.Point
	for _, pr := range p.proxies {
		switch pr.GetState() {
		case StateSucceeded, StateFailed, StateSubmitFailed, StateExpired:
			continue
		}
		if oldest == nil || cycle.Before(pr.Point, oldest) {
			oldest = pr.Point
		}
	}
	return oldest
}

// ReplaceDefinitions swaps in a freshly-compiled task-definition set
// on reload. Live proxies keep the definition they were spawned with;
// only new spawns see the replacement. A definition removed from the
// new set leaves its live proxies in place but spawns no successors.
func (p *Pool) ReplaceDefinitions(defs map[string]*graph.TaskDefinition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.defs = make(map[string]*graph.TaskDefinition, len(defs))
	for name, def := range defs {
		p.defs[name] = def
	}
}

// ReconfigureQueues swaps in a new queue layout on reload, carrying
// each surviving queue's active-slot occupancy across so in-flight
// jobs keep counting against their limits.
func (p *Pool) ReconfigureQueues(queues []*Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	old := p.queues
	p.queues = make(map[string]*Queue, len(queues))
	p.queueOfTask = make(map[string]string)
	for _, q := range queues {
		if prev, ok := old[q.Name]; ok {
			q.activeKeys = prev.activeKeys
			q.waiting = prev.waiting
		}
		p.queues[q.Name] = q
		for name := range q.Members {
			p.queueOfTask[name] = q.Name
		}
	}
}

// SetRunaheadLimit updates the runahead interval (e.g. on reload).
func (p *Pool) SetRunaheadLimit(iv cycle.Interval) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runaheadLimit = iv
}

func flowList(flows map[int]bool) []int {
	out := make([]int, 0, len(flows))
	for f := range flows {
		out = append(out, f)
	}
	return out
}

// firstFlow returns the lowest flow number in flows, so queue keys and
// other single-flow identifiers derived from a multi-flow proxy are
// stable across calls.
func firstFlow(flows map[int]bool) int {
	first := 0
	found := false
	for f := range flows {
		if !found || f < first {
			first = f
			found = true
		}
	}
	return first
}
