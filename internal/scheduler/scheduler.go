// Package scheduler implements the main loop: the single goroutine
// that owns the task pool, drains the inbound queue of messages,
// subprocess results, and operator commands, advances the job
// lifecycle state machine, pushes outputs through the prerequisite
// engine, releases newly-ready tasks, and durably records every state
// change. Every other internal/* package is a collaborator of this
// one.
package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cylc-go/scheduler/internal/batchsys"
	"github.com/cylc-go/scheduler/internal/broadcast"
	"github.com/cylc-go/scheduler/internal/clock"
	"github.com/cylc-go/scheduler/internal/config"
	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/eventbus"
	"github.com/cylc-go/scheduler/internal/graph"
	"github.com/cylc-go/scheduler/internal/handlers"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/messaging"
	"github.com/cylc-go/scheduler/internal/obslog"
	"github.com/cylc-go/scheduler/internal/pool"
	"github.com/cylc-go/scheduler/internal/store"
	"github.com/cylc-go/scheduler/internal/subprocess"
	"github.com/cylc-go/scheduler/internal/xtrigger"
)

// Store is the subset of internal/store.PrivateStore the scheduler
// depends on, expressed as an interface so a no-op or in-memory
// fake can stand in for it in tests that don't need a live Postgres
// instance; durability itself is exercised against the real
// implementation in internal/store's own test suite.
type Store interface {
	UpsertTaskPool(ctx context.Context, row store.TaskPoolRow) error
	DeleteTaskPool(ctx context.Context, name, cyclePoint string, flow int) error
	RecordOutput(ctx context.Context, name, cyclePoint string, flow int, qualifier string) error
	RecordAbsOutput(ctx context.Context, name, cyclePoint, qualifier string) error
	RecordEvent(ctx context.Context, ev store.TaskEvent) error
	UpsertJob(ctx context.Context, j store.TaskJobRow) error
	SetBroadcast(ctx context.Context, point, namespace, settingsJSON string, clear bool) error
	WriteCheckpoint(ctx context.Context, checkpointID int) error
	RecordXTrigger(ctx context.Context, signature string, satisfied bool, resultJSON string) error
	SetWorkflowParam(ctx context.Context, key, value string) error
	Reconcile(ctx context.Context) (*store.RestartSnapshot, error)
	VerifyCompatibleRestart(ctx context.Context, cyclingMode string) error
}

// inboundBatchSize bounds how many inbound-queue items one loop
// iteration drains: a burst of task messages should never starve
// timer-driven housekeeping or operator commands indefinitely.
const inboundBatchSize = 256

// Scheduler owns every live component for one workflow run. Exactly
// one goroutine, the one running Run, ever mutates Pool, Jobs,
// Broadcast, or the xtrigger cache.
type Scheduler struct {
	WorkflowID string

	Config *config.Config
	Pool   *pool.Pool
	Clk    clock.Clock
	Log    *obslog.Logger

	Sub       *subprocess.Pool
	Store     Store // nil means run without durability (tests, dry-run)
	Public    *store.PublicStore
	Broadcast *broadcast.Store
	Bus       *eventbus.Bus
	Handlers  *handlers.Dispatcher
	Auth      *messaging.Authenticator
	Dedup     *messaging.DedupFilter
	XTrig     *xtrigger.Manager
	Batch     *batchsys.Registry

	Calendar  cycle.Calendar
	IsInteger bool

	// Jobs tracks the in-flight job-lifecycle record for every proxy
	// with an active or most-recent submission attempt. Keyed by
	// pointer identity rather than a flow-qualified string key, since
	// a proxy may span more than one flow but has exactly one
	// concurrent job.
	Jobs map[*pool.Proxy]*jobs.Job

	Inbound chan interface{}

	// pending correlates an in-flight subprocess command's ID back to
	// the proxy it was issued for, since subprocess.Result carries only
	// the opaque CommandID the pool was given at Submit time.
	pending map[string]pendingCommand

	// xtriggerCalls remembers the most recently polled Call for each
	// signature, so a later subprocess.Result (which carries only the
	// signature embedded in its command ID) can be matched back to the
	// interval/function that produced it.
	xtriggerCalls map[string]xtrigger.Call

	mu          sync.Mutex
	nextFlow    int
	activeFlow  int
	paused      bool
	stopping    bool
	stopMode    string
	stopAtPoint cycle.Point
	stopped     chan struct{}

	incomplete map[pool.Key]bool

	// spawnCursors tracks, per parentless task definition, the most
	// recently spawned point of its sequence, so the main loop's
	// spawn pass resumes from where it left off rather than
	// re-scanning from First() every tick.
	spawnCursors map[string]cycle.Point
	finalPoint   cycle.Point

	// childrenIndex maps an upstream task name to the downstream tasks
	// whose trigger expressions reference it, so completing an output
	// can spawn the children that depend on it without scanning every
	// definition. Rebuilt on reload.
	childrenIndex map[string][]childEdge

	// absRefs holds the name@point:qualifier keys that some
	// absolute-point trigger references, so output recording knows when
	// to also write the once-for-all-dependents abs_outputs row.
	// Rebuilt on reload.
	absRefs map[string]bool

	// statusWatcher tails each live job's job.status file in place of
	// a live network callback from the running job.
	statusWatcher *jobs.StatusWatcher

	// lastSnapshot is the most recently published pool rendering, the
	// only scheduler state event-bus goroutines may read.
	snapMu       sync.RWMutex
	lastSnapshot []ProxySnapshot
}

// New wires a Scheduler from its configuration, taking the runahead
// limit from cfg. The batch-system registry holds only the background
// adapter; callers register any others (e.g. ssh-backed adapters)
// before calling Run.
func New(cfg *config.Config, defs map[string]*graph.TaskDefinition, st Store, clk clock.Clock, log *obslog.Logger) (*Scheduler, error) {
	cal, err := cycle.ParseCalendar(cfg.Scheduling.CyclingMode)
	isInteger := cfg.Scheduling.CyclingMode == "integer"
	if !isInteger && err != nil {
		return nil, err
	}

	var runahead cycle.Interval
	if cfg.Scheduling.RunaheadLimit != "" {
		if isInteger {
			runahead = cycle.IntegerDelta(mustAtoi(cfg.Scheduling.RunaheadLimit))
		} else {
			runahead, err = cycle.ParseISODuration(cfg.Scheduling.RunaheadLimit)
			if err != nil {
				return nil, err
			}
		}
	}

	p := pool.New(runahead, clk.Now)
	if cfg.Scheduling.InitialCyclePoint != "" {
		if isInteger {
			n, err := strconv.ParseInt(cfg.Scheduling.InitialCyclePoint, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid initial_cycle_point %q: %w", cfg.Scheduling.InitialCyclePoint, err)
			}
			p.SetInitialPoint(cycle.IntegerPoint(n))
		} else {
			ip, err := cycle.ParseISOPoint(cfg.Scheduling.InitialCyclePoint, cal)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid initial_cycle_point %q: %w", cfg.Scheduling.InitialCyclePoint, err)
			}
			p.SetInitialPoint(ip)
		}
	}
	for _, def := range defs {
		p.AddDefinition(def)
	}
	for name, qc := range cfg.Queues {
		q := pool.NewQueue(name, qc.Limit)
		for _, member := range qc.Members {
			q.AddMember(member)
		}
		p.AddQueue(q)
	}

	limits := map[subprocess.Category]int{
		subprocess.CategorySubmit:   30,
		subprocess.CategoryPoll:     10,
		subprocess.CategoryKill:     10,
		subprocess.CategoryHandler:  10,
		subprocess.CategoryXtrigger: 10,
	}
	sub := subprocess.NewPool(limits, 1024)

	batch := batchsys.NewRegistry()
	batch.Register(batchsys.NewBackground())

	s := &Scheduler{
		WorkflowID: "workflow",
		Config:     cfg,
		Pool:       p,
		Clk:        clk,
		Log:        log,
		Sub:        sub,
		Store:      st,
		Broadcast:  broadcast.New(),
		Handlers:   handlers.NewDispatcher(sub, 0),
		XTrig:      xtrigger.NewManager(sub, clk),
		Batch:      batch,
		Calendar:   cal,
		IsInteger:  isInteger,
		Jobs:       make(map[*pool.Proxy]*jobs.Job),
		Inbound:    make(chan interface{}, 4096),
		nextFlow:   1,
		activeFlow: 1,
		stopped:    make(chan struct{}),
		incomplete:    make(map[pool.Key]bool),
		pending:       make(map[string]pendingCommand),
		xtriggerCalls: make(map[string]xtrigger.Call),
		spawnCursors:  make(map[string]cycle.Point),
		Auth:          messaging.NewAuthenticator([]byte(cfg.Messaging.Secret)),
	}
	dedupExpected := cfg.Messaging.DedupExpected
	if dedupExpected == 0 {
		dedupExpected = 100_000
	}
	dedupFP := cfg.Messaging.DedupFalsePositive
	if dedupFP <= 0 {
		dedupFP = 0.001
	}
	s.Dedup = messaging.NewDedupFilter(dedupExpected, dedupFP)

	if watcher, err := jobs.NewStatusWatcher(); err == nil {
		s.statusWatcher = watcher
	} else {
		log.Warnf("scheduler: job.status watching disabled: %v", err)
	}

	if cfg.Scheduling.FinalCyclePoint != "" {
		if isInteger {
			n, err := strconv.ParseInt(cfg.Scheduling.FinalCyclePoint, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid final_cycle_point %q: %w", cfg.Scheduling.FinalCyclePoint, err)
			}
			s.finalPoint = cycle.IntegerPoint(n)
		} else {
			fp, err := cycle.ParseISOPoint(cfg.Scheduling.FinalCyclePoint, cal)
			if err != nil {
				return nil, fmt.Errorf("scheduler: invalid final_cycle_point %q: %w", cfg.Scheduling.FinalCyclePoint, err)
			}
			s.finalPoint = fp
		}
	}

	if cfg.EventBus.Enabled {
		s.Bus = eventbus.New(s.snapshot)
	}
	s.XTrig.RegisterClockFunction("wall_clock", xtrigger.WallClockFunction(clk))
	for namespace, rt := range cfg.Runtime {
		s.Handlers.Configure(namespace, rt.EventHandlers)
	}
	s.childrenIndex = buildChildrenIndex(defs)
	s.absRefs = buildAbsRefs(defs)
	return s, nil
}

// childEdge is one downstream dependency on an upstream task: the
// child task it can spawn/satisfy, the cycle offset the child's
// trigger applies to its own point (or the absolute point it is pinned
// to), and the upstream output it waits on.
type childEdge struct {
	Child     string
	Offset    cycle.Interval
	AbsPoint  cycle.Point
	Qualifier graph.Qualifier
}

func buildChildrenIndex(defs map[string]*graph.TaskDefinition) map[string][]childEdge {
	idx := make(map[string][]childEdge)
	for _, def := range defs {
		for _, prereq := range def.Prerequisites {
			for _, dep := range prereq.Deps() {
				if dep.Suicide {
					continue // removal prerequisites never spawn their target
				}
				idx[dep.UpstreamName] = append(idx[dep.UpstreamName], childEdge{
					Child:     def.Name,
					Offset:    dep.Offset,
					AbsPoint:  dep.AbsPoint,
					Qualifier: dep.Qualifier,
				})
			}
		}
	}
	return idx
}

// buildAbsRefs collects every (upstream, point, output) an
// absolute-point trigger references across the compiled graph.
func buildAbsRefs(defs map[string]*graph.TaskDefinition) map[string]bool {
	refs := make(map[string]bool)
	for _, def := range defs {
		for _, prereq := range def.Prerequisites {
			for _, dep := range prereq.Deps() {
				if dep.AbsPoint != nil {
					refs[absRefKey(dep.UpstreamName, dep.AbsPoint.String(), dep.Qualifier)] = true
				}
			}
		}
	}
	return refs
}

func absRefKey(name, point string, q graph.Qualifier) string {
	return name + "@" + point + ":" + string(q)
}

func mustAtoi(s string) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			continue
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

// parseISODurationGo converts an ISO-8601 literal into a time.Duration,
// for sub-day timeouts and retry delays (submission/execution
// timeouts, PT1M/PT2M/PT7M poll backoff); years and months have no
// fixed length and contribute nothing here.
func parseISODurationGo(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := cycle.ParseISODuration(s)
	if err != nil {
		return 0, err
	}
	iso := d
	total := time.Duration(iso.Days)*24*time.Hour +
		time.Duration(iso.Weeks)*7*24*time.Hour +
		time.Duration(iso.Hours)*time.Hour +
		time.Duration(iso.Minutes)*time.Minute +
		time.Duration(iso.Seconds)*time.Second
	if iso.Sign() < 0 {
		total = -total
	}
	return total, nil
}

func parseISODurationListGo(items []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(items))
	for _, s := range items {
		d, err := parseISODurationGo(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ActiveFlow returns the flow label newly-spawned tasks currently use.
func (s *Scheduler) ActiveFlow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeFlow
}

// NewFlow allocates and activates a fresh flow label, used by
// "trigger --flow=new".
func (s *Scheduler) NewFlow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFlow++
	s.activeFlow = s.nextFlow
	return s.activeFlow
}

// Paused reports whether the scheduler is withholding new submissions
// (operator "pause" command).
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Scheduler) setPaused(v bool) {
	s.mu.Lock()
	s.paused = v
	s.mu.Unlock()
}

// Stopped returns a channel closed once Run has completed its
// shutdown sequence.
func (s *Scheduler) Stopped() <-chan struct{} { return s.stopped }
