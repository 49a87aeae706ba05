// Package xtrigger implements external triggers: named function calls
// that gate a task until they report satisfied, keyed by a call signature
// so an already-satisfied call is never re-evaluated, and clock
// xtriggers, which are evaluated in-process against internal/clock
// rather than dispatched as a subprocess.
package xtrigger

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cylc-go/scheduler/internal/clock"
	"github.com/cylc-go/scheduler/internal/subprocess"
)

// Call is one configured xtrigger attached to a task definition: a
// function name, its arguments, and the re-check interval to use while
// unsatisfied.
type Call struct {
	Label    string
	Function string
	Args     map[string]string
	Interval time.Duration
}

// Signature renders a Call into its stable cache key: function name
// plus its arguments sorted by key, so argument order never produces
// a spurious cache miss.
func (c Call) Signature() string {
	keys := make([]string, 0, len(c.Args))
	for k := range c.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(c.Function)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%s", k, c.Args[k])
	}
	b.WriteByte(')')
	return b.String()
}

// Result is an xtrigger call's outcome: whether it is satisfied, plus
// the flat key/value result dict injected into the environment of
// dependent jobs at submit time.
type Result struct {
	Satisfied bool
	Values    map[string]string
}

// Function evaluates one xtrigger call. Clock xtriggers are
// implemented directly as a Function closed over an internal/clock.Clock;
// every other named function is wrapped to run through the subprocess
// pool instead (see Manager.evaluateRemote).
type Function func(ctx context.Context, args map[string]string) (Result, error)

// Manager tracks outstanding xtrigger calls: which are satisfied, and
// when each unsatisfied one is next due for re-evaluation.
type Manager struct {
	mu sync.Mutex

	clockFns map[string]Function // in-process clock functions, keyed by name
	pool     *subprocess.Pool
	clk      clock.Clock

	cache map[string]*entry // keyed by Call.Signature()
}

type entry struct {
	satisfied bool
	values    map[string]string
	nextDue   time.Time
	pending   bool
}

// NewManager creates a Manager. pool is used to dispatch non-clock
// function calls off the main loop; clk is consulted for clock
// xtriggers and for scheduling re-checks.
func NewManager(pool *subprocess.Pool, clk clock.Clock) *Manager {
	return &Manager{
		clockFns: make(map[string]Function),
		pool:     pool,
		clk:      clk,
		cache:    make(map[string]*entry),
	}
}

// RegisterClockFunction installs an in-process function for name
// (e.g. "wall_clock"), evaluated directly against the Manager's clock
// rather than dispatched as a subprocess command.
func (m *Manager) RegisterClockFunction(name string, fn Function) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clockFns[name] = fn
}

// Satisfied reports whether call has a cached satisfied result,
// without triggering any new evaluation.
func (m *Manager) Satisfied(call Call) (Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[call.Signature()]
	if !ok || !e.satisfied {
		return Result{}, false
	}
	return Result{Satisfied: true, Values: e.values}, true
}

// Seed installs a previously-recorded result (e.g. loaded from the
// run database's xtriggers table on restart) without re-evaluating it.
func (m *Manager) Seed(signature string, satisfied bool, values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[signature] = &entry{satisfied: satisfied, values: values}
}

// Poll checks every due, unsatisfied call against now and schedules
// evaluation of each: clock functions run in-process immediately;
// everything else is dispatched to the subprocess pool under
// CategoryXtrigger. A non-clock evaluation's subprocess.Result arrives
// on the subprocess pool's result channel and is fed back through
// ApplyRemoteResult; clock results are applied synchronously since
// they never block.
func (m *Manager) Poll(ctx context.Context, calls []Call, now time.Time) {
	for _, call := range calls {
		sig := call.Signature()

		m.mu.Lock()
		e, ok := m.cache[sig]
		if !ok {
			e = &entry{}
			m.cache[sig] = e
		}
		due := !e.satisfied && !e.pending && !now.Before(e.nextDue)
		if due {
			e.pending = true
		}
		fn, isClock := m.clockFns[call.Function]
		m.mu.Unlock()

		if !due {
			continue
		}

		if isClock {
			res, err := fn(ctx, call.Args)
			m.apply(sig, call, res, err, now)
			continue
		}

		m.pool.Submit(&subprocess.Command{
			ID:       "xtrigger:" + sig,
			Category: subprocess.CategoryXtrigger,
			Timeout:  30 * time.Second,
			QueuedAt: now,
			Run:      evaluateRemote(call),
		})
	}
}

// evaluateRemote builds the Run func for a non-clock xtrigger: the
// function name is invoked as a command with one --key=value flag per
// argument, same as a job script's batch-system invocation, and must
// print a single JSON object ({"satisfied":bool,"values":{...}}) on
// stdout. The caller decodes the command's output once its
// subprocess.Result arrives back on the main loop (a subprocess.Result
// carries only bytes, not a typed Result, so decoding happens at the
// consumer rather than here).
func evaluateRemote(call Call) func(ctx context.Context) (subprocess.Result, error) {
	args := make([]string, 0, len(call.Args))
	keys := make([]string, 0, len(call.Args))
	for k := range call.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s=%s", k, call.Args[k]))
	}
	return func(ctx context.Context) (subprocess.Result, error) {
		cmd := exec.CommandContext(ctx, call.Function, args...)
		output, err := cmd.Output()
		if err != nil {
			return subprocess.Result{Output: output}, fmt.Errorf("xtrigger: evaluate %q: %w", call.Function, err)
		}
		if !json.Valid(output) {
			return subprocess.Result{Output: output}, fmt.Errorf("xtrigger: %q did not print a JSON result", call.Function)
		}
		return subprocess.Result{Output: output}, nil
	}
}

// apply records an evaluation's outcome, advancing nextDue by the
// call's configured interval when still unsatisfied.
func (m *Manager) apply(signature string, call Call, res Result, err error, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cache[signature]
	if !ok {
		e = &entry{}
		m.cache[signature] = e
	}
	e.pending = false
	if err != nil {
		interval := call.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		e.nextDue = now.Add(interval)
		return
	}
	e.satisfied = res.Satisfied
	e.values = res.Values
	if !res.Satisfied {
		interval := call.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		e.nextDue = now.Add(interval)
	}
}

// ApplyRemoteResult feeds a subprocess-pool result for a dispatched
// (non-clock) xtrigger command back into the cache; cmdID is the
// Command.ID used at Submit time ("xtrigger:"+signature).
func (m *Manager) ApplyRemoteResult(cmdID string, call Call, res Result, err error, now time.Time) {
	signature := strings.TrimPrefix(cmdID, "xtrigger:")
	m.apply(signature, call, res, err, now)
}

// WallClockFunction is the built-in "wall_clock" xtrigger: satisfied
// once now() has reached args["at"], an RFC3339 deadline the caller
// precomputes from the cycle point and offset, keeping this package
// free of a cycle.Point import.
func WallClockFunction(clk clock.Clock) Function {
	return func(ctx context.Context, args map[string]string) (Result, error) {
		deadline, err := time.Parse(time.RFC3339, args["at"])
		if err != nil {
			return Result{}, fmt.Errorf("xtrigger: wall_clock: invalid 'at' argument: %w", err)
		}
		now := clk.Now()
		if now.Before(deadline) {
			return Result{Satisfied: false}, nil
		}
		return Result{Satisfied: true, Values: map[string]string{"triggered_at": now.Format(time.RFC3339)}}, nil
	}
}
