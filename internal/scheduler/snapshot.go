package scheduler

import (
	"github.com/cylc-go/scheduler/internal/eventbus"
	"github.com/cylc-go/scheduler/internal/jobs"
	"github.com/cylc-go/scheduler/internal/pool"
)

// ProxySnapshot is the event-bus's point-in-time rendering of one
// proxy, the shape published under eventbus.Event{Kind: "snapshot"}
// and re-published incrementally under Kind "task"/"job" on individual
// transitions.
type ProxySnapshot struct {
	Name      string   `json:"name"`
	Point     string   `json:"point"`
	Flows     []int    `json:"flows"`
	State     string   `json:"state"`
	Held      bool     `json:"held"`
	SubmitNum int      `json:"submit_num"`
	JobState  string   `json:"job_state,omitempty"`
}

// snapshot answers eventbus's snapshotFn from the cached copy the main
// loop maintains, so an HTTP/websocket goroutine never reads live pool
// or job state concurrently with the scheduling goroutine: a state
// change becomes externally observable only after the loop publishes
// it.
func (s *Scheduler) snapshot() interface{} {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	out := make([]ProxySnapshot, len(s.lastSnapshot))
	copy(out, s.lastSnapshot)
	return out
}

// updateSnapshot re-renders the full live pool into the cached
// snapshot, called once per main-loop iteration after all state
// changes for that quantum have been applied.
func (s *Scheduler) updateSnapshot() {
	proxies := s.Pool.All()
	out := make([]ProxySnapshot, 0, len(proxies))
	for _, pr := range proxies {
		ps := ProxySnapshot{
			Name:      pr.Name,
			Point:     pr.Point.String(),
			State:     string(pr.GetState()),
			Held:      pr.IsHeld(),
			SubmitNum: pr.CurrentSubmitNum(),
		}
		for f := range pr.Flows {
			ps.Flows = append(ps.Flows, f)
		}
		if j, ok := s.Jobs[pr]; ok {
			ps.JobState = string(j.State)
		}
		out = append(out, ps)
	}
	s.snapMu.Lock()
	s.lastSnapshot = out
	s.snapMu.Unlock()
}

// publishTask emits a single-proxy transition event, called from the
// main loop immediately after every pool or job state change so
// subscribers see incremental updates rather than polling /snapshot.
func (s *Scheduler) publishTask(pr *pool.Proxy) {
	if s.Bus == nil {
		return
	}
	jobState := ""
	if j, ok := s.Jobs[pr]; ok {
		jobState = string(j.State)
	}
	s.Bus.Publish(eventbus.Event{Kind: "task", Data: ProxySnapshot{
		Name:      pr.Name,
		Point:     pr.Point.String(),
		State:     string(pr.GetState()),
		Held:      pr.IsHeld(),
		SubmitNum: pr.CurrentSubmitNum(),
		JobState:  jobState,
	}})
}

// publishJob emits a job-lifecycle transition event independent of any
// pool-state change (e.g. a retry that keeps the proxy StateReady).
func (s *Scheduler) publishJob(pr *pool.Proxy, j *jobs.Job) {
	if s.Bus == nil {
		return
	}
	s.Bus.Publish(eventbus.Event{Kind: "job", Data: ProxySnapshot{
		Name:      pr.Name,
		Point:     pr.Point.String(),
		State:     string(pr.GetState()),
		SubmitNum: j.SubmitNum,
		JobState:  string(j.State),
	}})
}
