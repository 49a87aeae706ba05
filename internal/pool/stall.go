package pool

// StallReport summarizes why the pool is considered stalled: nothing
// active or about to become active, with waiting proxies whose
// prerequisites will never be satisfied without intervention.
type StallReport struct {
	Stalled        bool
	WaitingOnInput []*Proxy // waiting proxies, for operator diagnosis
}

// DetectStall reports whether the pool has no path to further
// progress: no proxy is queued, ready, submitted, or running, while at
// least one proxy remains waiting on prerequisites that nothing left
// in the pool can satisfy.
func (p *Pool) DetectStall() StallReport {
	p.mu.Lock()
	defer p.mu.Unlock()

	var waiting []*Proxy
	active := false
	for _, pr := range p.proxies {
		switch pr.GetState() {
		case StateQueued, StateReady, StateSubmitted, StateRunning:
			active = true
		case StateWaiting:
			waiting = append(waiting, pr)
		}
	}
	if active || len(waiting) == 0 {
		return StallReport{}
	}
	return StallReport{Stalled: true, WaitingOnInput: waiting}
}
