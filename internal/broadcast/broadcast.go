// Package broadcast implements runtime configuration overlays scoped
// by cycle point and namespace, applied on top of the compiled task
// definition rather than mutating it.
package broadcast

import (
	"sync"

	"github.com/cylc-go/scheduler/internal/cycle"
)

// Target selects what a broadcast applies to: a specific point, "all
// cycle points" (nil Point), and a namespace name ("" meaning every
// namespace, the broadest layer).
type Target struct {
	Point     cycle.Point // nil means all cycle points
	Namespace string      // "" means all namespaces
}

// key renders a Target into a comparable map key.
func (t Target) key() string {
	p := "*"
	if t.Point != nil {
		p = t.Point.String()
	}
	ns := t.Namespace
	if ns == "" {
		ns = "*"
	}
	return p + "/" + ns
}

// Record is one broadcast's settings: arbitrary key/value overrides
// applied on top of the namespace's compiled runtime configuration.
type Record struct {
	Target   Target
	Settings map[string]string
}

// Store holds every active broadcast, applying them in layering
// order: most specific (exact point + exact namespace) wins over
// point-only, namespace-only, then global, each subsequently-issued
// broadcast at the same specificity overriding the previous one
// key-by-key.
type Store struct {
	mu      sync.RWMutex
	records map[string]*Record // keyed by Target.key()
	order   []string           // insertion order, for layering among equal-specificity records
}

// New creates an empty broadcast store.
func New() *Store {
	return &Store{records: make(map[string]*Record)}
}

// Set installs or merges settings into the broadcast at target. An
// existing record for the same target has its Settings merged,
// later keys overriding earlier ones.
func (s *Store) Set(target Target, settings map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := target.key()
	rec, ok := s.records[k]
	if !ok {
		rec = &Record{Target: target, Settings: make(map[string]string)}
		s.records[k] = rec
		s.order = append(s.order, k)
	}
	for key, v := range settings {
		rec.Settings[key] = v
	}
}

// Clear removes the broadcast at target entirely. Clearing a target
// with no active broadcast is a no-op, not an error.
func (s *Store) Clear(target Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := target.key()
	if _, ok := s.records[k]; !ok {
		return
	}
	delete(s.records, k)
	for i, o := range s.order {
		if o == k {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// ClearPaths removes only the named setting keys from the broadcast at
// target, deleting the record entirely once no settings remain. It
// returns a copy of the surviving settings (nil if the record is gone),
// so callers can persist the trimmed record.
func (s *Store) ClearPaths(target Target, paths []string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := target.key()
	rec, ok := s.records[k]
	if !ok {
		return nil
	}
	for _, p := range paths {
		delete(rec.Settings, p)
	}
	if len(rec.Settings) == 0 {
		delete(s.records, k)
		for i, o := range s.order {
			if o == k {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		return nil
	}
	out := make(map[string]string, len(rec.Settings))
	for key, v := range rec.Settings {
		out[key] = v
	}
	return out
}

// Resolve computes the effective settings for (point, namespace),
// layering global, namespace-only, point-only, and exact-match
// broadcasts in that specificity order, each layer's keys overriding
// the prior.
func (s *Store) Resolve(point cycle.Point, namespace string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	layers := []Target{
		{},                                   // global
		{Namespace: namespace},               // namespace-only
		{Point: point},                       // point-only
		{Point: point, Namespace: namespace}, // exact
	}
	for _, layer := range layers {
		if rec, ok := s.records[layer.key()]; ok {
			for k, v := range rec.Settings {
				out[k] = v
			}
		}
	}
	return out
}

// ExpireBefore removes every point-scoped broadcast (exact or
// point-only) whose target point is strictly before cutoff, so the
// broadcast table never grows unboundedly across a long run.
func (s *Store) ExpireBefore(cutoff cycle.Point) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	var kept []string
	for _, k := range s.order {
		rec := s.records[k]
		if rec.Target.Point != nil && cycle.Before(rec.Target.Point, cutoff) {
			delete(s.records, k)
			removed++
			continue
		}
		kept = append(kept, k)
	}
	s.order = kept
	return removed
}

// All returns every active broadcast record, for persistence to the
// run database's broadcast_states table.
func (s *Store) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Record, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.records[k])
	}
	return out
}
