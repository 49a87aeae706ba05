package pool

import "sort"

// Queue is one internal queue: task names assigned to it share a
// single admission limit on how many of their proxies may
// be active (released from the queue until their job finishes:
// preparing, submitted or running) at once. Overflow beyond the limit
// waits in FIFO order, tie-broken by (cycle point, task name) so
// release order is deterministic across restarts.
type Queue struct {
	Name       string
	Limit      int // 0 means unlimited
	Members    map[string]bool
	activeKeys map[Key]bool
	waiting    []Key
}

// NewQueue creates a queue with the given concurrency limit (0 = no limit).
func NewQueue(name string, limit int) *Queue {
	return &Queue{
		Name:       name,
		Limit:      limit,
		Members:    make(map[string]bool),
		activeKeys: make(map[Key]bool),
	}
}

// AddMember assigns a task name to this queue.
func (q *Queue) AddMember(taskName string) { q.Members[taskName] = true }

// Enqueue places key in FIFO waiting order. Callers must not enqueue a
// key already active or already waiting.
func (q *Queue) Enqueue(key Key) {
	q.waiting = append(q.waiting, key)
}

// activeCount returns how many members are currently active.
func (q *Queue) activeCount() int { return len(q.activeKeys) }

// Release pops as many waiting keys as the queue's remaining capacity
// allows, in FIFO order, marking them active and returning them for
// the caller to move to StateReady.
func (q *Queue) Release() []Key {
	var released []Key
	for len(q.waiting) > 0 {
		if q.Limit > 0 && q.activeCount() >= q.Limit {
			break
		}
		key := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.activeKeys[key] = true
		released = append(released, key)
	}
	return released
}

// Finish marks key's occupancy of the queue's active slot as done,
// called when a job reaches a terminal job-lifecycle state.
func (q *Queue) Finish(key Key) {
	delete(q.activeKeys, key)
}

// sortKeysDeterministic orders keys by point string then name, used
// when multiple proxies become simultaneously eligible and admission
// order must be reproducible.
func sortKeysDeterministic(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Point != keys[j].Point {
			return keys[i].Point < keys[j].Point
		}
		return keys[i].Name < keys[j].Name
	})
}
