package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// StatusWatcher tails job.status files for lines a running job script
// appends as it progresses, standing in for the live callback a
// networked job-to-scheduler transport would otherwise deliver. Each Watch call owns its own
// fsnotify watcher so one job's write events are never consumed by
// another job's tail loop.
type StatusWatcher struct {
	done chan struct{}
}

// NewStatusWatcher creates a StatusWatcher. Close stops every
// outstanding Watch call.
func NewStatusWatcher() (*StatusWatcher, error) {
	return &StatusWatcher{done: make(chan struct{})}, nil
}

// Close stops all outstanding Watch calls.
func (w *StatusWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return nil
}

// Watch blocks, invoking onEvent for every new "CYLC_JOB_STATE=<event>"
// line appended to path, until ctx is canceled, the watcher is closed,
// or a terminal event (succeeded, failed, submit-failed) has been
// delivered.
func (w *StatusWatcher) Watch(ctx context.Context, path string, onEvent func(event string)) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("jobs: watch %s: %w", path, err)
	}
	defer fw.Close()
	if err := fw.Add(path); err != nil {
		return fmt.Errorf("jobs: watch %s: %w", path, err)
	}

	// The status file may already carry lines written before Add
	// completed (a fast-finishing local job); catch up once up front.
	offset, terminal := readNewEvents(path, 0, onEvent)
	if terminal {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			offset, terminal = readNewEvents(path, offset, onEvent)
			if terminal {
				return nil
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("jobs: watch %s: %w", path, err)
		}
	}
}

// readNewEvents scans path from offset, calling onEvent for each
// CYLC_JOB_STATE line found, and returns the new read offset plus
// whether a terminal state line was seen.
func readNewEvents(path string, offset int64, onEvent func(string)) (int64, bool) {
	f, err := os.Open(path)
	if err != nil {
		return offset, false
	}
	defer f.Close()
	if _, err := f.Seek(offset, 0); err != nil {
		return offset, false
	}

	const prefix = "CYLC_JOB_STATE="
	scanner := bufio.NewScanner(f)
	terminal := false
	read := offset
	for scanner.Scan() {
		line := scanner.Text()
		read += int64(len(line)) + 1
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		event := strings.TrimPrefix(line, prefix)
		onEvent(event)
		switch event {
		case "succeeded", "failed", "submit-failed":
			terminal = true
		}
	}
	return read, terminal
}
