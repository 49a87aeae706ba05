package scheduler

import (
	"fmt"
	"strconv"

	"github.com/cylc-go/scheduler/internal/cycle"
)

// parsePoint parses a wire-format cycle point string (as carried on a
// task message or an operator command's TaskSelector) back into a
// cycle.Point, using the scheduler's configured cycling mode.
func (s *Scheduler) parsePoint(str string) (cycle.Point, error) {
	if s.IsInteger {
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("scheduler: invalid integer cycle point %q: %w", str, err)
		}
		return cycle.IntegerPoint(n), nil
	}
	return cycle.ParseISOPoint(str, s.Calendar)
}
