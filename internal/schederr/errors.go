// Package schederr classifies scheduler errors into five categories:
// configuration, transient I/O, protocol, persistent-storage, and
// programming errors. Classification decides
// whether an error is surfaced to a task's event-handler pipeline and
// retried, logged as a warning, or treated as fatal and escalated to a
// clean shutdown.
package schederr

import (
	"errors"
	"fmt"
	"time"
)

// Category is the error classification.
type Category int

const (
	// Unknown errors default to fatal treatment: the scheduler never
	// silently swallows an error it cannot classify.
	Unknown Category = iota
	Configuration
	TransientIO
	Protocol
	PersistentStorage
	Programming
)

func (c Category) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case TransientIO:
		return "transient-io"
	case Protocol:
		return "protocol"
	case PersistentStorage:
		return "persistent-storage"
	case Programming:
		return "programming"
	default:
		return "unknown"
	}
}

// Severity decides propagation: Fatal errors trigger a clean shutdown
// attempt followed by exit; Recoverable errors are wrapped and surfaced
// to the task's event-handler pipeline and never escape to the main
// loop's top frame.
type Severity int

const (
	Recoverable Severity = iota
	Fatal
)

// SchedulerError is a tagged error value: every error that crosses a
// component boundary in the scheduler core should be (or be wrapped
// as) one of these, so the main loop can decide whether to retry,
// log, or shut down without re-deriving intent from string matching.
type SchedulerError struct {
	Err       error
	Category  Category
	Severity  Severity
	Component string
	Retryable bool
	Timestamp time.Time
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("[%s:%s] %v", e.Component, e.Category, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }

// IsRetryable reports whether the condition should be retried per the
// task definition's retry-delay list before becoming terminal.
func (e *SchedulerError) IsRetryable() bool { return e.Retryable }

// New wraps err with an explicit classification.
func New(category Category, severity Severity, component string, err error) *SchedulerError {
	if err == nil {
		return nil
	}
	return &SchedulerError{
		Err:       err,
		Category:  category,
		Severity:  severity,
		Component: component,
		Retryable: category == TransientIO,
		Timestamp: time.Now(),
	}
}

// Configuration errors (graph references to nonexistent tasks, cyclic
// same-point dependencies, unparseable sequence specs, reserved-name
// collisions) are always fatal and reported before any submission.
func ConfigurationError(component string, err error) *SchedulerError {
	return New(Configuration, Fatal, component, err)
}

// Transient wraps an I/O failure (ssh, batch-system command, mail) that
// is retried with bounded exponential backoff per the command's
// retry-delay list before being surfaced as a task event.
func Transient(component string, err error) *SchedulerError {
	return New(TransientIO, Recoverable, component, err)
}

// ProtocolError wraps a malformed message, stale submit_num, or auth
// failure. Logged at warning; never propagated into task state.
func ProtocolError(component string, err error) *SchedulerError {
	return New(Protocol, Recoverable, component, err)
}

// PersistentStorageError wraps a DB write failure (fatal — the
// scheduler cannot safely continue) or a public-DB lock (recoverable —
// triggers rebuild-from-private, not shutdown). Callers pass the
// correct severity explicitly because the two cases diverge.
func PersistentStorageError(component string, severity Severity, err error) *SchedulerError {
	return New(PersistentStorage, severity, component, err)
}

// ProgrammingError wraps an invariant violation (e.g. a state
// transition attempted from a disallowed source). Always fatal.
func ProgrammingError(component string, err error) *SchedulerError {
	return New(Programming, Fatal, component, err)
}

// IsFatal reports whether err (or a SchedulerError it wraps) demands a
// clean shutdown attempt followed by process exit.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var se *SchedulerError
	if errors.As(err, &se) {
		return se.Severity == Fatal || se.Category == Unknown
	}
	// An unclassified error gets Unknown's fatal treatment.
	return true
}

// Sentinel errors for conditions the scheduler frequently needs to
// distinguish by identity rather than by category.
var (
	ErrTaskNotFound       = errors.New("task proxy not found")
	ErrDuplicateProxy     = errors.New("task proxy already exists for (name, point, flow)")
	ErrStalePoll          = errors.New("poll result is for a superseded submit_num")
	ErrStaleMessage       = errors.New("message is for a superseded submit_num")
	ErrInvalidTransition  = errors.New("disallowed job state transition")
	ErrGhostNode          = errors.New("task referenced on the left of an edge has no declaration on any sequence")
	ErrCyclicSamePoint    = errors.New("cyclic same-point dependency in graph section")
	ErrReservedOutputName = errors.New("reserved output name used as custom output")
	ErrPublicDBLocked     = errors.New("public database locked past threshold")
)
