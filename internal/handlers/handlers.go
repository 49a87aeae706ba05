// Package handlers dispatches configured event handlers: shell
// command templates run, off the main loop, whenever a task or job
// crosses a configured event (submitted, failed, succeeded, retry,
// custom output, ...).
package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"text/template"
	"time"

	"github.com/cylc-go/scheduler/internal/cycle"
	"github.com/cylc-go/scheduler/internal/subprocess"
)

// EventContext supplies the fields a handler template may reference
// as %(name)s-style placeholders, rendered here as Go template
// actions ({{.TaskName}}, {{.Event}}, ...).
type EventContext struct {
	TaskName   string
	CyclePoint string
	Event      string
	SubmitNum  int
	Message    string
	WorkflowID string
}

// Dispatcher renders handler command templates and submits them to a
// subprocess pool under CategoryHandler, so a slow or hanging handler
// script never blocks the scheduler's main loop.
type Dispatcher struct {
	pool *subprocess.Pool

	// handlers maps a namespace name to its event->command-templates.
	handlers map[string]map[string][]string

	// retries is recorded from NewDispatcher; Dispatch submits each
	// handler command once and does not re-run a failed one.
	retries int
}

// NewDispatcher creates a Dispatcher that submits rendered handler
// commands to pool.
func NewDispatcher(pool *subprocess.Pool, retries int) *Dispatcher {
	return &Dispatcher{
		pool:     pool,
		handlers: make(map[string]map[string][]string),
		retries:  retries,
	}
}

// Configure registers the event->command-template list for namespace,
// as compiled from runtime configuration's EventHandlers field.
func (d *Dispatcher) Configure(namespace string, eventHandlers map[string][]string) {
	d.handlers[namespace] = eventHandlers
}

// render substitutes ctx's fields into a command template. A
// malformed template is an error rather than a silently-broken
// command, since it will be handed to a shell.
func render(tmplText string, ctx EventContext) (string, error) {
	tmpl, err := template.New("handler").Parse(tmplText)
	if err != nil {
		return "", fmt.Errorf("handlers: parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("handlers: render template: %w", err)
	}
	return buf.String(), nil
}

// Dispatch submits every command template configured for (namespace,
// event), rendered against ctx, to the subprocess pool. It returns the
// command IDs submitted so the caller can correlate results arriving
// later on pool.Results().
func (d *Dispatcher) Dispatch(namespace string, point cycle.Point, ctx EventContext) ([]string, error) {
	templates, ok := d.handlers[namespace][ctx.Event]
	if !ok || len(templates) == 0 {
		return nil, nil
	}

	var ids []string
	for i, tmplText := range templates {
		cmdStr, err := render(tmplText, ctx)
		if err != nil {
			return ids, err
		}
		id := fmt.Sprintf("%s.%s.%s.%d.%d", namespace, point.String(), ctx.Event, ctx.SubmitNum, i)
		d.pool.Submit(&subprocess.Command{
			ID:       id,
			Category: subprocess.CategoryHandler,
			Run:      runHandlerScript(cmdStr),
			Timeout:  60 * time.Second,
			QueuedAt: time.Now(),
		})
		ids = append(ids, id)
	}
	return ids, nil
}

// BatchMailHandler coalesces event notifications until the caller
// calls Flush, rather than dispatching one command per event, for
// workflows whose "mail" handler would otherwise fire hundreds of
// times in a busy cycle. It does not flush on its own.
type BatchMailHandler struct {
	mu       chan struct{}
	pending  []EventContext
	interval time.Duration
}

// NewBatchMailHandler creates a batcher and stores interval on it;
// nothing in the batcher flushes on a timer.
func NewBatchMailHandler(interval time.Duration) *BatchMailHandler {
	return &BatchMailHandler{mu: make(chan struct{}, 1), interval: interval}
}

// Add queues ctx for the next flush.
func (b *BatchMailHandler) Add(ctx EventContext) {
	b.mu <- struct{}{}
	b.pending = append(b.pending, ctx)
	<-b.mu
}

// Flush returns and clears the queued events; DigestBody renders them
// as a single body the caller can hand to a mail-sending handler
// command.
func (b *BatchMailHandler) Flush() []EventContext {
	b.mu <- struct{}{}
	defer func() { <-b.mu }()
	out := b.pending
	b.pending = nil
	return out
}

// DigestBody renders a plain-text summary of events, one line per
// event, suitable as a batched notification body.
func DigestBody(events []EventContext) string {
	var buf bytes.Buffer
	for _, e := range events {
		fmt.Fprintf(&buf, "%s %s/%s submit=%d: %s\n", e.WorkflowID, e.TaskName, e.CyclePoint, e.SubmitNum, e.Event)
	}
	return buf.String()
}

// runHandlerScript builds the Run func a handler Command executes: the
// rendered command string passed to /bin/sh -c, same as a job script's
// batch-system invocation.
func runHandlerScript(cmdStr string) func(ctx context.Context) (subprocess.Result, error) {
	return func(ctx context.Context) (subprocess.Result, error) {
		cmd := exec.CommandContext(ctx, "/bin/sh", "-c", cmdStr)
		output, err := cmd.CombinedOutput()
		exitCode := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if err != nil {
			exitCode = -1
		}
		return subprocess.Result{Output: output, ExitCode: exitCode}, err
	}
}
