// Package messaging implements the task-to-scheduler message
// protocol: job scripts report state changes back to the
// scheduler as authenticated messages, which this package
// authenticates, deduplicates, and hands to the main loop as events.
package messaging

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// Severity classifies a message beyond its state-change payload:
// warning and critical reports are forwarded to the event-handler
// pipeline in addition to normal processing.
const (
	SeverityNormal   = "NORMAL"
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// Message is one inbound task-to-scheduler report.
type Message struct {
	TaskName   string
	CyclePoint string
	SubmitNum  int
	Severity   string // "" is treated as NORMAL
	Event      string // "started", "succeeded", "failed", custom output name, etc.
	Body       string
	MAC        string // hex-encoded HMAC-SHA256 over the message's canonical form
}

// canonicalForm renders the fields MAC is computed over, in a fixed
// order so sender and receiver agree on the bytes signed.
func (m Message) canonicalForm() string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s", m.TaskName, m.CyclePoint, m.SubmitNum, m.Severity, m.Event, m.Body)
}

// Authenticator verifies inbound messages against a per-workflow
// shared secret, read from the run directory's .service/contact file.
type Authenticator struct {
	key []byte
}

// NewAuthenticator creates an Authenticator keyed by secret.
func NewAuthenticator(secret []byte) *Authenticator {
	return &Authenticator{key: secret}
}

// Sign computes the MAC a job script would attach to an outgoing
// message, used by tests and by the scheduler when it forwards
// job.status lines as messages.
func (a *Authenticator) Sign(m Message) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(m.canonicalForm()))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether m's MAC is valid for this workflow's secret.
func (a *Authenticator) Verify(m Message) bool {
	expected := a.Sign(m)
	return hmac.Equal([]byte(expected), []byte(m.MAC))
}

// Secret returns the raw shared secret, exported to the workflow's job
// scripts via their environment so they can sign their own outgoing
// messages the same way Sign does.
func (a *Authenticator) Secret() []byte { return a.key }

// DedupFilter holds a probabilistic filter of messages already
// processed, keyed by their full canonical form (task, point,
// submit_num, severity, event, body), so a message replayed by a flaky
// transport is cheaply recognized as probably-seen. A positive answer
// is not confirmed against any durable record.
type DedupFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewDedupFilter creates a filter sized for expectedMessages at
// falsePositiveRate.
func NewDedupFilter(expectedMessages uint, falsePositiveRate float64) *DedupFilter {
	return &DedupFilter{filter: bloom.NewWithEstimates(expectedMessages, falsePositiveRate)}
}

func (m Message) dedupKey() []byte {
	return []byte(m.canonicalForm())
}

// MaybeSeen reports whether this exact message was probably already
// processed. A false answer is definite ("definitely not seen"); a
// true answer may be a false positive, since Bloom filters never
// produce false negatives but may produce false positives.
func (f *DedupFilter) MaybeSeen(m Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.Test(m.dedupKey())
}

// MarkSeen records m as processed.
func (f *DedupFilter) MarkSeen(m Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter.Add(m.dedupKey())
}
