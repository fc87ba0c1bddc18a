// Package audit provides the append-only audit trail.
//
// Every governance decision and every stage transition produces exactly
// one Entry. Entries are never updated or deleted; ordering is
// guaranteed only within a single task. Externalization goes through a
// pluggable Sink (JSONL file, NATS subject, in-memory for tests).
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Severity ranks audit entries. Critical is the highest and is reserved
// for governance critical violations and task-terminating failures.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Kind classifies what an entry records.
type Kind string

const (
	// KindGovernanceDecision records an Allow or Deny from the engine.
	KindGovernanceDecision Kind = "governance_decision"

	// KindStageTransition records the state machine entering a stage or
	// reaching a terminal state.
	KindStageTransition Kind = "stage_transition"

	// KindGuardrail records a bundle guardrail evaluation.
	KindGuardrail Kind = "guardrail"

	// KindFailure records a classified stage failure.
	KindFailure Kind = "failure"
)

// Entry is one immutable audit record.
type Entry struct {
	TaskID     string    `json:"task_id"`
	Role       string    `json:"role,omitempty"`
	Kind       Kind      `json:"kind"`
	InputsHash string    `json:"inputs_hash,omitempty"`
	Outcome    string    `json:"outcome"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink receives entries as they are recorded. Implementations must not
// mutate entries. A sink failure fails Record; the in-memory trail is
// still consistent because the append happens first.
type Sink interface {
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// Trail is the append-only audit trail.
//
// Concurrent writes across tasks are safe; entries for one task are
// stored in record order. Query returns a copy so callers can never
// mutate the trail.
type Trail struct {
	mu      sync.Mutex
	byTask  map[string][]Entry
	sink    Sink
	metrics *Metrics
}

// NewTrail creates a trail forwarding to sink. sink may be nil.
func NewTrail(sink Sink) *Trail {
	return &Trail{
		byTask: make(map[string][]Entry),
		sink:   sink,
	}
}

// SetMetrics attaches optional prometheus metrics.
func (t *Trail) SetMetrics(m *Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
}

// Record appends an entry. The zero timestamp is filled at record time.
func (t *Trail) Record(ctx context.Context, entry Entry) error {
	if entry.TaskID == "" {
		return fmt.Errorf("audit entry missing task id")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.Severity == "" {
		entry.Severity = SeverityInfo
	}

	t.mu.Lock()
	t.byTask[entry.TaskID] = append(t.byTask[entry.TaskID], entry)
	sink := t.sink
	if t.metrics != nil {
		t.metrics.ObserveEntry(entry)
	}
	t.mu.Unlock()

	// The sink write happens outside the lock; it may block on IO.
	if sink != nil {
		if err := sink.Write(ctx, entry); err != nil {
			return fmt.Errorf("audit sink: %w", err)
		}
	}
	return nil
}

// Query returns the ordered entries for a task.
func (t *Trail) Query(taskID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.byTask[taskID]
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}

// Count returns the number of entries recorded for a task.
func (t *Trail) Count(taskID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byTask[taskID])
}

// HashInputs produces the canonical inputs hash for an entry: sha256
// over the parts joined with an unambiguous separator.
func HashInputs(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(h[:])
}
