// Package pipeline drives the five ordered generation stages under
// governance.
//
// One task runs its stages strictly in sequence: ideation, drafting,
// critique, revision, summarization. Each stage is one role's single
// execution attempt plus at most one retry under the failure policy.
// Parallelism lives below this package, in the assembler's per-domain
// fan-out; the orchestrator itself never runs roles concurrently.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/scribed/internal/governance"
)

// Classification is the caller-declared task kind.
type Classification string

const (
	ClassificationChat          Classification = "chat"
	ClassificationWriting       Classification = "writing"
	ClassificationVoice         Classification = "voice"
	ClassificationRetrievalOnly Classification = "retrieval-only"
)

// ParseClassification validates a classification string.
func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassificationChat, ClassificationWriting, ClassificationVoice, ClassificationRetrievalOnly:
		return Classification(s), nil
	}
	return "", fmt.Errorf("unknown classification %q", s)
}

// Request is the caller boundary into the pipeline.
type Request struct {
	Prompt         string
	Classification Classification

	// EmergencyFallback authorizes the summarization stage's single
	// external call when its local transform fails. Explicit per
	// request, never a process-wide toggle.
	EmergencyFallback bool
}

// Status is the outcome of one stage execution.
type Status string

const (
	// StatusApproved means the stage output passed all checks as-is.
	StatusApproved Status = "approved"

	// StatusTweaked means a deterministic local correction was applied.
	StatusTweaked Status = "tweaked"

	// StatusRevised means the single permitted retry produced the
	// accepted output.
	StatusRevised Status = "revised"

	// StatusCriticalFail means the stage halted the task.
	StatusCriticalFail Status = "critical_fail"
)

// StageResult is the record of one role's execution.
type StageResult struct {
	Role      governance.Role `json:"role"`
	Output    string          `json:"output"`
	ChangeLog []string        `json:"change_log,omitempty"`
	Status    Status          `json:"status"`
	Calls     int             `json:"calls"`
	Duration  time.Duration   `json:"duration"`
}

// Task is one pipeline execution. Owned exclusively by the orchestrator
// for its lifetime; immutable once created except for appended stage
// results.
type Task struct {
	ID             string
	Prompt         string
	Classification Classification
	CreatedAt      time.Time

	results []StageResult
}

// NewTask mints a task for a request.
func NewTask(req Request) *Task {
	return &Task{
		ID:             uuid.NewString(),
		Prompt:         req.Prompt,
		Classification: req.Classification,
		CreatedAt:      time.Now().UTC(),
	}
}

func (t *Task) appendResult(r StageResult) {
	t.results = append(t.results, r)
}

// Results returns the stage results recorded so far.
func (t *Task) Results() []StageResult {
	out := make([]StageResult, len(t.results))
	copy(out, t.results)
	return out
}

// CallRecord is the final per-role call count for a completed task.
type CallRecord struct {
	TaskID string `json:"task_id"`
	Role   string `json:"role"`
	Count  int    `json:"count"`
}

// MetadataBundle is the caller-facing summary of a completed task.
type MetadataBundle struct {
	Attributions []string            `json:"attributions"`
	CallRecords  []CallRecord        `json:"call_records"`
	ChangeLogs   map[string][]string `json:"change_logs,omitempty"`
	Keywords     []string            `json:"keywords,omitempty"`
}

// FailureReport describes a critical halt. AuditRef is the task id; the
// full decision history is retrievable from the audit trail under it.
type FailureReport struct {
	Stage    governance.Role `json:"stage"`
	Reason   string          `json:"reason"`
	AuditRef string          `json:"audit_ref"`
}

// Result is the outcome of a pipeline run: the final output plus
// metadata on success, or a failure report on a critical halt.
type Result struct {
	TaskID      string         `json:"task_id"`
	FinalOutput string         `json:"final_output,omitempty"`
	Stages      []StageResult  `json:"stages"`
	Metadata    MetadataBundle `json:"metadata"`
	Failure     *FailureReport `json:"failure,omitempty"`
}

// CriticalError is the terminal error for a halted task.
type CriticalError struct {
	TaskID string
	Stage  governance.Role
	Reason error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("task %s halted at %s: %v", e.TaskID, e.Stage, e.Reason)
}

func (e *CriticalError) Unwrap() error {
	return e.Reason
}

// IsCritical reports whether an error is a critical pipeline halt.
func IsCritical(err error) bool {
	var ce *CriticalError
	return errors.As(err, &ce)
}
