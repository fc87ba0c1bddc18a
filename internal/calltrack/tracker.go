// Package calltrack provides concurrency-safe per-task, per-role call
// counters.
//
// The tracker is the one structure in scribed that multiple logical
// threads race on for the same key. IncrementWithBudget is the atomic
// check-and-increment the governance path relies on: N concurrent
// reservations against a budget of B yield exactly B successes.
//
// Two backends implement the same interface: MemoryTracker for
// single-process deployments and NATSTracker (JetStream KV) for
// multi-process deployments, where bucket TTL expires counters for
// abandoned tasks.
package calltrack

import (
	"context"
	"errors"
)

// ErrBudgetExhausted is returned by IncrementWithBudget when the counter
// has already reached the budget. The counter is left unchanged.
var ErrBudgetExhausted = errors.New("call budget exhausted")

// Tracker counts external generation calls per (task, role).
//
// Counters are never decremented. Reset removes all counters for a task
// and is called at task completion; backends additionally expire entries
// so abandoned tasks do not leak.
type Tracker interface {
	// Increment adds one to the counter and returns the new count.
	Increment(ctx context.Context, taskID, role string) (int, error)

	// IncrementWithBudget atomically increments only if the current
	// count is below budget. Returns the new count on success, or the
	// unchanged count and ErrBudgetExhausted on failure.
	IncrementWithBudget(ctx context.Context, taskID, role string, budget int) (int, error)

	// Get returns the current count. Missing keys read as zero.
	Get(ctx context.Context, taskID, role string) (int, error)

	// Reset removes all counters for a task.
	Reset(ctx context.Context, taskID string) error
}

// Reader is the read-only view the governance engine uses.
type Reader interface {
	Get(ctx context.Context, taskID, role string) (int, error)
}

func key(taskID, role string) string {
	return taskID + "." + role
}
