package calltrack

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryTracker is the in-process Tracker backend.
//
// A single mutex guards the counter map; the critical section covers
// both the budget check and the increment, so two concurrent callers can
// never both pass on a stale count. Increments are cheap, so one lock is
// sufficient; nothing external is ever called while holding it.
type MemoryTracker struct {
	mu       sync.Mutex
	counts   map[string]int
	touched  map[string]time.Time
	entryTTL time.Duration
}

// NewMemoryTracker creates an in-process tracker. entryTTL bounds how
// long counters for abandoned tasks survive; zero disables expiry.
func NewMemoryTracker(entryTTL time.Duration) *MemoryTracker {
	return &MemoryTracker{
		counts:   make(map[string]int),
		touched:  make(map[string]time.Time),
		entryTTL: entryTTL,
	}
}

// Increment adds one to the counter and returns the new count.
func (t *MemoryTracker) Increment(ctx context.Context, taskID, role string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(taskID, role)
	t.expireLocked(k)
	t.counts[k]++
	t.touched[k] = time.Now()
	return t.counts[k], nil
}

// IncrementWithBudget atomically checks and increments.
func (t *MemoryTracker) IncrementWithBudget(ctx context.Context, taskID, role string, budget int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(taskID, role)
	t.expireLocked(k)
	current := t.counts[k]
	if current >= budget {
		return current, ErrBudgetExhausted
	}
	t.counts[k] = current + 1
	t.touched[k] = time.Now()
	return current + 1, nil
}

// Get returns the current count. Missing keys read as zero.
func (t *MemoryTracker) Get(ctx context.Context, taskID, role string) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(taskID, role)
	t.expireLocked(k)
	return t.counts[k], nil
}

// Reset removes all counters for a task.
func (t *MemoryTracker) Reset(ctx context.Context, taskID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := taskID + "."
	for k := range t.counts {
		if strings.HasPrefix(k, prefix) {
			delete(t.counts, k)
			delete(t.touched, k)
		}
	}
	return nil
}

// expireLocked drops a counter whose task was abandoned past the TTL.
// Caller must hold the mutex.
func (t *MemoryTracker) expireLocked(k string) {
	if t.entryTTL <= 0 {
		return
	}
	if touched, ok := t.touched[k]; ok && time.Since(touched) > t.entryTTL {
		delete(t.counts, k)
		delete(t.touched, k)
	}
}
