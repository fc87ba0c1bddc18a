package calltrack

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"pgregory.net/rapid"
)

// TestProperty_BudgetNeverOversubscribed verifies that for any budget B
// and any number of concurrent reservations N, exactly min(N, B) succeed
// and the counter never exceeds B.
func TestProperty_BudgetNeverOversubscribed(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		budget := rapid.IntRange(0, 10).Draw(rt, "budget")
		attempts := rapid.IntRange(1, 50).Draw(rt, "attempts")

		tracker := NewMemoryTracker(0)
		ctx := context.Background()

		var successes atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})

		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := tracker.IncrementWithBudget(ctx, "task", "role", budget)
				if err == nil {
					successes.Add(1)
				} else if !errors.Is(err, ErrBudgetExhausted) {
					rt.Errorf("unexpected error: %v", err)
				}
			}()
		}

		close(start)
		wg.Wait()

		want := attempts
		if budget < attempts {
			want = budget
		}
		if got := int(successes.Load()); got != want {
			rt.Fatalf("got %d successful reservations, want %d", got, want)
		}

		count, err := tracker.Get(ctx, "task", "role")
		if err != nil {
			rt.Fatalf("Get failed: %v", err)
		}
		if count != want {
			rt.Fatalf("final count = %d, want %d", count, want)
		}
	})
}

// TestProperty_CountMonotonic verifies the counter never decreases under
// any interleaving of increments and reads.
func TestProperty_CountMonotonic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tracker := NewMemoryTracker(0)
		ctx := context.Background()

		n := rapid.IntRange(1, 30).Draw(rt, "increments")
		last := 0
		for i := 0; i < n; i++ {
			got, err := tracker.Increment(ctx, "task", "role")
			if err != nil {
				rt.Fatalf("Increment failed: %v", err)
			}
			if got <= last {
				rt.Fatalf("count went from %d to %d", last, got)
			}
			last = got
		}
	})
}
