package calltrack

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSTracker is the distributed Tracker backend, backed by a JetStream
// key-value bucket.
//
// Atomicity comes from compare-and-swap on the KV revision: Update with a
// stale revision fails and the loop re-reads. The bucket TTL expires
// counters for abandoned tasks so a disconnected caller never leaks
// entries.
type NATSTracker struct {
	kv nats.KeyValue
}

// maxCASAttempts bounds the compare-and-swap retry loop under heavy
// contention on a single key.
const maxCASAttempts = 64

// NewNATSTracker creates or binds the KV bucket on the given connection.
func NewNATSTracker(nc *nats.Conn, bucket string, entryTTL time.Duration) (*NATSTracker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    entryTTL,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", bucket, err)
	}

	return &NATSTracker{kv: kv}, nil
}

// Increment adds one to the counter via CAS and returns the new count.
func (t *NATSTracker) Increment(ctx context.Context, taskID, role string) (int, error) {
	n, err := t.casIncrement(ctx, key(taskID, role), -1)
	return n, err
}

// IncrementWithBudget atomically checks and increments.
func (t *NATSTracker) IncrementWithBudget(ctx context.Context, taskID, role string, budget int) (int, error) {
	return t.casIncrement(ctx, key(taskID, role), budget)
}

// casIncrement runs the compare-and-swap loop. budget < 0 disables the
// budget check.
func (t *NATSTracker) casIncrement(ctx context.Context, k string, budget int) (int, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		entry, err := t.kv.Get(k)
		switch {
		case errors.Is(err, nats.ErrKeyNotFound):
			if budget == 0 {
				return 0, ErrBudgetExhausted
			}
			if _, err := t.kv.Create(k, []byte("1")); err != nil {
				if isCASConflict(err) {
					continue // another caller created it first
				}
				return 0, fmt.Errorf("kv create: %w", err)
			}
			return 1, nil
		case err != nil:
			return 0, fmt.Errorf("kv get: %w", err)
		}

		current, err := strconv.Atoi(string(entry.Value()))
		if err != nil {
			return 0, fmt.Errorf("corrupt counter %s: %w", k, err)
		}
		if budget >= 0 && current >= budget {
			return current, ErrBudgetExhausted
		}

		next := strconv.Itoa(current + 1)
		if _, err := t.kv.Update(k, []byte(next), entry.Revision()); err != nil {
			if isCASConflict(err) {
				continue // lost the race, re-read and retry
			}
			return 0, fmt.Errorf("kv update: %w", err)
		}
		return current + 1, nil
	}
	return 0, fmt.Errorf("cas contention on %s: gave up after %d attempts", k, maxCASAttempts)
}

// Get returns the current count. Missing keys read as zero.
func (t *NATSTracker) Get(ctx context.Context, taskID, role string) (int, error) {
	entry, err := t.kv.Get(key(taskID, role))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("kv get: %w", err)
	}
	n, err := strconv.Atoi(string(entry.Value()))
	if err != nil {
		return 0, fmt.Errorf("corrupt counter: %w", err)
	}
	return n, nil
}

// Reset purges all counters for a task.
func (t *NATSTracker) Reset(ctx context.Context, taskID string) error {
	keys, err := t.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv keys: %w", err)
	}

	prefix := taskID + "."
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if err := t.kv.Purge(k); err != nil {
			return fmt.Errorf("kv purge %s: %w", k, err)
		}
	}
	return nil
}

// isCASConflict reports whether an error is a revision/exists conflict
// rather than a hard failure.
func isCASConflict(err error) bool {
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
	}
	return false
}
