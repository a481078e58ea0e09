// Package offlinequeue implements the Offline Queue & Re-delivery module
// (spec §4.7): a per-device FIFO of pending command envelopes, durably
// persisted in the Job Store, drained in order on reconnect, and
// interruptible mid-drain by a subsequent disconnect.
package offlinequeue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelberry/common/bus"
	"labelberry/common/model"
	"labelberry/server/internal/store"
)

// DefaultCapacity is the default bound on per-device queued entries
// (spec §4.7 "Bounded size per device (default large but finite)").
const DefaultCapacity = 1000

// ErrQueueFull is returned by Enqueue when a device's offline queue has
// reached capacity; the caller must surface model.ErrQueueFullOffline
// rather than silently dropping the submission (spec §4.7 "Back-pressure").
var ErrQueueFull = errors.New("offlinequeue: device queue is full")

// Publisher is the narrow bus capability the drain loop needs — kept as
// an interface so tests can exercise drain/interrupt behavior without a
// live broker.
type Publisher interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
}

// Queue drains and bounds per-device offline entries backed by store.Store.
type Queue struct {
	store    store.Store
	capacity int
}

// New constructs a Queue. capacity <= 0 uses DefaultCapacity.
func New(s store.Store, capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{store: s, capacity: capacity}
}

// Enqueue stages env for deviceID, durably, for delivery on next reconnect.
// Returns ErrQueueFull once the device's queue is at capacity.
func (q *Queue) Enqueue(ctx context.Context, deviceID, jobID string, env model.Envelope) error {
	n, err := q.store.CountOffline(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("offlinequeue: count: %w", err)
	}
	if n >= q.capacity {
		return ErrQueueFull
	}
	return q.store.EnqueueOffline(ctx, &model.OfflineQueueEntry{
		DeviceID:   deviceID,
		JobID:      jobID,
		Envelope:   env,
		EnqueuedAt: time.Now().UTC(),
	})
}

// Drain publishes deviceID's queued entries in FIFO order over topic,
// removing each as soon as its publish succeeds. It stops (without error)
// the moment interrupt closes — e.g. because the device disconnected
// again mid-drain — leaving the remainder queued for the next reconnect
// (spec §4.7 "A drain is interrupted by a mark_disconnected and resumed
// later").
func (q *Queue) Drain(ctx context.Context, deviceID, topic string, pub Publisher, interrupt <-chan struct{}) error {
	for {
		select {
		case <-interrupt:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := q.store.ListOffline(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("offlinequeue: list: %w", err)
		}
		if len(entries) == 0 {
			return nil
		}

		entry := entries[0]
		payload, err := bus.EncodeCommand(entry.Envelope)
		if err != nil {
			return fmt.Errorf("offlinequeue: encode %s: %w", entry.JobID, err)
		}
		if err := pub.Publish(topic, payload, 10*time.Second); err != nil {
			return fmt.Errorf("offlinequeue: publish %s: %w", entry.JobID, err)
		}
		if err := q.store.DequeueOffline(ctx, deviceID, entry.JobID); err != nil {
			return fmt.Errorf("offlinequeue: dequeue %s: %w", entry.JobID, err)
		}
	}
}

// ExpireSweep drops entries older than maxAge and transitions their Jobs
// to expired (spec §4.7 "Bounded expiry").
func (q *Queue) ExpireSweep(ctx context.Context, maxAge time.Duration) (int, error) {
	expired, err := q.store.ExpireOfflineOlderThan(ctx, time.Now().UTC().Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("offlinequeue: expire sweep: %w", err)
	}
	for _, e := range expired {
		err := q.store.UpdateJobState(ctx, e.JobID, model.JobExpired,
			model.NewJobError(model.ErrExpired, "offline queue entry exceeded 24h lifetime"))
		// A job already moved to a terminal state (e.g. the device
		// completed it) before the sweep reached it is not an error: the
		// offline entry is still stale and gets dropped either way.
		if err != nil && !errors.Is(err, store.ErrNotFound) && !errors.Is(err, store.ErrInvalidTransition) {
			return len(expired), fmt.Errorf("offlinequeue: mark job %s expired: %w", e.JobID, err)
		}
	}
	return len(expired), nil
}
