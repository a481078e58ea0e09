// Package dispatcher is the Job Dispatcher (spec §4.5): it accepts a
// normalized print request, selects a transport (bus if the device holds
// a live session, else the server-side Offline Queue), publishes the
// command, records the Job, and manages the Correlation Waiter for
// synchronous callers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"labelberry/common/bus"
	"labelberry/common/model"
	"labelberry/server/internal/correlation"
	"labelberry/server/internal/offlinequeue"
	"labelberry/server/internal/store"
)

// MinPriority and MaxPriority bound the priority field on submission
// (spec §3 "priority in [1..10]").
const (
	MinPriority = 1
	MaxPriority = 10
)

const (
	defaultWaitDeadline = 60 * time.Second
	maxWaitDeadline     = 5 * time.Minute
)

// Publisher is the bus capability the Dispatcher needs to hand a command
// to a connected device. Kept as an interface so tests can substitute a
// fake broker.
type Publisher interface {
	Publish(topic string, payload []byte, timeout time.Duration) error
}

// Registry is the subset of the Bus Session Registry the Dispatcher
// consults to choose a transport.
type Registry interface {
	IsConnected(deviceID string) bool
}

// Waiters is the subset of the Correlation & Wait Engine the Dispatcher
// drives for synchronous submissions.
type Waiters interface {
	Register(jobID string, deadline time.Time) <-chan correlation.Outcome
	Feed(evt model.LifecycleEvent)
}

// Fetcher retrieves a zpl_url payload's bytes so the Dispatcher can
// normalize it to an inline payload before the job is ever persisted.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// SubmitRequest is the normalized print request from spec §4.5's
// "submit(device-id, payload, priority, wait, source, auth-credential)".
type SubmitRequest struct {
	DeviceID       string
	Payload        model.Payload
	Priority       int
	Wait           bool
	Source         model.Source
	AuthToken      string // empty for internally-originated submissions (test, broadcast fan-out)
	IdempotencyKey string
	WaitDeadline   time.Duration // 0 uses the default (60s); always clamped to maxWaitDeadline
}

// clampWaitDeadline applies spec §4.5's "deadline (default 60s, clamped)".
func clampWaitDeadline(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultWaitDeadline
	}
	if d > maxWaitDeadline {
		return maxWaitDeadline
	}
	return d
}

// SubmissionResult is what submit() returns to its caller.
type SubmissionResult struct {
	JobID  string
	Status string // "queued" | "sent" | "completed" | "timeout" | "failed" | "cancelled" | "expired"
	Error  *model.JobError
}

// Dispatcher wires the store, registry, bus, offline queue, and
// correlation engine together to implement submit/broadcast.
type Dispatcher struct {
	store    store.Store
	registry Registry
	pub      Publisher
	offline  *offlinequeue.Queue
	waiters  Waiters
	fetcher  Fetcher
}

// New constructs a Dispatcher. fetcher may be nil if zpl_url submissions
// are not expected; Submit then rejects them with zpl_fetch_failed.
func New(s store.Store, r Registry, pub Publisher, offline *offlinequeue.Queue, waiters Waiters, fetcher Fetcher) *Dispatcher {
	return &Dispatcher{store: s, registry: r, pub: pub, offline: offline, waiters: waiters, fetcher: fetcher}
}

// Submit implements spec §4.5's algorithm.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (*SubmissionResult, error) {
	if err := d.checkAuth(ctx, req.AuthToken); err != nil {
		return nil, err
	}
	if _, err := d.store.GetDevice(ctx, req.DeviceID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, model.NewJobError(model.ErrNotFound, "device not found")
		}
		return nil, fmt.Errorf("dispatcher: lookup device: %w", err)
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, model.NewJobError(model.ErrInvalidRequest, err.Error())
	}
	if req.Payload.Kind == model.PayloadURL {
		inline, err := d.fetchZPLURL(ctx, req.Payload.URL)
		if err != nil {
			return nil, err
		}
		req.Payload = model.Payload{Kind: model.PayloadInline, Inline: inline}
	}
	if req.Priority == 0 {
		req.Priority = 5 // priority is optional; default 5
	}
	if req.Priority < MinPriority || req.Priority > MaxPriority {
		return nil, model.NewJobError(model.ErrInvalidRequest, "priority out of range")
	}

	if req.IdempotencyKey != "" {
		existing, err := d.store.GetJobByIdempotencyKey(ctx, req.DeviceID, req.IdempotencyKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("dispatcher: idempotency lookup: %w", err)
		}
		if existing != nil {
			return d.resultForExisting(ctx, existing, req.Wait)
		}
	}

	job := &model.Job{
		ID:              model.NewID(),
		DeviceID:        req.DeviceID,
		Payload:         req.Payload,
		Priority:        req.Priority,
		Source:          req.Source,
		WaitForComplete: req.Wait,
		IdempotencyKey:  req.IdempotencyKey,
		CreatedAt:       time.Now().UTC(),
		State:           model.JobQueued,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatcher: create job: %w", err)
	}

	var waitCh <-chan correlation.Outcome
	if req.Wait {
		waitCh = d.waiters.Register(job.ID, time.Now().Add(clampWaitDeadline(req.WaitDeadline)))
	}

	if err := d.route(ctx, job); err != nil {
		return nil, fmt.Errorf("dispatcher: route job %s: %w", job.ID, err)
	}

	if !req.Wait {
		return &SubmissionResult{JobID: job.ID, Status: string(job.State), Error: job.Error}, nil
	}
	return d.awaitOutcome(ctx, job.ID, waitCh), nil
}

// route publishes to the device's live session, or falls back to the
// Offline Queue, exactly as spec §4.5 step 2 describes.
func (d *Dispatcher) route(ctx context.Context, job *model.Job) error {
	env := model.Envelope{JobID: job.ID, Kind: model.CommandPrint, Payload: &job.Payload, Priority: job.Priority, IssuedAt: time.Now().UTC()}

	if d.registry.IsConnected(job.DeviceID) {
		payload, err := bus.EncodeCommand(env)
		if err != nil {
			return err
		}
		if err := d.pub.Publish(bus.CommandsTopic(job.DeviceID), payload, 10*time.Second); err == nil {
			if err := d.store.UpdateJobState(ctx, job.ID, model.JobSent, nil); err != nil {
				return err
			}
			job.State = model.JobSent
			return nil
		}
		// Publish failed despite a registry-reported live session: fall
		// through to the offline path so the job is never lost.
	}

	if err := d.offline.Enqueue(ctx, job.DeviceID, job.ID, env); err != nil {
		if errors.Is(err, offlinequeue.ErrQueueFull) {
			jobErr := model.NewJobError(model.ErrQueueFullOffline, "offline queue is full")
			if err := d.store.UpdateJobState(ctx, job.ID, model.JobFailed, jobErr); err != nil {
				return err
			}
			job.State, job.Error = model.JobFailed, jobErr
			return nil
		}
		return err
	}
	return nil // job stays `queued`
}

func (d *Dispatcher) awaitOutcome(ctx context.Context, jobID string, waitCh <-chan correlation.Outcome) *SubmissionResult {
	select {
	case outcome := <-waitCh:
		if outcome.TimedOut {
			return &SubmissionResult{JobID: jobID, Status: "timeout"}
		}
		return &SubmissionResult{JobID: jobID, Status: string(outcome.State), Error: outcome.Error}
	case <-ctx.Done():
		// HTTP caller disconnected: the waiter is cancelled but the Job
		// is unaffected (spec §4.6 "Client disconnect").
		if c, ok := d.waiters.(interface{ Cancel(jobID, reason string) }); ok {
			c.Cancel(jobID, "client disconnected")
		}
		return &SubmissionResult{JobID: jobID, Status: "cancelled"}
	}
}

func (d *Dispatcher) resultForExisting(ctx context.Context, job *model.Job, wait bool) (*SubmissionResult, error) {
	if job.State.IsTerminal() || !wait {
		return &SubmissionResult{JobID: job.ID, Status: string(job.State), Error: job.Error}, nil
	}
	waitCh := d.waiters.Register(job.ID, time.Now().Add(defaultWaitDeadline))
	return d.awaitOutcome(ctx, job.ID, waitCh), nil
}

// fetchZPLURL retrieves a zpl_url payload's bytes, normalizing the wire
// union to inline before the Job is persisted (spec §9 "Dynamic typing of
// payloads"); fetch failures surface as zpl_fetch_failed (spec §7).
func (d *Dispatcher) fetchZPLURL(ctx context.Context, url string) ([]byte, error) {
	if d.fetcher == nil {
		return nil, model.NewJobError(model.ErrZPLFetchFailed, "zpl_url fetching is not configured")
	}
	data, err := d.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, model.NewJobError(model.ErrZPLFetchFailed, err.Error())
	}
	return data, nil
}

func (d *Dispatcher) checkAuth(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	cred, err := d.store.GetCredential(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.NewJobError(model.ErrUnauthorized, "unknown credential")
		}
		return fmt.Errorf("dispatcher: lookup credential: %w", err)
	}
	if !cred.Active {
		return model.NewJobError(model.ErrUnauthorized, "credential revoked")
	}
	if err := d.store.TouchCredentialLastUsed(ctx, token, time.Now().UTC()); err != nil {
		return fmt.Errorf("dispatcher: touch credential: %w", err)
	}
	return nil
}

// HandleLifecycleEvent persists the state transition a device reported on
// its events topic, then feeds the Correlation Engine so any synchronous
// waiter observes it (spec §4.6 "Event input"). This is the bridge between
// the bus subscription and both the Store and the Correlation Engine —
// Correlation itself has no Store dependency, so persistence happens here.
func (d *Dispatcher) HandleLifecycleEvent(ctx context.Context, evt model.LifecycleEvent) error {
	switch {
	case evt.State.IsTerminal():
		if err := d.store.UpdateJobState(ctx, evt.JobID, evt.State, evt.Error); err != nil {
			return fmt.Errorf("dispatcher: persist lifecycle event for job %s: %w", evt.JobID, err)
		}
	case evt.State == model.JobProcessing:
		at := evt.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		if err := d.store.TouchJobStarted(ctx, evt.JobID, at); err != nil {
			return fmt.Errorf("dispatcher: touch job %s started: %w", evt.JobID, err)
		}
	}
	d.waiters.Feed(evt)
	return nil
}

// BroadcastResult pairs a device id with its own submission outcome.
type BroadcastResult struct {
	DeviceID string
	Result   *SubmissionResult
	Err      error
}

// Broadcast fans out N independent Submit calls; one device's failure
// never rolls back another's (spec §4.5 "Broadcast").
func (d *Dispatcher) Broadcast(ctx context.Context, deviceIDs []string, payload model.Payload, priority int, wait bool, authToken string) []BroadcastResult {
	out := make([]BroadcastResult, len(deviceIDs))
	done := make(chan int, len(deviceIDs))

	for i, id := range deviceIDs {
		go func(i int, deviceID string) {
			res, err := d.Submit(ctx, SubmitRequest{
				DeviceID:  deviceID,
				Payload:   payload,
				Priority:  priority,
				Wait:      wait,
				Source:    model.SourceBroadcast,
				AuthToken: authToken,
			})
			out[i] = BroadcastResult{DeviceID: deviceID, Result: res, Err: err}
			done <- i
		}(i, id)
	}
	for range deviceIDs {
		<-done
	}
	return out
}
