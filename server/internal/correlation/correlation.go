// Package correlation is the Correlation & Wait Engine (spec §4.6): it maps
// job ids to pending HTTP waiters, resolves them on matching lifecycle
// events, enforces per-job timeouts with a single watchdog, and cancels
// cleanly on client disconnect. Waiters are in-memory only and do not
// survive a restart (spec §4.6 "Restart").
package correlation

import (
	"container/heap"
	"time"

	"labelberry/common/model"
)

// Outcome is what a waiter receives: either a terminal job state (with its
// error, if any) or a timeout. Timeout never implies the job failed — the
// job keeps running server-independently (spec §4.6 "Timeout").
type Outcome struct {
	State    model.JobState
	Error    *model.JobError
	TimedOut bool
}

const extendIncrement = 30 * time.Second

type waiter struct {
	jobID    string
	deadline time.Time
	result   chan Outcome
	extended bool
	done     bool
}

type deadlineEntry struct {
	jobID    string
	deadline time.Time
}

// deadlineQueue is a min-heap of deadlines. Entries are not removed when a
// waiter resolves, cancels, or extends — the run loop checks each popped
// entry against the live waiter's current deadline and silently discards
// stale ones (grounded on the lazy-deletion pattern a single-owner
// min-heap invites; the alternative, an indexed heap with Fix, buys
// nothing here since the queue only ever grows to the active waiter count).
type deadlineQueue []deadlineEntry

func (q deadlineQueue) Len() int            { return len(q) }
func (q deadlineQueue) Less(i, j int) bool  { return q[i].deadline.Before(q[j].deadline) }
func (q deadlineQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *deadlineQueue) Push(x interface{}) { *q = append(*q, x.(deadlineEntry)) }
func (q *deadlineQueue) Pop() interface{} {
	old := *q
	n := len(old)
	e := old[n-1]
	*q = old[:n-1]
	return e
}

type registerReq struct {
	jobID    string
	deadline time.Time
	resp     chan chan Outcome
}

type cancelReq struct {
	jobID  string
	reason string
}

// Engine runs one watchdog goroutine, grounded on the teacher's
// common/ws.Hub: all mutable state (the waiters map, the deadline heap)
// is owned exclusively by the run() loop and reached only through
// channels, so no mutex guards it.
type Engine struct {
	registerCh chan registerReq
	feedCh     chan model.LifecycleEvent
	cancelCh   chan cancelReq
	shutdown   chan struct{}
}

// New starts the watchdog loop and returns a ready Engine.
func New() *Engine {
	e := &Engine{
		registerCh: make(chan registerReq),
		feedCh:     make(chan model.LifecycleEvent, 256),
		cancelCh:   make(chan cancelReq, 64),
		shutdown:   make(chan struct{}),
	}
	go e.run()
	return e
}

// Register creates a waiter for jobID with the given absolute deadline and
// returns the channel its single Outcome will arrive on. The channel is
// buffered(1) so the run loop never blocks delivering it.
func (e *Engine) Register(jobID string, deadline time.Time) <-chan Outcome {
	resp := make(chan chan Outcome, 1)
	select {
	case e.registerCh <- registerReq{jobID: jobID, deadline: deadline, resp: resp}:
		return <-resp
	case <-e.shutdown:
		ch := make(chan Outcome, 1)
		ch <- Outcome{State: model.JobFailed, Error: model.NewJobError(model.ErrInternal, "correlation engine stopped")}
		return ch
	}
}

// Feed applies a device lifecycle event: terminal states resolve the
// waiter (if any still registered); `processing` extends the deadline by
// a bounded increment, once (spec §4.6 "Event input").
func (e *Engine) Feed(evt model.LifecycleEvent) {
	select {
	case e.feedCh <- evt:
	case <-e.shutdown:
	}
}

// Cancel cancels jobID's waiter (e.g. on HTTP client disconnect). The
// underlying Job is unaffected (spec §4.6 "Client disconnect").
func (e *Engine) Cancel(jobID, reason string) {
	select {
	case e.cancelCh <- cancelReq{jobID: jobID, reason: reason}:
	case <-e.shutdown:
	}
}

// Stop ends the watchdog loop. Any still-registered waiters receive a
// timeout outcome so callers blocked on Register never hang.
func (e *Engine) Stop() {
	close(e.shutdown)
}

func (e *Engine) run() {
	waiters := make(map[string]*waiter)
	var dq deadlineQueue
	heap.Init(&dq)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	resetTimer := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		if dq.Len() == 0 {
			timer.Reset(time.Hour)
			return
		}
		d := time.Until(dq[0].deadline)
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
	}
	resetTimer()

	finish := func(w *waiter, outcome Outcome) {
		if w.done {
			return
		}
		w.done = true
		w.result <- outcome
		delete(waiters, w.jobID)
	}

	for {
		select {
		case req := <-e.registerCh:
			w := &waiter{jobID: req.jobID, deadline: req.deadline, result: make(chan Outcome, 1)}
			waiters[req.jobID] = w
			heap.Push(&dq, deadlineEntry{jobID: req.jobID, deadline: req.deadline})
			req.resp <- w.result
			resetTimer()

		case evt := <-e.feedCh:
			w, ok := waiters[evt.JobID]
			if !ok {
				continue
			}
			switch {
			case evt.State.IsTerminal():
				finish(w, Outcome{State: evt.State, Error: evt.Error})
			case evt.State == model.JobProcessing && !w.extended:
				w.extended = true
				w.deadline = w.deadline.Add(extendIncrement)
				heap.Push(&dq, deadlineEntry{jobID: w.jobID, deadline: w.deadline})
				resetTimer()
			}

		case req := <-e.cancelCh:
			if w, ok := waiters[req.jobID]; ok {
				finish(w, Outcome{State: model.JobCancelled, TimedOut: false, Error: model.NewJobError(model.ErrCancelled, req.reason)})
			}

		case <-timer.C:
			now := time.Now()
			for dq.Len() > 0 && !dq[0].deadline.After(now) {
				entry := heap.Pop(&dq).(deadlineEntry)
				w, ok := waiters[entry.jobID]
				if !ok || !w.deadline.Equal(entry.deadline) {
					continue // stale entry: waiter resolved, cancelled, or extended since this was pushed
				}
				finish(w, Outcome{TimedOut: true})
			}
			resetTimer()

		case <-e.shutdown:
			for _, w := range waiters {
				finish(w, Outcome{TimedOut: true})
			}
			return
		}
	}
}
