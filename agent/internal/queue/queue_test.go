package queue

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"labelberry/common/model"
)

func newJob(id string, priority int) model.Job {
	return model.Job{
		ID:        id,
		Priority:  priority,
		State:     model.JobQueued,
		CreatedAt: time.Now().UTC(),
		Payload:   model.Payload{Kind: model.PayloadInline, Inline: []byte("^XA^XZ")},
	}
}

func TestEnqueuePeekAckHappyPath(t *testing.T) {
	q, err := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := q.Enqueue(newJob("job-1", 5)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, ok := q.Peek()
	if !ok {
		t.Fatal("expected a job to be returned")
	}
	if job.State != model.JobProcessing || job.AttemptCount != 1 {
		t.Fatalf("expected processing/attempt=1, got %s/%d", job.State, job.AttemptCount)
	}

	finalJob, err := q.Ack("job-1", model.JobCompleted, nil, false)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if finalJob.State != model.JobCompleted {
		t.Fatalf("expected the ack to return the completed job, got %s", finalJob.State)
	}
	if q.Size() != 0 {
		t.Fatalf("expected queue empty after completion, got size %d", q.Size())
	}
}

func TestEnqueueDeduplicatesByID(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)

	first, _ := q.Enqueue(newJob("dup", 1))
	second, err := q.Enqueue(newJob("dup", 9)) // different priority, same id
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if second.ID != first.ID || second.Priority != first.Priority {
		t.Fatal("expected the second enqueue to return the original entry unchanged")
	}
	if q.Size() != 1 {
		t.Fatalf("expected one entry, got %d", q.Size())
	}
}

func TestEnqueueRejectsAtCapacity(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 1)

	if _, err := q.Enqueue(newJob("a", 1)); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	if _, err := q.Enqueue(newJob("b", 1)); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestPeekOrdersByPriorityThenFIFO(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)

	low := newJob("low", 1)
	high := newJob("high", 9)
	high.CreatedAt = low.CreatedAt.Add(time.Millisecond) // enqueued after low, but higher priority

	q.Enqueue(low)
	q.Enqueue(high)

	job, ok := q.Peek()
	if !ok {
		t.Fatal("expected a job")
	}
	if job.ID != "high" {
		t.Fatalf("expected higher-priority job first, got %s", job.ID)
	}
	q.Ack("high", model.JobCompleted, nil, false)

	job, ok = q.Peek()
	if !ok || job.ID != "low" {
		t.Fatalf("expected low job next, got %+v ok=%v", job, ok)
	}
}

func TestPeekReturnsSameInFlightJobUntilAcked(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	q.Enqueue(newJob("a", 5))
	q.Enqueue(newJob("b", 9)) // higher priority, enqueued after a's first Peek

	first, ok := q.Peek()
	if !ok || first.ID != "a" {
		t.Fatalf("expected a as in-flight, got %+v", first)
	}

	again, ok := q.Peek()
	if !ok || again.ID != "a" {
		t.Fatal("expected Peek to keep returning the in-flight job, not preempt with b")
	}
}

func TestAckRetryableReschedulesWithBackoff(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	q.Enqueue(newJob("job-1", 5))
	q.Peek()

	jobErr := model.NewJobError(model.ErrPrinterBusy, "printer busy")
	finalJob, err := q.Ack("job-1", model.JobFailed, jobErr, true)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if finalJob.State != model.JobSent {
		t.Fatalf("expected a retryable ack still inside its window to report sent, not a terminal state, got %s", finalJob.State)
	}

	if q.Size() != 1 {
		t.Fatalf("expected job to remain queued for retry, got size %d", q.Size())
	}

	e := q.byID["job-1"]
	if e.BackoffSecs != 5 {
		t.Fatalf("expected first backoff of 5s, got %d", e.BackoffSecs)
	}
	if !e.NextAttemptAt.After(time.Now()) {
		t.Fatal("expected next attempt to be scheduled in the future")
	}

	// Peek should not return it yet — it's still inside its backoff window.
	if _, ok := q.Peek(); ok {
		t.Fatal("expected Peek to respect the backoff window")
	}
}

func TestAckRetryableExpiresJobPastRetryWindow(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	job := newJob("stale", 5)
	job.CreatedAt = time.Now().Add(-25 * time.Hour)
	q.Enqueue(job)
	q.Peek()

	finalJob, err := q.Ack("stale", model.JobFailed, model.NewJobError(model.ErrPrinterBusy, "busy"), true)
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if finalJob.State != model.JobExpired {
		t.Fatalf("expected the ack to return the expired job, got %s", finalJob.State)
	}

	e := q.byID["stale"]
	if e.Job.State != model.JobExpired {
		t.Fatalf("expected expired state past the retry window, got %s", e.Job.State)
	}
	if e.Job.Error == nil || e.Job.Error.Kind != model.ErrExpired {
		t.Fatalf("expected expired error kind, got %+v", e.Job.Error)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	cases := []struct{ prev, want int }{
		{0, 5}, {5, 10}, {10, 20}, {20, 40}, {40, 80}, {80, 160}, {160, 180}, {180, 180},
	}
	for _, c := range cases {
		if got := nextBackoff(c.prev); got != c.want {
			t.Fatalf("nextBackoff(%d) = %d, want %d", c.prev, got, c.want)
		}
	}
}

func TestCancelRemovesQueuedJob(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	q.Enqueue(newJob("job-1", 5))

	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if q.Size() != 0 {
		t.Fatalf("expected cancelled job to no longer count toward size, got %d", q.Size())
	}
	if _, ok := q.byID["job-1"]; ok {
		t.Fatal("expected the cancelled entry to be fully reaped, not just marked terminal")
	}
}

func TestCancelFreesCapacityForANewEnqueue(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 1)
	q.Enqueue(newJob("job-1", 5))

	if _, err := q.Enqueue(newJob("job-2", 5)); err != ErrQueueFull {
		t.Fatalf("expected the queue to be full before cancelling, got %v", err)
	}
	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := q.Enqueue(newJob("job-2", 5)); err != nil {
		t.Fatalf("expected cancelling job-1 to free its capacity slot, got %v", err)
	}
}

func TestCancelInFlightIsBestEffortAndDoesNotPreempt(t *testing.T) {
	q, _ := Open(filepath.Join(t.TempDir(), "queue.json"), 10)
	q.Enqueue(newJob("job-1", 5))
	q.Peek()

	if err := q.Cancel("job-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// still in-flight: Peek must keep returning it until Ack'd.
	job, ok := q.Peek()
	if !ok || job.ID != "job-1" {
		t.Fatal("expected the in-flight job to still be returned by Peek after a best-effort cancel")
	}
}

func TestOpenRecoversCrashedInFlightJobForASingleRetry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	job := newJob("crashed", 5)
	job.State = model.JobProcessing
	job.AttemptCount = 1
	doc := journalDoc{InFlight: &entry{Job: job}}
	writeJournal(t, path, doc)

	q, err := Open(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	recovered, ok := q.Peek()
	if !ok {
		t.Fatal("expected the recovered job to be returned by Peek")
	}
	if recovered.ID != "crashed" || recovered.AttemptCount != 2 {
		t.Fatalf("expected one recovery attempt (attempt=2), got %+v", recovered)
	}

	// The bumped attempt count must be durable immediately, before the
	// resumed attempt even finishes: a second crash right now must not
	// grant a third attempt.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var doc2 journalDoc
	if err := json.Unmarshal(raw, &doc2); err != nil {
		t.Fatalf("parse journal: %v", err)
	}
	if doc2.InFlight == nil || doc2.InFlight.Job.AttemptCount != 2 {
		t.Fatalf("expected the journal to already record attempt=2, got %+v", doc2.InFlight)
	}
}

func TestOpenFailsJobAfterSecondCrash(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	job := newJob("crashed-twice", 5)
	job.State = model.JobProcessing
	job.AttemptCount = 2 // already recovered once before this crash
	doc := journalDoc{InFlight: &entry{Job: job}}
	writeJournal(t, path, doc)

	q, err := Open(path, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	e := q.byID["crashed-twice"]
	if e == nil {
		t.Fatal("expected the crashed job to still be tracked")
	}
	if e.Job.State != model.JobFailed {
		t.Fatalf("expected failed after a second crash, got %s", e.Job.State)
	}
	if e.Job.Error == nil || e.Job.Error.Kind != model.ErrCrashRecovery {
		t.Fatalf("expected crash_recovery error kind, got %+v", e.Job.Error)
	}
	if _, ok := q.Peek(); ok {
		t.Fatal("a failed job must not be returned by Peek")
	}
}

func writeJournal(t *testing.T, path string, doc journalDoc) {
	t.Helper()
	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("marshal journal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write journal: %v", err)
	}
}
