package dispatcher

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"labelberry/common/model"
	"labelberry/server/internal/correlation"
	"labelberry/server/internal/offlinequeue"
	"labelberry/server/internal/store"
)

type fakeRegistry struct {
	mu        sync.Mutex
	connected map[string]bool
}

func newFakeRegistry() *fakeRegistry { return &fakeRegistry{connected: make(map[string]bool)} }

func (f *fakeRegistry) set(deviceID string, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[deviceID] = v
}

func (f *fakeRegistry) IsConnected(deviceID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[deviceID]
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	fail      bool
}

func (f *fakePublisher) Publish(topic string, payload []byte, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return context.DeadlineExceeded
	}
	f.published = append(f.published, topic)
	return nil
}

func newHarness(t *testing.T) (*Dispatcher, store.Store, *fakeRegistry, *fakePublisher, *correlation.Engine) {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.CreateDevice(context.Background(), &model.Device{
		ID: "pi-1", Name: "Dock A", PrinterPath: "/dev/usb/lp0",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}, "secret"); err != nil {
		t.Fatalf("create device: %v", err)
	}

	reg := newFakeRegistry()
	pub := &fakePublisher{}
	oq := offlinequeue.New(s, 10)
	corr := correlation.New()
	t.Cleanup(corr.Stop)

	return New(s, reg, pub, oq, corr, nil), s, reg, pub, corr
}

type fakeFetcher struct {
	data []byte
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	return f.data, f.err
}

func inlinePayload() model.Payload {
	return model.Payload{Kind: model.PayloadInline, Inline: []byte("^XA^FDhi^FS^XZ")}
}

func TestSubmitConnectedDeviceSendsAndMarksSent(t *testing.T) {
	d, s, reg, pub, _ := newHarness(t)
	reg.set("pi-1", true)

	res, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Priority: 5, Source: model.SourceAPI})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != "sent" {
		t.Fatalf("expected status sent, got %q", res.Status)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected one publish, got %d", len(pub.published))
	}

	job, err := s.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != model.JobSent {
		t.Fatalf("expected job state sent, got %s", job.State)
	}
}

func TestSubmitDisconnectedDeviceGoesOffline(t *testing.T) {
	d, s, reg, pub, _ := newHarness(t)
	reg.set("pi-1", false)

	res, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Priority: 5, Source: model.SourceAPI})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Status != "queued" {
		t.Fatalf("expected status queued, got %q", res.Status)
	}
	if len(pub.published) != 0 {
		t.Fatal("expected no publish while disconnected")
	}

	n, err := s.CountOffline(context.Background(), "pi-1")
	if err != nil {
		t.Fatalf("count offline: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 offline entry, got %d", n)
	}
}

func TestSubmitUnknownDeviceFails(t *testing.T) {
	d, _, _, _, _ := newHarness(t)

	_, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "no-such-device", Payload: inlinePayload(), Source: model.SourceAPI})
	if err == nil {
		t.Fatal("expected error for unknown device")
	}
	jobErr, ok := err.(*model.JobError)
	if !ok || jobErr.Kind != model.ErrNotFound {
		t.Fatalf("expected not_found JobError, got %v", err)
	}
}

func TestSubmitInvalidPayloadRejected(t *testing.T) {
	d, _, reg, _, _ := newHarness(t)
	reg.set("pi-1", true)

	_, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: model.Payload{}, Source: model.SourceAPI})
	if err == nil {
		t.Fatal("expected error for empty payload")
	}
	jobErr, ok := err.(*model.JobError)
	if !ok || jobErr.Kind != model.ErrInvalidRequest {
		t.Fatalf("expected invalid_request JobError, got %v", err)
	}
}

func TestSubmitPriorityOutOfRangeRejected(t *testing.T) {
	d, _, reg, _, _ := newHarness(t)
	reg.set("pi-1", true)

	_, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Priority: 99, Source: model.SourceAPI})
	if err == nil {
		t.Fatal("expected error for out-of-range priority")
	}
}

func TestSubmitIdempotentResubmissionReturnsExistingJob(t *testing.T) {
	d, _, reg, pub, _ := newHarness(t)
	reg.set("pi-1", true)

	req := SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Priority: 3, Source: model.SourceAPI, IdempotencyKey: "batch-1"}
	first, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}

	second, err := d.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if second.JobID != first.JobID {
		t.Fatalf("expected same job id on resubmission, got %s vs %s", second.JobID, first.JobID)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected only one publish across both submissions, got %d", len(pub.published))
	}
}

func TestSubmitWaitResolvesOnCompletion(t *testing.T) {
	d, _, reg, _, _ := newHarness(t)
	reg.set("pi-1", true)

	type result struct {
		res *SubmissionResult
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		res, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Wait: true, Source: model.SourceAPI})
		resultCh <- result{res, err}
	}()

	// Give Submit time to register the waiter before resolving it.
	time.Sleep(20 * time.Millisecond)

	// Find the job id the dispatcher assigned by polling — simplest is to
	// feed every in-flight job id, but since this harness has exactly one
	// submission in flight we can recover it from the store directly.
	var jobID string
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		jobs, _ := d.store.RecentJobs(context.Background(), 1)
		if len(jobs) == 1 {
			jobID = jobs[0].ID
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if jobID == "" {
		t.Fatal("expected a job to have been created")
	}

	if err := d.HandleLifecycleEvent(context.Background(), model.LifecycleEvent{JobID: jobID, State: model.JobProcessing, At: time.Now().UTC()}); err != nil {
		t.Fatalf("handle processing event: %v", err)
	}
	if err := d.HandleLifecycleEvent(context.Background(), model.LifecycleEvent{JobID: jobID, State: model.JobCompleted}); err != nil {
		t.Fatalf("handle lifecycle event: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.err != nil {
			t.Fatalf("submit: %v", r.err)
		}
		if r.res.Status != "completed" {
			t.Fatalf("expected completed status, got %q", r.res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for synchronous submit to resolve")
	}

	job, err := d.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != model.JobCompleted {
		t.Fatalf("expected persisted job state completed, got %s", job.State)
	}
}

func TestHandleLifecycleEventTouchesStartedAtOnProcessing(t *testing.T) {
	d, s, reg, _, _ := newHarness(t)
	reg.set("pi-1", true) // the publish succeeds, so the job is sent before the processing event arrives

	res, err := d.Submit(context.Background(), SubmitRequest{DeviceID: "pi-1", Payload: inlinePayload(), Source: model.SourceAPI})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := d.HandleLifecycleEvent(context.Background(), model.LifecycleEvent{JobID: res.JobID, State: model.JobProcessing, At: time.Now().UTC()}); err != nil {
		t.Fatalf("handle lifecycle event: %v", err)
	}

	job, err := s.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.StartedAt == nil {
		t.Fatal("expected started_at to be set after processing event")
	}
}

func TestSubmitZPLURLNormalizedToInline(t *testing.T) {
	d, s, reg, pub, _ := newHarness(t)
	reg.set("pi-1", true)
	d.fetcher = &fakeFetcher{data: []byte("^XA^FDfetched^FS^XZ")}

	res, err := d.Submit(context.Background(), SubmitRequest{
		DeviceID: "pi-1",
		Payload:  model.Payload{Kind: model.PayloadURL, URL: "https://example.com/label.zpl"},
		Priority: 5,
		Source:   model.SourceAPI,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("expected publish, got %d", len(pub.published))
	}

	job, err := s.GetJob(context.Background(), res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Payload.Kind != model.PayloadInline || string(job.Payload.Inline) != "^XA^FDfetched^FS^XZ" {
		t.Fatalf("expected normalized inline payload, got %+v", job.Payload)
	}
}

func TestSubmitZPLURLFetchFailureSurfacesTypedError(t *testing.T) {
	d, _, reg, _, _ := newHarness(t)
	reg.set("pi-1", true)
	d.fetcher = &fakeFetcher{err: context.DeadlineExceeded}

	_, err := d.Submit(context.Background(), SubmitRequest{
		DeviceID: "pi-1",
		Payload:  model.Payload{Kind: model.PayloadURL, URL: "https://example.com/label.zpl"},
		Source:   model.SourceAPI,
	})
	jobErr, ok := err.(*model.JobError)
	if !ok || jobErr.Kind != model.ErrZPLFetchFailed {
		t.Fatalf("expected zpl_fetch_failed JobError, got %v", err)
	}
}

func TestBroadcastAggregatesIndependently(t *testing.T) {
	d, s, reg, _, _ := newHarness(t)
	reg.set("pi-1", true)
	// pi-2 is never registered as a device, so its submit fails.

	_ = s // silence unused in case of future edits

	results := d.Broadcast(context.Background(), []string{"pi-1", "pi-2"}, inlinePayload(), 1, false, "")
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	var okCount, errCount int
	for _, r := range results {
		if r.Err != nil {
			errCount++
		} else {
			okCount++
		}
	}
	if okCount != 1 || errCount != 1 {
		t.Fatalf("expected one success and one failure, got ok=%d err=%d", okCount, errCount)
	}
}
