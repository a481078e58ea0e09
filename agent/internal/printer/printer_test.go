package printer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestSendToOKWritesAndSyncs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lp0")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("seed device file: %v", err)
	}

	d := New(path, nil)
	outcome, err := d.Send(context.Background(), []byte("^XA^FDhi^FS^XZ"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("expected ok, got %s", outcome)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "^XA^FDhi^FS^XZ" {
		t.Fatalf("unexpected device content: %q", data)
	}
}

func TestSendNoCharDeviceNoFallbackReportsNotPresent(t *testing.T) {
	d := New(filepath.Join(t.TempDir(), "missing"), nil)
	outcome, err := d.Send(context.Background(), []byte("^XA^XZ"))
	if outcome != OutcomeNotPresent {
		t.Fatalf("expected not_present, got %s", outcome)
	}
	if err == nil {
		t.Fatal("expected an error describing the missing device")
	}
}

type fakeFallback struct {
	outcomes []Outcome
	errs     []error
	calls    int
}

func (f *fakeFallback) Send(ctx context.Context, zpl []byte) (Outcome, error) {
	i := f.calls
	f.calls++
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	return f.outcomes[i], f.errs[i]
}

func TestSendFallsBackToUSBWhenNoCharDevice(t *testing.T) {
	fb := &fakeFallback{outcomes: []Outcome{OutcomeOK}, errs: []error{nil}}
	d := New(filepath.Join(t.TempDir(), "missing"), fb)

	outcome, err := d.Send(context.Background(), []byte("^XA^XZ"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("expected ok via fallback, got %s", outcome)
	}
	if fb.calls != 1 {
		t.Fatalf("expected fallback called once, got %d", fb.calls)
	}
}

func TestSendFallbackBusyRetriesThenPromotesToIOError(t *testing.T) {
	errBusy := os.ErrPermission
	fb := &fakeFallback{
		outcomes: []Outcome{OutcomeBusy, OutcomeBusy, OutcomeBusy, OutcomeBusy},
		errs:     []error{errBusy, errBusy, errBusy, errBusy},
	}
	d := New(filepath.Join(t.TempDir(), "missing"), fb)

	outcome, err := d.Send(context.Background(), []byte("^XA^XZ"))
	if outcome != OutcomeIOError {
		t.Fatalf("expected io_error after exhausting busy retries, got %s", outcome)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
	if fb.calls <= busyRetryCap {
		t.Fatalf("expected more than %d attempts, got %d", busyRetryCap, fb.calls)
	}
}

func TestSendFallbackBusyThenOKSucceeds(t *testing.T) {
	fb := &fakeFallback{
		outcomes: []Outcome{OutcomeBusy, OutcomeOK},
		errs:     []error{os.ErrPermission, nil},
	}
	d := New(filepath.Join(t.TempDir(), "missing"), fb)

	outcome, err := d.Send(context.Background(), []byte("^XA^XZ"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("expected ok once busy clears, got %s", outcome)
	}
	if fb.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", fb.calls)
	}
}

func TestSendProbesAltPathsBeforeFallback(t *testing.T) {
	altPath := filepath.Join(t.TempDir(), "lp0")
	if err := os.WriteFile(altPath, nil, 0644); err != nil {
		t.Fatalf("seed alt device: %v", err)
	}

	d := New(filepath.Join(t.TempDir(), "missing-primary"), nil)
	d.altPaths = []string{altPath}

	outcome, err := d.Send(context.Background(), []byte("^XA^FDalt^FS^XZ"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if outcome != OutcomeOK {
		t.Fatalf("expected ok via alt path, got %s", outcome)
	}
}
