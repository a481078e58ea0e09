// Package printer is the Printer Driver (spec §4.1): it opens the
// USB-attached ZPL printer's character device, falls back to a direct
// USB bulk transfer if the device node is absent, and classifies every
// failure into the not_present/busy/io_error taxonomy that the Device
// Agent reports as the job's error kind. Grounded on
// the teacher's agent/usbproxy package's device-claim/release and
// status-classification shape (usbproxy/manager.go, usbproxy/types.go),
// retargeted from "proxy HTTP over a USB IPP-USB interface" onto "write
// one ZPL byte stream to a USB printer."
package printer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Outcome is the driver's result taxonomy from spec §4.1.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeNotPresent Outcome = "not_present"
	OutcomeBusy       Outcome = "busy"
	OutcomeIOError    Outcome = "io_error"
)

// AltDevicePaths are well-known character device names probed in order
// when the configured path returns "no such device" (spec §4.1).
var AltDevicePaths = []string{"/dev/usb/lp0", "/dev/usblp0", "/dev/ulpt0"}

// busyRetryCap bounds how many times a busy write is retried before being
// promoted to io_error (spec §4.1 "retried after a short backoff, up to a
// small cap, before being promoted to io_error").
const busyRetryCap = 3

// Fallback is the USB bulk-transfer path used when no character device is
// present. Implemented by internal/printer's gousb-backed type; kept as
// an interface here so tests can substitute a fake.
type Fallback interface {
	Send(ctx context.Context, zpl []byte) (Outcome, error)
}

// Driver implements the §4.1 contract: Send(bytes) -> outcome.
type Driver struct {
	primaryPath string
	altPaths    []string
	fallback    Fallback
}

// New constructs a Driver. primaryPath is the configured device path
// (from client.conf); fallback may be nil, in which case an absent
// character device always reports not_present.
func New(primaryPath string, fallback Fallback) *Driver {
	return &Driver{primaryPath: primaryPath, altPaths: AltDevicePaths, fallback: fallback}
}

// Send writes zpl to the printer, classifying the outcome per spec §4.1.
func (d *Driver) Send(ctx context.Context, zpl []byte) (Outcome, error) {
	outcome, err := d.sendPrimary(zpl)
	if outcome != OutcomeNotPresent {
		return outcome, err
	}

	for _, alt := range d.altPaths {
		if alt == d.primaryPath {
			continue
		}
		outcome, err = d.sendTo(alt, zpl)
		if outcome != OutcomeNotPresent {
			return outcome, err
		}
	}

	if d.fallback == nil {
		return OutcomeNotPresent, errors.New("printer: no character device present and no USB fallback configured")
	}
	return d.sendFallbackWithBusyRetry(ctx, zpl)
}

func (d *Driver) sendPrimary(zpl []byte) (Outcome, error) {
	return d.sendTo(d.primaryPath, zpl)
}

// sendTo opens path exclusively, writes the full payload, fsyncs, and
// closes — the primary path from spec §4.1.
func (d *Driver) sendTo(path string, zpl []byte) (Outcome, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_EXCL, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return OutcomeNotPresent, err
		case errors.Is(err, os.ErrPermission):
			return OutcomeBusy, err
		default:
			return OutcomeIOError, fmt.Errorf("printer: open %s: %w", path, err)
		}
	}
	defer f.Close()

	if _, err := f.Write(zpl); err != nil {
		return OutcomeIOError, fmt.Errorf("printer: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return OutcomeIOError, fmt.Errorf("printer: fsync %s: %w", path, err)
	}
	return OutcomeOK, nil
}

// sendFallbackWithBusyRetry retries the USB bulk fallback on busy with a
// short backoff, up to busyRetryCap retries (busyRetryCap+1 attempts in
// all), before promoting to io_error (spec §4.1 "busy is retried ...
// before being promoted to io_error").
func (d *Driver) sendFallbackWithBusyRetry(ctx context.Context, zpl []byte) (Outcome, error) {
	var lastOutcome Outcome
	var lastErr error
	attempts := 0

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), busyRetryCap)
	op := func() error {
		attempts++
		outcome, err := d.fallback.Send(ctx, zpl)
		lastOutcome, lastErr = outcome, err
		if outcome == OutcomeBusy {
			return err // retryable
		}
		return backoff.Permanent(err) // ok, not_present, or io_error: stop
	}

	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if lastOutcome == OutcomeBusy && attempts > busyRetryCap {
			return OutcomeIOError, fmt.Errorf("printer: busy retry cap exceeded: %w", lastErr)
		}
	}
	return lastOutcome, lastErr
}
