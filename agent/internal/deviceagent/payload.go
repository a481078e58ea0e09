package deviceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"labelberry/agent/internal/config"
	"labelberry/agent/internal/printer"
	"labelberry/common/model"
)

// maxFetchBytes bounds a zpl_url download on the device side. It is
// larger than the server fetch package's 5 MiB bound (spec §4.1's
// classification needs a finite payload to write to the printer at all).
const maxFetchBytes = 8 << 20 // 8 MiB

// resolvePayload normalizes a job's payload union down to raw ZPL
// bytes. zpl_raw is already resolved; zpl_url is fetched with a bounded
// timeout and size; zpl_file reads a path staged by the server's
// enrollment flow.
func (a *Agent) resolvePayload(ctx context.Context, p model.Payload) ([]byte, error) {
	switch p.Kind {
	case model.PayloadInline:
		return p.Inline, nil
	case model.PayloadURL:
		return fetchBounded(ctx, p.URL)
	case model.PayloadFile:
		return readFileBounded(p.FileRef)
	default:
		return nil, fmt.Errorf("deviceagent: unknown payload kind %q", p.Kind)
	}
}

func fetchBounded(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("deviceagent: build fetch request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("deviceagent: fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("deviceagent: fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return nil, fmt.Errorf("deviceagent: read fetch body: %w", err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("deviceagent: fetch %s exceeded %d bytes", url, maxFetchBytes)
	}
	return data, nil
}

func readFileBounded(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deviceagent: read staged file %s: %w", path, err)
	}
	if len(data) > maxFetchBytes {
		return nil, fmt.Errorf("deviceagent: staged file %s exceeded %d bytes", path, maxFetchBytes)
	}
	return data, nil
}

// classifyOutcome maps a printer.Outcome onto a job terminal state, a
// JobError (if any), and whether the Device Job Queue should schedule a
// retry (spec §4.9's state machine plus §7's error taxonomy).
func classifyOutcome(outcome printer.Outcome, err error) (model.JobState, *model.JobError, bool) {
	switch outcome {
	case printer.OutcomeOK:
		return model.JobCompleted, nil, false
	case printer.OutcomeNotPresent:
		return model.JobFailed, model.NewJobError(model.ErrPrinterNotPresent, errString(err)), true
	case printer.OutcomeBusy:
		return model.JobFailed, model.NewJobError(model.ErrPrinterBusy, errString(err)), true
	default:
		return model.JobFailed, model.NewJobError(model.ErrPrinterIOError, errString(err)), true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// reconfigureDoc is the small JSON document a reconfigure command
// carries, keyed the same as the subset of client.conf it is allowed to
// change live.
type reconfigureDoc struct {
	PrinterPath   *string `json:"printer_path,omitempty"`
	QueueCapacity *int    `json:"queue_capacity,omitempty"`
	HeartbeatSecs *int    `json:"heartbeat_seconds,omitempty"`
}

func mergeReconfigure(cfg *config.Config, raw []byte) error {
	var doc reconfigureDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("deviceagent: parse reconfigure payload: %w", err)
	}
	if doc.PrinterPath != nil {
		cfg.PrinterPath = *doc.PrinterPath
	}
	if doc.QueueCapacity != nil {
		cfg.QueueCapacity = *doc.QueueCapacity
	}
	if doc.HeartbeatSecs != nil {
		cfg.HeartbeatSecs = *doc.HeartbeatSecs
	}
	return nil
}
