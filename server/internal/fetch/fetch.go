// Package fetch retrieves zpl_url payloads into an inline buffer so the
// Dispatcher can normalize the zpl_raw|zpl_url|zpl_file union into one
// discriminated form before it ever reaches a device (spec §9 "Dynamic
// typing of payloads"). Bounded by size and attempt count, grounded on
// the teacher's agent/upload_worker.go retryWithBackoff idiom.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxBodyBytes bounds how much of a zpl_url response body is read; ZPL
// label data for one job has no legitimate reason to exceed this.
const MaxBodyBytes = 5 * 1024 * 1024

// ErrTooLarge is returned when a fetched body exceeds MaxBodyBytes.
type ErrTooLarge struct{ URL string }

func (e *ErrTooLarge) Error() string {
	return fmt.Sprintf("fetch: response body from %s exceeds %d bytes", e.URL, MaxBodyBytes)
}

// Fetcher retrieves ZPL bytes from a zpl_url.
type Fetcher struct {
	client      *http.Client
	maxAttempts uint64
}

// New builds a Fetcher with the given per-attempt timeout.
func New(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		client:      &http.Client{Timeout: timeout},
		maxAttempts: 3,
	}
}

// Fetch retrieves url's body, retrying transient failures with exponential
// backoff up to 3 attempts total.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var body []byte

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch: build request: %w", err))
		}

		resp, err := f.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch: request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("fetch: server error %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("fetch: unexpected status %d", resp.StatusCode))
		}

		limited := io.LimitReader(resp.Body, MaxBodyBytes+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return fmt.Errorf("fetch: read body: %w", err)
		}
		if len(data) > MaxBodyBytes {
			return backoff.Permanent(&ErrTooLarge{URL: url})
		}

		body = data
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), f.maxAttempts-1)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}
