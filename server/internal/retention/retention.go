// Package retention implements the server's periodic sweeps: eliding
// inline ZPL payloads once a Job is older than the retention window
// (spec §4.8) and expiring stale non-terminal Jobs and offline-queue
// entries past their 24h lifetime (spec §4.7, §4.9). Grounded on the
// teacher's startInstallerCleanupWorker ticker-goroutine shape in
// server/main.go.
package retention

import (
	"context"
	"time"

	"labelberry/server/internal/offlinequeue"
	"labelberry/server/internal/store"
)

// Logger is the narrow logging capability the sweep worker uses, matching
// the teacher's own logInfo/logWarn/logDebug free functions' call shape.
type Logger interface {
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Debug(msg string, args ...interface{})
}

// Config controls sweep cadence and the retention/expiry windows.
type Config struct {
	Interval        time.Duration // how often the sweep runs; default 1h
	PayloadRetention time.Duration // age at which inline ZPL is elided; default 48h (spec §4.8)
	JobExpiry       time.Duration // age at which a non-terminal job expires; default 24h (spec §4.9)
	OfflineExpiry   time.Duration // age at which an offline queue entry expires; default 24h (spec §4.7)
	RunTimeout      time.Duration // per-sweep context timeout; default 30s
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.PayloadRetention <= 0 {
		c.PayloadRetention = 48 * time.Hour
	}
	if c.JobExpiry <= 0 {
		c.JobExpiry = 24 * time.Hour
	}
	if c.OfflineExpiry <= 0 {
		c.OfflineExpiry = 24 * time.Hour
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Second
	}
}

// Worker runs the sweep on a ticker until its context is cancelled.
type Worker struct {
	store   store.Store
	offline *offlinequeue.Queue
	cfg     Config
	logger  Logger
}

// New constructs a Worker. logger may be nil, in which case sweep results
// are not logged.
func New(s store.Store, offline *offlinequeue.Queue, cfg Config, logger Logger) *Worker {
	cfg.setDefaults()
	return &Worker{store: s, offline: offline, cfg: cfg, logger: logger}
}

// Start runs the sweep immediately, then on cfg.Interval, until ctx is done.
func (w *Worker) Start(ctx context.Context) {
	go func() {
		w.runSweep()
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.runSweep()
			}
		}
	}()
}

func (w *Worker) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
	defer cancel()

	elided, err := w.store.ElidePayloadsOlderThan(ctx, time.Now().UTC().Add(-w.cfg.PayloadRetention))
	if err != nil {
		w.logWarn("retention: payload elision sweep failed", "error", err)
	} else if elided > 0 {
		w.logInfo("retention: elided payloads", "count", elided)
	}

	expired, err := w.store.ExpireStaleJobs(ctx, time.Now().UTC().Add(-w.cfg.JobExpiry))
	if err != nil {
		w.logWarn("retention: job expiry sweep failed", "error", err)
	} else if len(expired) > 0 {
		w.logInfo("retention: expired stale jobs", "count", len(expired))
	}

	if w.offline != nil {
		n, err := w.offline.ExpireSweep(ctx, w.cfg.OfflineExpiry)
		if err != nil {
			w.logWarn("retention: offline queue expiry sweep failed", "error", err)
		} else if n > 0 {
			w.logInfo("retention: expired offline queue entries", "count", n)
		}
	}
}

func (w *Worker) logInfo(msg string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Info(msg, args...)
	}
}

func (w *Worker) logWarn(msg string, args ...interface{}) {
	if w.logger != nil {
		w.logger.Warn(msg, args...)
	}
}
