package deviceagent

import (
	"context"
	"time"

	"labelberry/agent/internal/config"
	"labelberry/common/bus"
	"labelberry/common/model"
)

// handleCommand is the bus.Handler for the device's commands topic. It
// normalizes the envelope into a queue entry; the print loop drives the
// actual printer write asynchronously (spec §4.3 "dispatches incoming
// print/cancel/reconfigure commands to the Device Job Queue").
func (a *Agent) handleCommand(_ string, payload []byte) {
	env, err := bus.DecodeCommand(payload)
	if err != nil {
		a.log.Warn("discarding unparseable command envelope", "error", err.Error())
		return
	}

	switch env.Kind {
	case model.CommandPrint, model.CommandTestPrint:
		if env.Payload == nil {
			a.log.Warn("print command missing payload", "job_id", env.JobID)
			return
		}
		job := model.Job{
			ID:        env.JobID,
			DeviceID:  a.cfg.DeviceID,
			Payload:   *env.Payload,
			Priority:  env.Priority,
			Source:    model.SourceAPI,
			CreatedAt: env.IssuedAt,
			State:     model.JobQueued,
		}
		if _, err := a.q.Enqueue(job); err != nil {
			a.log.Warn("enqueue failed", "job_id", job.ID, "error", err.Error())
			a.publishLifecycle(job.ID, model.JobFailed, 0, model.NewJobError(model.ErrQueueFull, err.Error()))
			return
		}
		a.publishLifecycle(job.ID, model.JobSent, 0, nil)

	case model.CommandCancel:
		if err := a.q.Cancel(env.JobID); err != nil {
			a.log.Warn("cancel failed", "job_id", env.JobID, "error", err.Error())
			return
		}
		a.publishLifecycle(env.JobID, model.JobCancelled, 0, nil)

	case model.CommandReconfigure:
		a.applyReconfigure(env)

	case model.CommandPing:
		a.announceCapabilities(true)
	}
}

// handleConfig is the bus.Handler for the device's config topic, used
// for the same reconfigure apply the commands topic also carries,
// grounded on the teacher's agent/settings_manager.go hot-apply pattern.
func (a *Agent) handleConfig(_ string, payload []byte) {
	env, err := bus.DecodeCommand(payload)
	if err != nil {
		a.log.Warn("discarding unparseable config envelope", "error", err.Error())
		return
	}
	a.applyReconfigure(env)
}

// applyReconfigure updates the agent's in-memory config and persists it
// to config.DefaultPath. The printer driver, the queue and the heartbeat
// loop keep the printer path, capacity and cadence they were started
// with; the new values take effect on the next process start.
func (a *Agent) applyReconfigure(env model.Envelope) {
	if env.Payload == nil || len(env.Payload.Inline) == 0 {
		return
	}
	// The reconfigure payload carries a small JSON document of settings
	// keyed the same as client.conf; parsed and merged in place.
	updated := *a.cfg
	if err := mergeReconfigure(&updated, env.Payload.Inline); err != nil {
		a.log.Warn("reconfigure payload invalid", "error", err.Error())
		return
	}
	*a.cfg = updated
	if err := config.Save(config.DefaultPath, a.cfg); err != nil {
		a.log.Error("reconfigure: persist config failed", "error", err.Error())
	}
	a.log.Info("reconfigure applied", "printer_path", a.cfg.PrinterPath, "queue_capacity", a.cfg.QueueCapacity)
	a.announceCapabilities(false)
}

func (a *Agent) publishLifecycle(jobID string, state model.JobState, attempt int, jobErr *model.JobError) {
	conn := a.currentConn()
	if conn == nil {
		return
	}
	ev := model.LifecycleEvent{
		JobID:   jobID,
		State:   state,
		At:      time.Now().UTC(),
		Attempt: attempt,
		Error:   jobErr,
	}
	payload, err := bus.EncodeLifecycleEvent(ev)
	if err != nil {
		a.log.Error("encode lifecycle event failed", "job_id", jobID, "error", err.Error())
		return
	}
	if err := conn.Publish(bus.EventsTopic(a.cfg.DeviceID), payload, 5*time.Second); err != nil {
		a.log.Error("publish lifecycle event failed", "job_id", jobID, "error", err.Error())
	}
}

// printLoop drains the Device Job Queue, writes each job to the
// printer, and Acks the outcome — the device-side half of the
// queued->sent->processing->{completed|failed} state machine.
func (a *Agent) printLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			job, ok := a.q.Peek()
			if !ok {
				continue
			}
			a.publishLifecycle(job.ID, model.JobProcessing, job.AttemptCount, nil)

			zpl, err := a.resolvePayload(ctx, job.Payload)
			if err != nil {
				jobErr := model.NewJobError(model.ErrZPLFetchFailed, err.Error())
				a.setLastError(jobErr.Error())
				finalJob, ackErr := a.q.Ack(job.ID, model.JobFailed, jobErr, false)
				if ackErr != nil {
					a.log.Error("ack failed", "job_id", job.ID, "error", ackErr.Error())
					continue
				}
				a.publishLifecycle(job.ID, finalJob.State, finalJob.AttemptCount, finalJob.Error)
				continue
			}

			outcome, sendErr := a.driver.Send(ctx, zpl)
			state, jobErr, retryable := classifyOutcome(outcome, sendErr)
			if jobErr != nil {
				a.setLastError(jobErr.Error())
			}
			finalJob, ackErr := a.q.Ack(job.ID, state, jobErr, retryable)
			if ackErr != nil {
				a.log.Error("ack failed", "job_id", job.ID, "error", ackErr.Error())
				continue
			}
			// finalJob.State reflects what the queue actually persisted:
			// a retryable outcome still inside its retry window comes back
			// as JobSent, not the terminal JobFailed classifyOutcome
			// produced, so a waiter never observes a false terminal
			// failure for a job that is still going to be retried (spec
			// §7 propagation policy).
			a.publishLifecycle(job.ID, finalJob.State, finalJob.AttemptCount, finalJob.Error)
		}
	}
}

// heartbeatLoop publishes periodic status (spec §4.3 "periodic status
// publish at a fixed cadence").
func (a *Agent) heartbeatLoop(ctx context.Context) {
	interval := a.cfg.HeartbeatInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stop:
			return
		case <-ticker.C:
			a.sendHeartbeat()
		}
	}
}

func (a *Agent) sendHeartbeat() {
	conn := a.currentConn()
	if conn == nil {
		return
	}
	a.mu.RLock()
	lastErr := a.lastError
	a.mu.RUnlock()

	status := bus.StatusPayload{
		Connected:  true,
		QueueDepth: a.q.Size(),
		LastError:  lastErr,
		UptimeS:    int64(time.Since(a.startedAt).Seconds()),
	}
	payload, err := bus.EncodeStatus(status)
	if err != nil {
		a.log.Error("encode heartbeat failed", "error", err.Error())
		return
	}
	if err := conn.PublishRetained(bus.StatusTopic(a.cfg.DeviceID), payload, 5*time.Second); err != nil {
		a.log.Error("publish heartbeat failed", "error", err.Error())
	}
}
