package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"labelberry/common/model"
)

// base implements Store over a *sql.DB and a dialect, shared by the
// SQLite and Postgres backends (grounded on the teacher's
// server/storage.BaseStore, which the same way holds query logic common
// to both backends behind one dialect seam).
type base struct {
	db      *sql.DB
	dialect dialect
}

func (b *base) ph(i int) string { return b.dialect.placeholder(i) }

func (b *base) Close() error { return b.db.Close() }

// --- Jobs ---------------------------------------------------------------

func (b *base) CreateJob(ctx context.Context, j *model.Job) error {
	q := fmt.Sprintf(`INSERT INTO jobs
		(id, device_id, payload_kind, payload_inline, payload_url, payload_file_ref,
		 priority, source, wait_for_completion, idempotency_key, created_at,
		 attempt_count, state)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7), b.ph(8), b.ph(9), b.ph(10), b.ph(11), b.ph(12), b.ph(13))

	var idempKey interface{}
	if j.IdempotencyKey != "" {
		idempKey = j.IdempotencyKey
	}

	_, err := b.db.ExecContext(ctx, q,
		j.ID, j.DeviceID, string(j.Payload.Kind), j.Payload.Inline, nullStr(j.Payload.URL), nullStr(j.Payload.FileRef),
		j.Priority, string(j.Source), j.WaitForComplete, idempKey, j.CreatedAt,
		j.AttemptCount, string(j.State))
	if err != nil {
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

const jobColumns = `id, device_id, payload_kind, payload_inline, payload_url, payload_file_ref,
	priority, source, wait_for_completion, idempotency_key, created_at, started_at,
	completed_at, attempt_count, state, error_kind, error_message`

func (b *base) scanJob(row *sql.Row) (*model.Job, error) {
	var j model.Job
	var payloadKind, source, state string
	var inline []byte
	var url, fileRef, idempKey, errKind, errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&j.ID, &j.DeviceID, &payloadKind, &inline, &url, &fileRef,
		&j.Priority, &source, &j.WaitForComplete, &idempKey, &j.CreatedAt, &startedAt,
		&completedAt, &j.AttemptCount, &state, &errKind, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	j.Payload = model.Payload{Kind: model.PayloadKind(payloadKind), Inline: inline, URL: url.String, FileRef: fileRef.String}
	j.Source = model.Source(source)
	j.State = model.JobState(state)
	j.IdempotencyKey = idempKey.String
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	if errKind.Valid {
		j.Error = &model.JobError{Kind: model.ErrorKind(errKind.String), Message: errMsg.String}
	}
	return &j, nil
}

func (b *base) GetJob(ctx context.Context, id string) (*model.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE id = %s`, jobColumns, b.ph(1))
	return b.scanJob(b.db.QueryRowContext(ctx, q, id))
}

func (b *base) GetJobByIdempotencyKey(ctx context.Context, deviceID, key string) (*model.Job, error) {
	if key == "" {
		return nil, ErrNotFound
	}
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE device_id = %s AND idempotency_key = %s`, jobColumns, b.ph(1), b.ph(2))
	return b.scanJob(b.db.QueryRowContext(ctx, q, deviceID, key))
}

// currentJobState reads a Job's state for update within tx, grounded on
// the teacher's BaseStore.SetSigningKeyActive's read-check-write shape
// (server/storage/base_store.go).
func (b *base) currentJobState(ctx context.Context, tx *sql.Tx, id string) (model.JobState, error) {
	var state string
	q := fmt.Sprintf(`SELECT state FROM jobs WHERE id = %s`, b.ph(1))
	if err := tx.QueryRowContext(ctx, q, id).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return model.JobState(state), nil
}

// UpdateJobState applies a Job state transition, enforcing the state
// machine from spec §4.9: terminal states are immutable, and every move
// must be an edge model.CanTransition allows. A write that repeats the
// Job's current state (duplicate event delivery) is a no-op, not an
// error.
func (b *base) UpdateJobState(ctx context.Context, id string, state model.JobState, jobErr *model.JobError) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: update job state: %w", err)
	}
	defer tx.Rollback()

	from, err := b.currentJobState(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("store: update job state: %w", err)
	}
	if from == state {
		return tx.Commit()
	}
	if from.IsTerminal() || !model.CanTransition(from, state) {
		return fmt.Errorf("store: job %s %s -> %s: %w", id, from, state, ErrInvalidTransition)
	}

	var completedAt interface{}
	if state.IsTerminal() {
		completedAt = time.Now().UTC()
	}
	var errKind, errMsg interface{}
	if jobErr != nil {
		errKind = string(jobErr.Kind)
		errMsg = jobErr.Message
	}

	q := fmt.Sprintf(`UPDATE jobs SET state = %s, completed_at = COALESCE(completed_at, %s),
		error_kind = %s, error_message = %s WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	if _, err := tx.ExecContext(ctx, q, string(state), completedAt, errKind, errMsg, id); err != nil {
		return fmt.Errorf("store: update job state: %w", err)
	}
	return tx.Commit()
}

// TouchJobStarted records a Job's first processing attempt, enforcing the
// same state machine UpdateJobState does: sent -> processing is the only
// legal edge here, and a repeat processing event for an already-processing
// Job is a no-op.
func (b *base) TouchJobStarted(ctx context.Context, id string, at time.Time) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: touch job started: %w", err)
	}
	defer tx.Rollback()

	from, err := b.currentJobState(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("store: touch job started: %w", err)
	}
	if from == model.JobProcessing {
		return tx.Commit()
	}
	if from.IsTerminal() || !model.CanTransition(from, model.JobProcessing) {
		return fmt.Errorf("store: job %s %s -> %s: %w", id, from, model.JobProcessing, ErrInvalidTransition)
	}

	q := fmt.Sprintf(`UPDATE jobs SET started_at = COALESCE(started_at, %s), state = %s WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3))
	if _, err := tx.ExecContext(ctx, q, at, string(model.JobProcessing), id); err != nil {
		return fmt.Errorf("store: touch job started: %w", err)
	}
	return tx.Commit()
}

func (b *base) IncrementAttempt(ctx context.Context, id string) error {
	q := fmt.Sprintf(`UPDATE jobs SET attempt_count = attempt_count + 1 WHERE id = %s`, b.ph(1))
	_, err := b.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: increment attempt: %w", err)
	}
	return nil
}

func (b *base) queryJobs(ctx context.Context, q string, args ...interface{}) ([]*model.Job, error) {
	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		var j model.Job
		var payloadKind, source, state string
		var inline []byte
		var url, fileRef, idempKey, errKind, errMsg sql.NullString
		var startedAt, completedAt sql.NullTime

		if err := rows.Scan(&j.ID, &j.DeviceID, &payloadKind, &inline, &url, &fileRef,
			&j.Priority, &source, &j.WaitForComplete, &idempKey, &j.CreatedAt, &startedAt,
			&completedAt, &j.AttemptCount, &state, &errKind, &errMsg); err != nil {
			return nil, fmt.Errorf("store: scan job row: %w", err)
		}

		j.Payload = model.Payload{Kind: model.PayloadKind(payloadKind), Inline: inline, URL: url.String, FileRef: fileRef.String}
		j.Source = model.Source(source)
		j.State = model.JobState(state)
		j.IdempotencyKey = idempKey.String
		if startedAt.Valid {
			t := startedAt.Time
			j.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			j.CompletedAt = &t
		}
		if errKind.Valid {
			j.Error = &model.JobError{Kind: model.ErrorKind(errKind.String), Message: errMsg.String}
		}
		out = append(out, &j)
	}
	return out, rows.Err()
}

func (b *base) ListJobs(ctx context.Context, f ListFilter) ([]*model.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []interface{}
	n := 0
	next := func() string { n++; return b.ph(n) }

	if f.DeviceID != "" {
		q += fmt.Sprintf(" AND device_id = %s", next())
		args = append(args, f.DeviceID)
	}
	if f.Since != nil {
		q += fmt.Sprintf(" AND created_at >= %s", next())
		args = append(args, *f.Since)
	}
	if f.Status != "" {
		q += fmt.Sprintf(" AND state = %s", next())
		args = append(args, string(f.Status))
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %s", next())
	args = append(args, limit)

	return b.queryJobs(ctx, q, args...)
}

func (b *base) RecentJobs(ctx context.Context, limit int) ([]*model.Job, error) {
	return b.ListJobs(ctx, ListFilter{Limit: limit})
}

func (b *base) ElidePayloadsOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	q := fmt.Sprintf(`UPDATE jobs SET payload_inline = %s WHERE created_at < %s AND payload_kind = %s AND payload_inline IS NOT NULL AND length(payload_inline) > 0`,
		b.ph(1), b.ph(2), b.ph(3))
	res, err := b.db.ExecContext(ctx, q, []byte("<reclaimed>"), cutoff, string(model.PayloadInline))
	if err != nil {
		return 0, fmt.Errorf("store: elide payloads: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *base) ExpireStaleJobs(ctx context.Context, cutoff time.Time) ([]*model.Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM jobs WHERE created_at < %s AND state IN (%s,%s,%s)`,
		jobColumns, b.ph(1), b.ph(2), b.ph(3), b.ph(4))
	jobs, err := b.queryJobs(ctx, q, cutoff, string(model.JobQueued), string(model.JobSent), string(model.JobProcessing))
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		err := b.UpdateJobState(ctx, j.ID, model.JobExpired, model.NewJobError(model.ErrExpired, "job exceeded 24h lifetime"))
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return nil, err
		}
		if err == nil {
			j.State = model.JobExpired
		}
	}
	return jobs, nil
}

// --- Devices --------------------------------------------------------------

func (b *base) CreateDevice(ctx context.Context, d *model.Device, secret string) error {
	hash, err := hashArgon(secret)
	if err != nil {
		return fmt.Errorf("store: hash device secret: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO devices (id, name, secret_hash, printer_path, label_size_ref, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s)`, b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5), b.ph(6), b.ph(7))
	_, err = b.db.ExecContext(ctx, q, d.ID, d.Name, hash, d.PrinterPath, d.LabelSizeRef, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create device: %w", err)
	}
	return nil
}

func (b *base) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	q := fmt.Sprintf(`SELECT id, name, printer_path, label_size_ref, created_at, updated_at FROM devices WHERE id = %s`, b.ph(1))
	row := b.db.QueryRowContext(ctx, q, id)
	var d model.Device
	if err := row.Scan(&d.ID, &d.Name, &d.PrinterPath, &d.LabelSizeRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get device: %w", err)
	}
	return &d, nil
}

func (b *base) ListDevices(ctx context.Context) ([]*model.Device, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, name, printer_path, label_size_ref, created_at, updated_at FROM devices ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list devices: %w", err)
	}
	defer rows.Close()

	var out []*model.Device
	for rows.Next() {
		var d model.Device
		if err := rows.Scan(&d.ID, &d.Name, &d.PrinterPath, &d.LabelSizeRef, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan device row: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (b *base) UpdateDevice(ctx context.Context, d *model.Device) error {
	q := fmt.Sprintf(`UPDATE devices SET name = %s, printer_path = %s, label_size_ref = %s, updated_at = %s WHERE id = %s`,
		b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	res, err := b.db.ExecContext(ctx, q, d.Name, d.PrinterPath, d.LabelSizeRef, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("store: update device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device and drops its offline queue entries
// (spec §3 "deletion revokes the secret and drops the offline queue").
func (b *base) DeleteDevice(ctx context.Context, id string) error {
	offlineQ := fmt.Sprintf(`DELETE FROM offline_queue_entries WHERE device_id = %s`, b.ph(1))
	if _, err := b.db.ExecContext(ctx, offlineQ, id); err != nil {
		return fmt.Errorf("store: drop offline queue for device: %w", err)
	}

	q := fmt.Sprintf(`DELETE FROM devices WHERE id = %s`, b.ph(1))
	res, err := b.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *base) VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error) {
	q := fmt.Sprintf(`SELECT secret_hash FROM devices WHERE id = %s`, b.ph(1))
	row := b.db.QueryRowContext(ctx, q, id)
	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: load device secret: %w", err)
	}
	return verifyArgonHash(secret, hash)
}

// --- API Credentials --------------------------------------------------------

func (b *base) GetCredential(ctx context.Context, token string) (*model.Credential, error) {
	q := fmt.Sprintf(`SELECT token_hash, prefix, created_by, created_at, last_used_at, active FROM api_credentials WHERE prefix = %s`, b.ph(1))
	rows, err := b.db.QueryContext(ctx, q, TokenPrefix(token))
	if err != nil {
		return nil, fmt.Errorf("store: get credential: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, prefix, createdBy string
		var createdAt time.Time
		var lastUsed sql.NullTime
		var active bool
		if err := rows.Scan(&hash, &prefix, &createdBy, &createdAt, &lastUsed, &active); err != nil {
			return nil, fmt.Errorf("store: scan credential row: %w", err)
		}
		ok, err := verifyArgonHash(token, hash)
		if err != nil || !ok {
			continue
		}
		c := &model.Credential{Token: token, Prefix: prefix, CreatedBy: createdBy, CreatedAt: createdAt, Active: active}
		if lastUsed.Valid {
			t := lastUsed.Time
			c.LastUsedAt = &t
		}
		return c, nil
	}
	return nil, ErrNotFound
}

func (b *base) TouchCredentialLastUsed(ctx context.Context, token string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE api_credentials SET last_used_at = %s WHERE prefix = %s`, b.ph(1), b.ph(2))
	_, err := b.db.ExecContext(ctx, q, at, TokenPrefix(token))
	if err != nil {
		return fmt.Errorf("store: touch credential: %w", err)
	}
	return nil
}

// --- Offline Queue ----------------------------------------------------------

func (b *base) EnqueueOffline(ctx context.Context, e *model.OfflineQueueEntry) error {
	envJSON, err := json.Marshal(e.Envelope)
	if err != nil {
		return fmt.Errorf("store: marshal offline envelope: %w", err)
	}
	q := fmt.Sprintf(`INSERT INTO offline_queue_entries (device_id, job_id, envelope, enqueued_at, attempts)
		VALUES (%s,%s,%s,%s,%s)`, b.ph(1), b.ph(2), b.ph(3), b.ph(4), b.ph(5))
	_, err = b.db.ExecContext(ctx, q, e.DeviceID, e.JobID, envJSON, e.EnqueuedAt, e.Attempts)
	if err != nil {
		return fmt.Errorf("store: enqueue offline entry: %w", err)
	}
	return nil
}

func (b *base) scanOfflineRows(rows *sql.Rows) ([]*model.OfflineQueueEntry, error) {
	var out []*model.OfflineQueueEntry
	for rows.Next() {
		var e model.OfflineQueueEntry
		var envJSON []byte
		if err := rows.Scan(&e.DeviceID, &e.JobID, &envJSON, &e.EnqueuedAt, &e.Attempts); err != nil {
			return nil, fmt.Errorf("store: scan offline row: %w", err)
		}
		if err := json.Unmarshal(envJSON, &e.Envelope); err != nil {
			return nil, fmt.Errorf("store: unmarshal offline envelope: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (b *base) ListOffline(ctx context.Context, deviceID string) ([]*model.OfflineQueueEntry, error) {
	q := fmt.Sprintf(`SELECT device_id, job_id, envelope, enqueued_at, attempts FROM offline_queue_entries
		WHERE device_id = %s ORDER BY enqueued_at ASC`, b.ph(1))
	rows, err := b.db.QueryContext(ctx, q, deviceID)
	if err != nil {
		return nil, fmt.Errorf("store: list offline entries: %w", err)
	}
	defer rows.Close()
	return b.scanOfflineRows(rows)
}

func (b *base) CountOffline(ctx context.Context, deviceID string) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM offline_queue_entries WHERE device_id = %s`, b.ph(1))
	var n int
	if err := b.db.QueryRowContext(ctx, q, deviceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count offline entries: %w", err)
	}
	return n, nil
}

func (b *base) DequeueOffline(ctx context.Context, deviceID, jobID string) error {
	q := fmt.Sprintf(`DELETE FROM offline_queue_entries WHERE device_id = %s AND job_id = %s`, b.ph(1), b.ph(2))
	_, err := b.db.ExecContext(ctx, q, deviceID, jobID)
	if err != nil {
		return fmt.Errorf("store: dequeue offline entry: %w", err)
	}
	return nil
}

func (b *base) ExpireOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]*model.OfflineQueueEntry, error) {
	q := fmt.Sprintf(`SELECT device_id, job_id, envelope, enqueued_at, attempts FROM offline_queue_entries WHERE enqueued_at < %s`, b.ph(1))
	rows, err := b.db.QueryContext(ctx, q, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: select expired offline entries: %w", err)
	}
	defer rows.Close()
	expired, err := b.scanOfflineRows(rows)
	if err != nil {
		return nil, err
	}

	del := fmt.Sprintf(`DELETE FROM offline_queue_entries WHERE enqueued_at < %s`, b.ph(1))
	if _, err := b.db.ExecContext(ctx, del, cutoff); err != nil {
		return nil, fmt.Errorf("store: delete expired offline entries: %w", err)
	}
	return expired, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
