package store

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	payload_kind TEXT NOT NULL,
	payload_inline BYTEA,
	payload_url TEXT,
	payload_file_ref TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	wait_for_completion BOOLEAN NOT NULL DEFAULT FALSE,
	idempotency_key TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	error_kind TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_device_created ON jobs(device_id, created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_idempotency ON jobs(device_id, idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);

CREATE TABLE IF NOT EXISTS devices (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	printer_path TEXT NOT NULL,
	label_size_ref TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_credentials (
	prefix TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	last_used_at TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS offline_queue_entries (
	device_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	envelope TEXT NOT NULL,
	enqueued_at TIMESTAMPTZ NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, job_id)
);
CREATE INDEX IF NOT EXISTS idx_offline_device_enqueued ON offline_queue_entries(device_id, enqueued_at);
`

// OpenPostgres opens a Postgres-backed Store, grounded on the teacher's
// server/storage/postgres.go constructor, using jackc/pgx/v5's
// database/sql adapter rather than pgx's native pool interface so it can
// share the base implementation's *sql.DB-shaped query code with the
// SQLite backend.
func OpenPostgres(dsn string) (Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)

	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init postgres schema: %w", err)
	}

	return &base{db: db, dialect: postgresDialect{}}, nil
}
