package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	device_id TEXT NOT NULL,
	payload_kind TEXT NOT NULL,
	payload_inline BLOB,
	payload_url TEXT,
	payload_file_ref TEXT,
	priority INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL,
	wait_for_completion INTEGER NOT NULL DEFAULT 0,
	idempotency_key TEXT,
	created_at TIMESTAMP NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
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
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_credentials (
	prefix TEXT PRIMARY KEY,
	token_hash TEXT NOT NULL,
	created_by TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	last_used_at TIMESTAMP,
	active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS offline_queue_entries (
	device_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	envelope TEXT NOT NULL,
	enqueued_at TIMESTAMP NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, job_id)
);
CREATE INDEX IF NOT EXISTS idx_offline_device_enqueued ON offline_queue_entries(device_id, enqueued_at);
`

// OpenSQLite opens (creating if absent) a SQLite-backed Store, grounded on
// the teacher's server/storage/sqlite.go constructor and schema
// bootstrap, using modernc.org/sqlite so the store never needs cgo.
func OpenSQLite(path string) (Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline avoids SQLITE_BUSY under WAL

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init sqlite schema: %w", err)
	}

	return &base{db: db, dialect: sqliteDialect{}}, nil
}
