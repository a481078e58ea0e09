// Package store is the Server-Side Job Store (spec §4.8) plus the Device,
// API Credential, and Offline Queue Entry persistence spec §3 assigns to
// the server's durable store. It is grounded on the teacher's
// server/storage package: one Store interface, one implementation per
// backend, selected by NewStore(cfg) the same way
// server/storage/store.go does.
package store

import (
	"context"
	"errors"
	"time"

	"labelberry/common/model"
)

var ErrNotFound = errors.New("store: not found")

// ErrInvalidTransition is returned when a Job state write would violate
// the state machine from spec §4.9: moving out of a terminal state, or
// any edge model.ValidNextStates does not list. A write that requests
// the Job's current state again is treated as a duplicate event and
// accepted as a no-op rather than rejected.
var ErrInvalidTransition = errors.New("store: invalid job state transition")

// ListFilter narrows Job listings (spec §4.8 "list(device-id?, since?, status?, limit<=1000)").
type ListFilter struct {
	DeviceID string
	Since    *time.Time
	Status   model.JobState
	Limit    int
}

// Store is the durable persistence boundary for Jobs, Devices, API
// Credentials, and Offline Queue Entries. Implementations must make no
// use of database-specific features beyond transactions and indexed
// lookup by id and by device-id+created-at (spec §3 "Ownership").
type Store interface {
	// Jobs (spec §4.8)
	CreateJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetJobByIdempotencyKey(ctx context.Context, deviceID, key string) (*model.Job, error)
	UpdateJobState(ctx context.Context, id string, state model.JobState, jobErr *model.JobError) error
	TouchJobStarted(ctx context.Context, id string, at time.Time) error
	IncrementAttempt(ctx context.Context, id string) error
	ListJobs(ctx context.Context, filter ListFilter) ([]*model.Job, error)
	RecentJobs(ctx context.Context, limit int) ([]*model.Job, error)
	ElidePayloadsOlderThan(ctx context.Context, cutoff time.Time) (int, error)
	ExpireStaleJobs(ctx context.Context, cutoff time.Time) ([]*model.Job, error)

	// Devices (spec §3)
	CreateDevice(ctx context.Context, d *model.Device, secret string) error
	GetDevice(ctx context.Context, id string) (*model.Device, error)
	ListDevices(ctx context.Context) ([]*model.Device, error)
	UpdateDevice(ctx context.Context, d *model.Device) error
	DeleteDevice(ctx context.Context, id string) error
	VerifyDeviceSecret(ctx context.Context, id, secret string) (bool, error)

	// API Credentials (spec §3; CRUD endpoints are out of scope per
	// spec §1, but the Dispatcher's "auth credential must be active"
	// precondition needs a read/touch path).
	GetCredential(ctx context.Context, token string) (*model.Credential, error)
	TouchCredentialLastUsed(ctx context.Context, token string, at time.Time) error

	// Offline Queue Entries (spec §3, §4.7)
	EnqueueOffline(ctx context.Context, e *model.OfflineQueueEntry) error
	ListOffline(ctx context.Context, deviceID string) ([]*model.OfflineQueueEntry, error)
	CountOffline(ctx context.Context, deviceID string) (int, error)
	DequeueOffline(ctx context.Context, deviceID, jobID string) error
	ExpireOfflineOlderThan(ctx context.Context, cutoff time.Time) ([]*model.OfflineQueueEntry, error)

	Close() error
}
