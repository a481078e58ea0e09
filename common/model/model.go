// Package model holds the wire and persistence types shared by the
// LabelBerry server and device agent: jobs, devices, payloads, and the
// stable error-kind taxonomy that crosses the bus and the HTTP boundary.
package model

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a fresh globally-unique identifier for a Job or Device.
func NewID() string {
	return uuid.NewString()
}

// JobState is a state in the per-job state machine described in spec §4.9.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobSent       JobState = "sent"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
	JobExpired    JobState = "expired"
)

// IsTerminal reports whether no further transition is possible.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobExpired:
		return true
	default:
		return false
	}
}

// ValidNextStates enumerates the state machine edges from spec §4.9.
// It is used to reject back-transitions and other illegal moves.
func ValidNextStates(from JobState) []JobState {
	switch from {
	case JobQueued:
		// JobFailed covers an immediate, submission-time terminal failure
		// (e.g. queue_full_offline) that never makes it as far as sent.
		return []JobState{JobSent, JobFailed, JobCancelled, JobExpired}
	case JobSent:
		return []JobState{JobProcessing, JobFailed, JobCancelled, JobExpired}
	case JobProcessing:
		return []JobState{JobCompleted, JobFailed, JobCancelled, JobExpired}
	default:
		return nil
	}
}

// CanTransition reports whether from -> to is a legal edge in the state machine.
func CanTransition(from, to JobState) bool {
	for _, s := range ValidNextStates(from) {
		if s == to {
			return true
		}
	}
	return false
}

// Source tags where a print submission originated.
type Source string

const (
	SourceAPI       Source = "api"
	SourceDirect    Source = "direct"
	SourceBroadcast Source = "broadcast"
	SourceTest      Source = "test"
)

// PayloadKind discriminates the ZPL payload union.
type PayloadKind string

const (
	PayloadInline PayloadKind = "zpl_raw"
	PayloadURL    PayloadKind = "zpl_url"
	PayloadFile   PayloadKind = "zpl_file"
)

// Payload is the normalized, single-discriminator form of the wire union
// `zpl_raw | zpl_url | zpl_file` (spec §9 "Dynamic typing of payloads").
type Payload struct {
	Kind    PayloadKind `json:"kind"`
	Inline  []byte      `json:"inline,omitempty"`
	URL     string      `json:"url,omitempty"`
	FileRef string      `json:"file_ref,omitempty"`
}

// Validate enforces "exactly one of inline, url, file-ref" (spec §3, §4.5).
func (p Payload) Validate() error {
	set := 0
	if len(p.Inline) > 0 {
		set++
	}
	if p.URL != "" {
		set++
	}
	if p.FileRef != "" {
		set++
	}
	if set != 1 {
		return ErrInvalidPayload
	}
	return nil
}

// JobError carries a typed, stable error kind plus a human detail, attached
// to a Job record whenever a terminal or synchronous failure occurs.
type JobError struct {
	Kind          ErrorKind `json:"kind"`
	Message       string    `json:"message,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return string(e.Kind) + ": " + e.Message
	}
	return string(e.Kind)
}

// Job is the immutable-submission-plus-mutable-state record from spec §3.
type Job struct {
	ID             string     `json:"id"`
	DeviceID       string     `json:"device_id"`
	Payload        Payload    `json:"payload"`
	Priority       int        `json:"priority"`
	Source         Source     `json:"source"`
	WaitForComplete bool      `json:"wait_for_completion"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	AttemptCount   int        `json:"attempt_count"`
	State          JobState   `json:"state"`
	Error          *JobError  `json:"error,omitempty"`
}

// Device is the registered fleet member from spec §3. Secret is never
// serialized back to a caller after creation; the JSON tag is "-" rather
// than omitempty so a stray encode can never leak it by accident.
type Device struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Secret       string    `json:"-"`
	PrinterPath  string    `json:"printer_path"`
	LabelSizeRef string    `json:"label_size_ref"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Capabilities is the declared capability set a Device Agent announces on
// bus connect and whenever it changes (spec §4.3).
type Capabilities struct {
	PrinterModel  string `json:"printer_model"`
	LabelSize     string `json:"label_size"`
	FirmwareBuild string `json:"firmware_build"`
}

// Credential is the opaque API token entity from spec §3. Only the
// read/active-check path is implemented here; CRUD is an external
// collaborator per spec §1.
type Credential struct {
	Token      string     `json:"-"`
	Prefix     string     `json:"prefix"`
	CreatedBy  string     `json:"created_by"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	Active     bool       `json:"active"`
}

// OfflineQueueEntry is a command staged server-side while a device is
// disconnected (spec §3, §4.7).
type OfflineQueueEntry struct {
	DeviceID  string    `json:"device_id"`
	JobID     string    `json:"job_id"`
	Envelope  Envelope  `json:"command_envelope"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts  int       `json:"attempts"`
}

// CommandKind enumerates the command envelope's "kind" field (spec §6).
type CommandKind string

const (
	CommandPrint       CommandKind = "print"
	CommandTestPrint   CommandKind = "test_print"
	CommandCancel      CommandKind = "cancel"
	CommandReconfigure CommandKind = "reconfigure"
	CommandPing        CommandKind = "ping"
)

// Envelope is the server->device command envelope (spec §6).
type Envelope struct {
	JobID    string      `json:"job_id"`
	Kind     CommandKind `json:"kind"`
	Payload  *Payload    `json:"payload,omitempty"`
	Priority int         `json:"priority"`
	IssuedAt time.Time   `json:"issued_at"`
}

// LifecycleEvent is the device->server lifecycle envelope (spec §6).
type LifecycleEvent struct {
	JobID   string    `json:"job_id"`
	State   JobState  `json:"state"`
	At      time.Time `json:"at"`
	Attempt int       `json:"attempt"`
	Error   *JobError `json:"error,omitempty"`
}
