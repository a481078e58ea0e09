// Package registry tracks which devices currently hold a live bus session
// (spec §4.4 "Bus Session Registry"). It is process-wide state scoped to a
// single narrow service with explicit lifecycle, per spec §9's "Cyclic
// graphs / global state" design note — there is no ambient singleton; the
// server process constructs exactly one Registry and passes it down.
package registry

import (
	"sync"
	"time"

	"labelberry/common/model"
)

// Session is the ephemeral (device-id -> session-handle) relationship from
// spec §3. SessionHandle is opaque to the Registry — it is whatever the
// bus subscription layer needs to address this device later (for
// LabelBerry, the client id used to keep one subscription per device).
type Session struct {
	DeviceID        string
	SessionHandle   string
	ConnectedAt     time.Time
	LastHeartbeatAt time.Time
	Capabilities    model.Capabilities
}

// deviceState is the per-device entry held in the Registry, with its own
// lock so that connect/disconnect races for one device never block
// another device's registry traffic (spec §4.4 "single writer per
// device-id via a keyed serialization primitive").
type deviceState struct {
	mu        sync.Mutex
	session   *Session
	displaced chan struct{} // closed when this session is atomically displaced
}

// Registry tracks live Bus Sessions. The zero value is not usable; use New.
type Registry struct {
	heartbeatCadence time.Duration

	mu      sync.RWMutex
	devices map[string]*deviceState
}

// New constructs a Registry. heartbeatCadence is the device status
// publish interval (spec §4.3 default 60s); IsConnected treats a device
// whose last heartbeat is older than 3x this cadence as disconnected
// (spec §4.4, §5 "Liveness").
func New(heartbeatCadence time.Duration) *Registry {
	if heartbeatCadence <= 0 {
		heartbeatCadence = 60 * time.Second
	}
	return &Registry{
		heartbeatCadence: heartbeatCadence,
		devices:          make(map[string]*deviceState),
	}
}

func (r *Registry) stateFor(deviceID string) *deviceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	ds, ok := r.devices[deviceID]
	if !ok {
		ds = &deviceState{}
		r.devices[deviceID] = ds
	}
	return ds
}

// MarkConnected records a new live session for deviceID. If a session was
// already live, it is atomically replaced: the old session's Displaced()
// channel is closed so its owning goroutine observes a forced disconnect
// (spec §3 "a second authenticated connect atomically displaces the
// first", testable property 1 "single-session").
func (r *Registry) MarkConnected(deviceID, sessionHandle string, caps model.Capabilities) {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.session != nil && ds.displaced != nil {
		close(ds.displaced)
	}

	now := time.Now()
	ds.session = &Session{
		DeviceID:        deviceID,
		SessionHandle:   sessionHandle,
		ConnectedAt:     now,
		LastHeartbeatAt: now,
		Capabilities:    caps,
	}
	ds.displaced = make(chan struct{})
}

// Displaced returns a channel that closes when the current session for
// deviceID is displaced by a newer connect. Returns nil if no session is
// currently live. Callers (the bus-session goroutine owning the prior
// connection) should select on this to know when to tear themselves down.
func (r *Registry) Displaced(deviceID string) <-chan struct{} {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return nil
	}
	return ds.displaced
}

// MarkDisconnected clears the live session for deviceID, if sessionHandle
// still matches the current one (a disconnect notification racing a
// newer MarkConnected must not clear the newer session).
func (r *Registry) MarkDisconnected(deviceID, sessionHandle string) {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session != nil && ds.session.SessionHandle == sessionHandle {
		ds.session = nil
	}
}

// Touch updates the last-heartbeat timestamp for deviceID's live session.
func (r *Registry) Touch(deviceID string) {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session != nil {
		ds.session.LastHeartbeatAt = time.Now()
	}
}

// IsConnected is authoritative for routing decisions (spec §4.4): true iff
// a session is live and has not gone stale (missed 3x heartbeat cadence).
func (r *Registry) IsConnected(deviceID string) bool {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return false
	}
	return time.Since(ds.session.LastHeartbeatAt) <= 3*r.heartbeatCadence
}

// Get returns a copy of the live session for deviceID, if any.
func (r *Registry) Get(deviceID string) (Session, bool) {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session == nil {
		return Session{}, false
	}
	return *ds.session, true
}

// Evict forcibly clears deviceID's session, regardless of handle, and
// wakes anything selecting on Displaced — used by device deletion (spec
// §3 "deletion... evicts any Bus Session").
func (r *Registry) Evict(deviceID string) {
	ds := r.stateFor(deviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.session != nil && ds.displaced != nil {
		close(ds.displaced)
	}
	ds.session = nil
	ds.displaced = nil
}

// Snapshot returns every currently-known session (live or stale). The
// admin API's device list does not use it; it reports IsConnected.
func (r *Registry) Snapshot() []Session {
	r.mu.RLock()
	ids := make([]*deviceState, 0, len(r.devices))
	for _, ds := range r.devices {
		ids = append(ids, ds)
	}
	r.mu.RUnlock()

	out := make([]Session, 0, len(ids))
	for _, ds := range ids {
		ds.mu.Lock()
		if ds.session != nil {
			out = append(out, *ds.session)
		}
		ds.mu.Unlock()
	}
	return out
}

// SweepStale runs the periodic liveness check from spec §5: any device
// whose session has missed 3x heartbeat cadence is transitioned to
// disconnected even without an explicit last-will, so Offline Queue
// re-delivery logic (spec §4.7) still fires correctly on next reconnect.
// It returns the device ids it disconnected.
func (r *Registry) SweepStale() []string {
	r.mu.RLock()
	states := make(map[string]*deviceState, len(r.devices))
	for id, ds := range r.devices {
		states[id] = ds
	}
	r.mu.RUnlock()

	var swept []string
	for id, ds := range states {
		ds.mu.Lock()
		if ds.session != nil && time.Since(ds.session.LastHeartbeatAt) > 3*r.heartbeatCadence {
			ds.session = nil
			swept = append(swept, id)
		}
		ds.mu.Unlock()
	}
	return swept
}
