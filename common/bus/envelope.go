package bus

import (
	"encoding/json"
	"fmt"

	"labelberry/common/model"
)

// EncodeCommand marshals a command envelope for publish on a device's
// commands topic.
func EncodeCommand(env model.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("bus: encode command envelope: %w", err)
	}
	return b, nil
}

// DecodeCommand unmarshals a command envelope received on the device side.
func DecodeCommand(payload []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("bus: decode command envelope: %w", err)
	}
	return env, nil
}

// EncodeLifecycleEvent marshals a lifecycle event for publish on a
// device's events topic.
func EncodeLifecycleEvent(ev model.LifecycleEvent) ([]byte, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("bus: encode lifecycle event: %w", err)
	}
	return b, nil
}

// DecodeLifecycleEvent unmarshals a lifecycle event received server-side.
func DecodeLifecycleEvent(payload []byte) (model.LifecycleEvent, error) {
	var ev model.LifecycleEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return model.LifecycleEvent{}, fmt.Errorf("bus: decode lifecycle event: %w", err)
	}
	return ev, nil
}

// StatusPayload is the heartbeat/status message published on a device's
// status topic, and also used verbatim as the last-will payload with
// Connected=false (spec §6).
type StatusPayload struct {
	Connected    bool                `json:"connected"`
	QueueDepth   int                 `json:"queue_depth,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
	UptimeS      int64               `json:"uptime_seconds,omitempty"`
	Capabilities *model.Capabilities `json:"capabilities,omitempty"`
}

func EncodeStatus(s StatusPayload) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("bus: encode status payload: %w", err)
	}
	return b, nil
}

func DecodeStatus(payload []byte) (StatusPayload, error) {
	var s StatusPayload
	if err := json.Unmarshal(payload, &s); err != nil {
		return StatusPayload{}, fmt.Errorf("bus: decode status payload: %w", err)
	}
	return s, nil
}
