// Package busbridge subscribes the server's bus connection to every
// device's status/events/hello topics and feeds the Bus Session Registry
// and Job Dispatcher accordingly. It is the server-side counterpart of
// the teacher's server/websocket.go connection-table, retargeted from a
// single multiplexed websocket handler onto three MQTT wildcard
// subscriptions.
package busbridge

import (
	"context"
	"time"

	"labelberry/common/bus"
	"labelberry/common/logger"
	"labelberry/common/model"
	"labelberry/server/internal/dispatcher"
	"labelberry/server/internal/offlinequeue"
	"labelberry/server/internal/registry"
)

// Bridge wires a live bus connection to the Registry and Dispatcher.
type Bridge struct {
	conn    *bus.Conn
	reg     *registry.Registry
	disp    *dispatcher.Dispatcher
	offline *offlinequeue.Queue
	log     *logger.Logger

	drains     map[string]chan struct{} // device id -> drain interrupt, owned solely by interruptLoop
	interrupts chan interruptOp
}

type interruptOp struct {
	deviceID string
	fire     bool
	resp     chan<- <-chan struct{} // set only for fire=false (start-drain) ops
}

// New constructs a Bridge. Subscribe must be called once the conn is
// connected to begin routing traffic.
func New(conn *bus.Conn, reg *registry.Registry, disp *dispatcher.Dispatcher, offline *offlinequeue.Queue, log *logger.Logger) *Bridge {
	b := &Bridge{
		conn:       conn,
		reg:        reg,
		disp:       disp,
		offline:    offline,
		log:        log,
		drains:     make(map[string]chan struct{}),
		interrupts: make(chan interruptOp, 64),
	}
	go b.interruptLoop()
	return b
}

// interruptLoop is the single owner of the interrupt-channel map, so
// connect/disconnect races for different devices never contend on a
// shared lock (mirrors the Registry's own keyed-serialization idiom).
func (b *Bridge) interruptLoop() {
	for op := range b.interrupts {
		if op.fire {
			if ch, ok := b.drains[op.deviceID]; ok {
				close(ch)
				delete(b.drains, op.deviceID)
			}
		} else {
			if ch, ok := b.drains[op.deviceID]; ok {
				close(ch)
			}
			ch := make(chan struct{})
			b.drains[op.deviceID] = ch
			if op.resp != nil {
				op.resp <- ch
			}
		}
	}
}

// Subscribe registers the three wildcard handlers on conn.
func (b *Bridge) Subscribe() error {
	if err := b.conn.Subscribe(bus.StatusWildcard, b.handleStatus); err != nil {
		return err
	}
	if err := b.conn.Subscribe(bus.EventsWildcard, b.handleEvents); err != nil {
		return err
	}
	if err := b.conn.Subscribe(bus.HelloWildcard, b.handleHello); err != nil {
		return err
	}
	return nil
}

func (b *Bridge) handleHello(topic string, payload []byte) {
	deviceID, ok := bus.DeviceIDFromTopic(topic)
	if !ok {
		return
	}
	status, err := bus.DecodeStatus(payload)
	if err != nil {
		b.log.Warn("discarding unparseable hello payload", "device_id", deviceID, "error", err.Error())
		return
	}
	caps := model.Capabilities{}
	if status.Capabilities != nil {
		caps = *status.Capabilities
	}
	b.reg.MarkConnected(deviceID, deviceID, caps)
	b.startDrain(deviceID)
}

func (b *Bridge) handleStatus(topic string, payload []byte) {
	deviceID, ok := bus.DeviceIDFromTopic(topic)
	if !ok {
		return
	}
	status, err := bus.DecodeStatus(payload)
	if err != nil {
		b.log.Warn("discarding unparseable status payload", "device_id", deviceID, "error", err.Error())
		return
	}
	if !status.Connected {
		b.reg.MarkDisconnected(deviceID, deviceID)
		b.interrupts <- interruptOp{deviceID: deviceID, fire: true}
		return
	}
	if _, live := b.reg.Get(deviceID); !live {
		caps := model.Capabilities{}
		if status.Capabilities != nil {
			caps = *status.Capabilities
		}
		b.reg.MarkConnected(deviceID, deviceID, caps)
		b.startDrain(deviceID)
		return
	}
	b.reg.Touch(deviceID)
}

func (b *Bridge) handleEvents(topic string, payload []byte) {
	deviceID, ok := bus.DeviceIDFromTopic(topic)
	if !ok {
		return
	}
	evt, err := bus.DecodeLifecycleEvent(payload)
	if err != nil {
		b.log.Warn("discarding unparseable lifecycle event", "device_id", deviceID, "error", err.Error())
		return
	}
	if err := b.disp.HandleLifecycleEvent(context.Background(), evt); err != nil {
		b.log.Error("lifecycle event handling failed", "device_id", deviceID, "job_id", evt.JobID, "error", err.Error())
	}
}

// startDrain kicks off an interruptible Offline Queue drain for
// deviceID (spec §4.7 "drained on mark_connected ... interruptible by a
// subsequent mark_disconnected").
func (b *Bridge) startDrain(deviceID string) {
	resp := make(chan (<-chan struct{}), 1)
	b.interrupts <- interruptOp{deviceID: deviceID, fire: false, resp: resp}
	interrupt := <-resp

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := b.offline.Drain(ctx, deviceID, bus.CommandsTopic(deviceID), b.conn, interrupt); err != nil {
			b.log.Warn("offline queue drain stopped early", "device_id", deviceID, "error", err.Error())
		}
	}()
}

// SweepStaleSessions runs the Registry's periodic liveness check on a
// ticker (spec §4.4, §5 "Liveness").
func SweepStaleSessions(ctx context.Context, reg *registry.Registry, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := reg.SweepStale()
			if len(swept) > 0 {
				log.Info("swept stale sessions", "count", len(swept))
			}
		}
	}
}
