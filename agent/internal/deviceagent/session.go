// Package deviceagent is the Device Agent (spec §4.3): it owns the bus
// session lifecycle, dispatches incoming commands to the Device Job
// Queue, runs the printer write loop, and exposes the device's local
// HTTP surface. Grounded on the teacher's agent.WSClient connection
// manager (agent/agent/ws_client.go) — the same
// connect/reconnect/heartbeat shape, retargeted from a raw websocket
// onto common/bus's MQTT wrapper.
package deviceagent

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cenkalti/backoff/v4"

	"labelberry/agent/internal/config"
	"labelberry/agent/internal/printer"
	"labelberry/agent/internal/queue"
	"labelberry/common/bus"
	"labelberry/common/logger"
	"labelberry/common/model"
)

// Agent ties the bus session, the job queue, and the printer driver
// together for one device.
type Agent struct {
	cfg    *config.Config
	q      *queue.Queue
	driver *printer.Driver
	log    *logger.Logger

	mu           sync.RWMutex
	conn         *bus.Conn
	connected    bool
	lastError    string
	startedAt    time.Time
	lastCapsSent model.Capabilities

	stopOnce sync.Once
	stop     chan struct{}
}

// New constructs an Agent. The caller drives its lifecycle with Run.
func New(cfg *config.Config, q *queue.Queue, driver *printer.Driver, log *logger.Logger) *Agent {
	return &Agent{
		cfg:       cfg,
		q:         q,
		driver:    driver,
		log:       log,
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}
}

// Run connects to the bus and blocks, reconnecting with a capped,
// jittered backoff (spec §4.3 "reconnect with a backoff policy") until
// ctx is cancelled or Stop is called.
func (a *Agent) Run(ctx context.Context) error {
	go a.printLoop(ctx)
	go a.heartbeatLoop(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0 // retry forever; spec §4.3 has no give-up condition

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stop:
			return nil
		default:
		}

		if err := a.connect(); err != nil {
			wait := bo.NextBackOff()
			wait += time.Duration(rand.Int63n(int64(wait)/4 + 1)) // jitter, spec §4.3
			a.log.Warn("bus connect failed, retrying", "error", err.Error(), "retry_in", wait.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-a.stop:
				return nil
			case <-time.After(wait):
				continue
			}
		}
		bo.Reset()

		select {
		case <-ctx.Done():
			a.disconnect()
			return ctx.Err()
		case <-a.stop:
			a.disconnect()
			return nil
		case <-a.connectionLost():
			a.log.Warn("bus connection lost, reconnecting")
			continue
		}
	}
}

// Stop signals Run to exit and disconnects from the bus.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

func (a *Agent) connectionLost() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			if !a.IsConnected() {
				close(ch)
				return
			}
			time.Sleep(2 * time.Second)
		}
	}()
	return ch
}

func (a *Agent) connect() error {
	will, err := bus.EncodeStatus(bus.StatusPayload{Connected: false})
	if err != nil {
		return fmt.Errorf("deviceagent: encode last-will: %w", err)
	}

	opts := bus.DialOptions{
		BrokerURL:        a.cfg.BusURL,
		ClientID:         "labelberry-agent-" + a.cfg.DeviceID,
		Username:         a.cfg.BusUsername,
		Password:         a.cfg.BusPassword,
		KeepAlive:        30 * time.Second,
		ConnectTimeout:   10 * time.Second,
		AutoReconnect:    false, // the Run loop owns reconnect/backoff
		WillTopic:        bus.StatusTopic(a.cfg.DeviceID),
		WillPayload:      will,
		WillRetained:     true,
		OnConnectionLost: func(err error) { a.setConnected(false) },
	}

	conn, err := bus.Dial(opts)
	if err != nil {
		return err
	}

	if err := conn.Subscribe(bus.CommandsTopic(a.cfg.DeviceID), a.handleCommand); err != nil {
		conn.Close(time.Second)
		return fmt.Errorf("deviceagent: subscribe commands: %w", err)
	}
	if err := conn.Subscribe(bus.ConfigTopic(a.cfg.DeviceID), a.handleConfig); err != nil {
		conn.Close(time.Second)
		return fmt.Errorf("deviceagent: subscribe config: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
	a.setConnected(true)

	a.announceCapabilities(true)
	return nil
}

func (a *Agent) disconnect() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	a.mu.Unlock()
	if conn != nil {
		conn.Close(2 * time.Second)
	}
	a.setConnected(false)
}

func (a *Agent) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

func (a *Agent) setLastError(msg string) {
	a.mu.Lock()
	a.lastError = msg
	a.mu.Unlock()
}

// IsConnected reports whether the bus session is currently live.
func (a *Agent) IsConnected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected
}

func (a *Agent) currentConn() *bus.Conn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conn
}

// announceCapabilities republishes the device's capability set on
// connect and whenever it changes (spec §4.3), using semver to avoid
// re-announcing on a firmware string that compares equal once parsed
// (e.g. a "v1.2.0" vs "1.2.0" formatting difference, not a real change).
func (a *Agent) announceCapabilities(force bool) {
	caps := model.Capabilities{
		PrinterModel:  a.cfg.PrinterModel,
		LabelSize:     a.cfg.LabelSize,
		FirmwareBuild: a.cfg.FirmwareBuild,
	}

	a.mu.Lock()
	changed := force || !capsEqual(a.lastCapsSent, caps)
	a.lastCapsSent = caps
	a.mu.Unlock()

	if !changed {
		return
	}

	conn := a.currentConn()
	if conn == nil {
		return
	}
	status := bus.StatusPayload{
		Connected:    true,
		QueueDepth:   a.q.Size(),
		UptimeS:      int64(time.Since(a.startedAt).Seconds()),
		Capabilities: &caps,
	}
	payload, err := bus.EncodeStatus(status)
	if err != nil {
		a.log.Error("encode capability announce failed", "error", err.Error())
		return
	}
	if err := conn.PublishRetained(bus.StatusTopic(a.cfg.DeviceID), payload, 5*time.Second); err != nil {
		a.log.Error("capability announce publish failed", "error", err.Error())
	}
}

// capsEqual compares two capability sets, treating firmware build
// strings that parse as equal semver versions as unchanged even if
// their literal text differs.
func capsEqual(a, b model.Capabilities) bool {
	if a.PrinterModel != b.PrinterModel || a.LabelSize != b.LabelSize {
		return false
	}
	if a.FirmwareBuild == b.FirmwareBuild {
		return true
	}
	va, errA := semver.NewVersion(a.FirmwareBuild)
	vb, errB := semver.NewVersion(b.FirmwareBuild)
	if errA != nil || errB != nil {
		return false
	}
	return va.Equal(vb)
}
