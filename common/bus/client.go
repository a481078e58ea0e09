package bus

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Handler receives a topic and raw payload for a subscription.
type Handler func(topic string, payload []byte)

// Conn is a thin wrapper around a paho MQTT client exposing the small
// method surface LabelBerry's server and agent code need — dial, publish,
// subscribe, last-will, close — the same shape as the teacher's
// common/ws.Conn wrapper around *websocket.Conn, retargeted from a single
// bidirectional socket onto a broker-mediated pub/sub session.
type Conn struct {
	client mqtt.Client
}

// DialOptions configures a bus connection.
type DialOptions struct {
	BrokerURL        string
	ClientID         string
	Username         string
	Password         string
	TLSConfig        *tls.Config
	KeepAlive        time.Duration
	ConnectTimeout   time.Duration
	AutoReconnect    bool
	MaxReconnectWait time.Duration

	// WillTopic/WillPayload/WillRetained implement the last-will semantics
	// from spec §4.3: "connect to the bus with a last-will message
	// announcing offline on the device status topic."
	WillTopic    string
	WillPayload  []byte
	WillRetained bool

	OnConnect        func(*Conn)
	OnConnectionLost func(error)
}

// Dial connects to the bus broker and returns a wrapped Conn. The URL must
// use the tcp://, ssl://, ws://, or wss:// scheme understood by the
// underlying MQTT client.
func Dial(opts DialOptions) (*Conn, error) {
	if opts.BrokerURL == "" {
		return nil, errors.New("bus: broker URL required")
	}

	mopts := mqtt.NewClientOptions()
	mopts.AddBroker(opts.BrokerURL)
	mopts.SetClientID(opts.ClientID)
	mopts.SetUsername(opts.Username)
	mopts.SetPassword(opts.Password)
	if opts.TLSConfig != nil {
		mopts.SetTLSConfig(opts.TLSConfig)
	}

	keepAlive := opts.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}
	mopts.SetKeepAlive(keepAlive)

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	mopts.SetConnectTimeout(connectTimeout)

	mopts.SetAutoReconnect(opts.AutoReconnect)
	if opts.MaxReconnectWait > 0 {
		mopts.SetMaxReconnectInterval(opts.MaxReconnectWait)
	}
	mopts.SetCleanSession(true)

	if opts.WillTopic != "" {
		mopts.SetWill(opts.WillTopic, string(opts.WillPayload), 1, opts.WillRetained)
	}

	var cw *Conn
	if opts.OnConnect != nil {
		onConnect := opts.OnConnect
		mopts.SetOnConnectHandler(func(c mqtt.Client) {
			onConnect(cw)
		})
	}
	if opts.OnConnectionLost != nil {
		onLost := opts.OnConnectionLost
		mopts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
			onLost(err)
		})
	}

	client := mqtt.NewClient(mopts)
	cw = &Conn{client: client}

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("bus: connect timed out after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("bus: connect failed: %w", err)
	}

	return cw, nil
}

// Publish publishes raw bytes to topic at QoS 1 (at-least-once, matching
// spec §8's at-least-once-on-reconnect delivery requirement).
func (c *Conn) Publish(topic string, payload []byte, timeout time.Duration) error {
	if c == nil || c.client == nil {
		return errors.New("bus: connection is closed")
	}
	token := c.client.Publish(topic, 1, false, payload)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("bus: publish to %s timed out", topic)
	}
	return token.Error()
}

// PublishJSON marshals v and publishes it.
func (c *Conn) PublishJSON(topic string, v interface{}, timeout time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: marshal publish payload: %w", err)
	}
	return c.Publish(topic, b, timeout)
}

// PublishRetained publishes a retained message — used for the last-will
// status topic's "connected: true" announce (spec §6).
func (c *Conn) PublishRetained(topic string, payload []byte, timeout time.Duration) error {
	if c == nil || c.client == nil {
		return errors.New("bus: connection is closed")
	}
	token := c.client.Publish(topic, 1, true, payload)
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("bus: retained publish to %s timed out", topic)
	}
	return token.Error()
}

// Subscribe registers handler for topic (which may contain MQTT + or #
// wildcards) at QoS 1.
func (c *Conn) Subscribe(topic string, handler Handler) error {
	if c == nil || c.client == nil {
		return errors.New("bus: connection is closed")
	}
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// IsConnected reports whether the underlying client currently holds a live
// connection to the broker.
func (c *Conn) IsConnected() bool {
	return c != nil && c.client != nil && c.client.IsConnectionOpen()
}

// Close disconnects from the broker, waiting up to quiesce for in-flight
// work to drain.
func (c *Conn) Close(quiesce time.Duration) {
	if c == nil || c.client == nil {
		return
	}
	ms := uint(quiesce / time.Millisecond)
	c.client.Disconnect(ms)
}
