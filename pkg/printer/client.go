// Package printer maintains the persistent session with a networked
// fabrication device: an MQTT control channel carrying commands and an
// asynchronous status stream, plus an FTPS channel for bulk file transfer.
package printer

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-logr/logr"

	"github.com/printflow-ai/printflow/pkg/ams"
)

// Errors
var (
	ErrNotConnected   = errors.New("printer is not connected")
	ErrConnectTimeout = errors.New("timed out connecting to printer")
)

// Config identifies and authenticates the device session
type Config struct {
	Host       string `json:"host"`
	Serial     string `json:"serial"`
	AccessCode string `json:"accessCode"`
	MQTTPort   int    `json:"mqttPort"`
	FTPPort    int    `json:"ftpPort"`
}

const (
	defaultMQTTPort = 8883
	defaultFTPPort  = 990
	mqttUser        = "bblp"
)

// StatusCallback receives a copy of the snapshot after every merge. It runs
// on the listener goroutine and must return quickly; slow consumers hand
// off to their own goroutine.
type StatusCallback func(Status)

// Client owns the device session. One background listener merges inbound
// reports into the canonical status snapshot; command methods publish
// fire-and-forget envelopes on the caller's goroutine.
type Client struct {
	cfg    Config
	logger logr.Logger

	mqtt    mqtt.Client
	publish func(payload []byte) error

	mu        sync.RWMutex
	status    Status
	connected bool

	seqMu sync.Mutex
	seq   uint64

	cbMu      sync.RWMutex
	callbacks []StatusCallback
}

// NewClient prepares a client. No connection is made until Connect.
func NewClient(cfg Config, l logr.Logger) *Client {
	if cfg.MQTTPort == 0 {
		cfg.MQTTPort = defaultMQTTPort
	}
	if cfg.FTPPort == 0 {
		cfg.FTPPort = defaultFTPPort
	}
	return &Client{
		cfg:    cfg,
		logger: l,
		status: Status{State: StateOffline},
	}
}

func (c *Client) reportTopic() string {
	return fmt.Sprintf("device/%s/report", c.cfg.Serial)
}

func (c *Client) requestTopic() string {
	return fmt.Sprintf("device/%s/request", c.cfg.Serial)
}

// Connect opens the authenticated TLS session, subscribes to the device's
// report stream and requests a full status push. It blocks up to timeout
// for the broker handshake. Failure is a normal return value; the caller
// retries. There is no automatic reconnect.
func (c *Client) Connect(timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tls://%s:%d", c.cfg.Host, c.cfg.MQTTPort)).
		SetClientID("printflow-" + c.cfg.Serial).
		SetUsername(mqttUser).
		SetPassword(c.cfg.AccessCode).
		SetAutoReconnect(false).
		SetConnectTimeout(timeout).
		// the device presents a self-signed certificate
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		c.logger.Error(err, "connection lost")
		c.markOffline()
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	sub := client.Subscribe(c.reportTopic(), 0, c.handleMessage)
	if !sub.WaitTimeout(timeout) || sub.Error() != nil {
		client.Disconnect(250)
		if sub.Error() != nil {
			return fmt.Errorf("subscribe: %w", sub.Error())
		}
		return ErrConnectTimeout
	}

	c.mu.Lock()
	c.mqtt = client
	c.publish = func(payload []byte) error {
		t := client.Publish(c.requestTopic(), 0, false, payload)
		t.Wait()
		return t.Error()
	}
	c.connected = true
	c.status.State = StateIdle
	c.mu.Unlock()

	c.logger.Info("connected", "host", c.cfg.Host, "serial", c.cfg.Serial)

	// ask for one full snapshot so the mirror starts complete
	if err := c.RequestFullStatus(); err != nil {
		c.logger.Error(err, "full status request failed")
	}
	return nil
}

// Disconnect stops the listener, closes the session and forces the local
// state Offline.
func (c *Client) Disconnect() {
	c.mu.Lock()
	client := c.mqtt
	c.mqtt = nil
	c.publish = nil
	c.connected = false
	c.status.State = StateOffline
	c.mu.Unlock()

	if client != nil {
		client.Unsubscribe(c.reportTopic())
		client.Disconnect(250)
	}
	c.logger.Info("disconnected")
}

// IsConnected reports the local session state, independent of what the
// device last reported.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Status returns a copy of the last known device state
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.Clone()
}

// AMSUnits returns a copy of the last reported material slot state
func (c *Client) AMSUnits() []ams.Unit {
	return c.Status().AMS
}

// OnStatus registers a callback invoked with a copy of the snapshot after
// every merge. One callback's panic never skips the others.
func (c *Client) OnStatus(cb StatusCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.callbacks = append(c.callbacks, cb)
}

// handleMessage runs on the paho listener goroutine: parse, merge, fan out
func (c *Client) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	var report reportMessage
	if err := json.Unmarshal(msg.Payload(), &report); err != nil {
		c.logger.Error(err, "unparseable report", "bytes", len(msg.Payload()))
		return
	}

	c.mu.Lock()
	merge(&c.status, &report)
	snapshot := c.status.Clone()
	c.mu.Unlock()

	c.cbMu.RLock()
	callbacks := append([]StatusCallback(nil), c.callbacks...)
	c.cbMu.RUnlock()
	for _, cb := range callbacks {
		c.invoke(cb, snapshot)
	}
}

func (c *Client) invoke(cb StatusCallback, snapshot Status) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(fmt.Errorf("%v", r), "status callback panicked")
		}
	}()
	cb(snapshot.Clone())
}

func (c *Client) markOffline() {
	c.mu.Lock()
	c.connected = false
	c.status.State = StateOffline
	c.mu.Unlock()
}
