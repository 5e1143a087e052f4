package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// Errors returned by the client
var (
	ErrNotConnected   = errors.New("mqtt not connected")
	ErrConnectTimeout = errors.New("mqtt connection timeout")
	ErrPublishTimeout = errors.New("publish timeout")
)

const (
	connectTimeout   = 5 * time.Second
	publishTimeout   = 2 * time.Second
	subscribeTimeout = 5 * time.Second
	disconnectQuiesc = 250 // ms grace period
)

// Publisher publishes a message and waits for completion
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// Subscriber registers message handlers on topics
type Subscriber interface {
	Subscribe(topic string, qos byte, handler func(payload []byte)) error
	Unsubscribe(topic string) error
}

// Options configures the MQTT client
type Options struct {
	BrokerURL string
	ClientID  string // generated from Role when empty
	Role      string // "emitter" or "relay", used in logs and generated ids
}

type subscription struct {
	qos     byte
	handler func(payload []byte)
}

// Client is a paho MQTT client shared by the alert publisher, the heartbeat and
// the relay. Safe for concurrent use.
//
// The session is clean, so the broker forgets subscriptions when the connection
// drops. Every Subscribe is remembered and replayed after each reconnect.
type Client struct {
	opts   Options
	client mqtt.Client

	mu        sync.RWMutex
	subs      map[string]subscription
	connects  int
	published map[string]uint64 // acknowledged publishes per topic
	errors    uint64
	connected bool
}

// NewClient creates an unconnected client
func NewClient(opts Options) *Client {
	if opts.Role == "" {
		opts.Role = "firewatch"
	}
	if opts.ClientID == "" {
		opts.ClientID = fmt.Sprintf("%s-%s", opts.Role, uuid.NewString()[:8])
	}
	return &Client{
		opts:      opts,
		subs:      make(map[string]subscription),
		published: make(map[string]uint64),
	}
}

// ClientID returns the MQTT client identifier in use
func (c *Client) ClientID() string {
	return c.opts.ClientID
}

// Connect establishes connection to the MQTT broker
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.opts.BrokerURL)
	opts.SetClientID(c.opts.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	// Publish blocks on the outbound queue at most this long
	opts.SetWriteTimeout(publishTimeout)
	// Handlers publish and wait; ordered delivery would block the router
	opts.SetOrderMatters(false)

	opts.OnConnect = c.onConnect
	opts.OnConnectionLost = c.onConnectionLost

	c.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", c.opts.BrokerURL, "role", c.opts.Role)

	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		c.abortConnect()
		return ErrConnectTimeout
	case <-ctx.Done():
		c.abortConnect()
		return fmt.Errorf("mqtt connect: %w", ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	c.setConnected(true)
	return nil
}

// abortConnect stops an attempt that is still in flight. paho waits for the
// attempt to finish before disconnecting, so it runs in the background.
func (c *Client) abortConnect() {
	client := c.client
	go client.Disconnect(0)
}

func (c *Client) onConnect(client mqtt.Client) {
	c.mu.Lock()
	c.connected = true
	c.connects++
	reconnect := c.connects > 1
	subs := make(map[string]subscription, len(c.subs))
	for topic, sub := range c.subs {
		subs[topic] = sub
	}
	c.mu.Unlock()

	slog.Info("mqtt connection established",
		"broker", c.opts.BrokerURL,
		"client_id", c.opts.ClientID,
		"role", c.opts.Role,
		"reconnect", reconnect,
		"auto_reconnect", "enabled")

	if !reconnect {
		return
	}

	for topic, sub := range subs {
		if err := c.subscribe(client, topic, sub); err != nil {
			slog.Error("failed to restore subscription",
				"topic", topic,
				"error", err,
				"action", "messages on this topic are lost until the next reconnect")
			continue
		}
		slog.Info("subscription restored", "topic", topic, "qos", sub.qos)
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.setConnected(false)
	slog.Warn("mqtt connection lost, will auto-reconnect",
		"error", err,
		"broker", c.opts.BrokerURL,
		"max_retry_interval", "30s",
		"action", "waiting for automatic reconnection")
}

// send enqueues a publish without waiting for completion
func (c *Client) send(topic string, qos byte, payload []byte) mqtt.Token {
	if !c.IsConnected() {
		return newCompletedToken(ErrNotConnected)
	}
	return c.client.Publish(topic, qos, false, payload)
}

// Publish enqueues a message and waits up to the publish timeout for the
// broker. Only acknowledged publishes are counted as published.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if err := c.wait(c.send(topic, qos, payload)); err != nil {
		return err
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()
	return nil
}

// wait blocks on token with the publish timeout and counts failures
func (c *Client) wait(token mqtt.Token) error {
	if !token.WaitTimeout(publishTimeout) {
		c.countError()
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		c.countError()
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe registers handler for topic and keeps it across reconnects.
// Handlers run on paho's router goroutines.
func (c *Client) Subscribe(topic string, qos byte, handler func(payload []byte)) error {
	if c.client == nil {
		return ErrNotConnected
	}

	sub := subscription{qos: qos, handler: handler}
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	slog.Info("subscribing to topic", "topic", topic, "qos", qos)

	if err := c.subscribe(c.client, topic, sub); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) subscribe(client mqtt.Client, topic string, sub subscription) error {
	token := client.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Payload())
	})
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("subscription to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscription to %s failed: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes the subscription for topic
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if c.client == nil || !c.client.IsConnected() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if !token.WaitTimeout(subscribeTimeout) {
		return fmt.Errorf("unsubscribe from %s timed out", topic)
	}
	return token.Error()
}

// Disconnect closes the MQTT connection
func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(disconnectQuiesc)
		slog.Info("mqtt disconnected", "role", c.opts.Role)
	}
	c.setConnected(false)
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats contains client statistics
type Stats struct {
	Connected bool
	Published map[string]uint64
	Errors    uint64
}

// Stats returns client statistics
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}

	return Stats{
		Connected: c.connected,
		Published: published,
		Errors:    c.errors,
	}
}

func (c *Client) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}
