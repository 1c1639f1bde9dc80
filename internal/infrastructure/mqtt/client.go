package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/lockgate/internal/infrastructure/config"
)

// Client is the gateway's broker link. It carries lock events and state
// out, command requests in, and the retained gateway status on
// lockgate/system/status.
//
// paho reconnects on its own; Client replays tracked subscriptions and
// republishes the online status on every (re)connect. All methods are safe
// for concurrent use.
type Client struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig

	subscriptions map[string]subscription
	subMu         sync.RWMutex

	up       atomic.Bool
	connects atomic.Uint64

	hookMu       sync.RWMutex
	onConnect    func()
	onDisconnect func(err error)
	logger       Logger
}

// Logger is satisfied by logging.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// MessageHandler receives one broker message. topic is the concrete topic
// (wildcards resolved); a returned error is logged and otherwise ignored.
type MessageHandler func(topic string, payload []byte) error

// Connect dials the broker with the last will armed and waits for the
// first CONNACK, bounded by ctx and a 10s timeout.
func Connect(ctx context.Context, cfg config.MQTTConfig) (*Client, error) {
	opts := buildClientOptions(cfg)
	configureLWT(opts, cfg.Broker.ClientID)

	c := &Client{
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.handleConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.handleDisconnect(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		if log := c.getLogger(); log != nil {
			log.Info("MQTT reconnecting", "broker", cfg.Broker.Host, "subscriptions", c.SubscriptionCount())
		}
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()

	timer := time.NewTimer(defaultConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %w", ErrConnectionFailed, cfg.Broker.Host, cfg.Broker.Port, err)
		}
	case <-timer.C:
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: no CONNACK within %v", ErrConnectionFailed, defaultConnectTimeout)
	case <-ctx.Done():
		c.client.Disconnect(0)
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, ctx.Err())
	}

	// The on-connect hook runs asynchronously and may still be pending.
	c.up.Store(true)
	return c, nil
}

func (c *Client) handleConnect() {
	c.up.Store(true)
	n := c.connects.Add(1)

	c.subMu.RLock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, sub.qos, c.wrapHandler(sub.handler)) // a failure resurfaces on the next reconnect
	}
	c.subMu.RUnlock()

	c.client.Publish(Topics{}.SystemStatus(), c.QoS(), true, buildOnlinePayload(c.cfg.Broker.ClientID))

	if n > 1 {
		if log := c.getLogger(); log != nil {
			log.Info("MQTT link restored", "connects", n)
		}
	}

	c.hookMu.RLock()
	cb := c.onConnect
	c.hookMu.RUnlock()
	if cb != nil {
		cb()
	}
}

func (c *Client) handleDisconnect(err error) {
	c.up.Store(false)

	c.hookMu.RLock()
	cb := c.onDisconnect
	c.hookMu.RUnlock()
	if cb != nil {
		cb(err)
	}
}

// Close replaces the retained status with a graceful offline message and
// disconnects. Safe on a client that never connected.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	if c.IsConnected() {
		token := c.client.Publish(Topics{}.SystemStatus(), c.QoS(), true, buildOfflinePayload(c.cfg.Broker.ClientID))
		token.WaitTimeout(defaultPublishTimeout)
	}
	c.client.Disconnect(defaultDisconnectQuiesce)
	c.up.Store(false)
	return nil
}

// HealthCheck reports ErrNotConnected while the broker link is down.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected combines the tracked state with paho's own view.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.client != nil && c.client.IsConnected()
}

// SetOnConnect installs a hook run after every connect and reconnect.
func (c *Client) SetOnConnect(callback func()) {
	c.hookMu.Lock()
	c.onConnect = callback
	c.hookMu.Unlock()
}

// SetOnDisconnect installs a hook run when the link drops unexpectedly.
func (c *Client) SetOnDisconnect(callback func(err error)) {
	c.hookMu.Lock()
	c.onDisconnect = callback
	c.hookMu.Unlock()
}

// SetLogger sets the logger for handler failures and reconnects.
func (c *Client) SetLogger(logger Logger) {
	c.hookMu.Lock()
	c.logger = logger
	c.hookMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	return c.logger
}

// wrapHandler adapts handler to paho, logging its errors and containing
// panics so one bad command payload cannot stop delivery.
func (c *Client) wrapHandler(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				if log := c.getLogger(); log != nil {
					log.Error("MQTT handler panic recovered", "topic", msg.Topic(), "panic", r)
				}
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			if log := c.getLogger(); log != nil {
				log.Warn("MQTT handler returned error", "topic", msg.Topic(), "error", err)
			}
		}
	}
}
