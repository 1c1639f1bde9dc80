package mqtt

import (
	"fmt"
	"strings"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Subscribe routes messages matching filter to handler and remembers the
// subscription so it is replayed after a reconnect.
//
// The relay subscribes once to Topics{}.AllLockCommands(); every lock's
// command topic is delivered through that single filter. Handlers run on
// paho's delivery goroutine, so a slow handler delays the next command.
func (c *Client) Subscribe(filter string, qos byte, handler MessageHandler) error {
	if err := validFilter(filter); err != nil {
		return err
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler for %s", ErrSubscribeFailed, filter)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	prev, replaced := c.subscriptions[filter]
	c.subscriptions[filter] = subscription{topic: filter, qos: qos, handler: handler}
	c.subMu.Unlock()

	if err := await(c.client.Subscribe(filter, qos, c.wrapHandler(handler)), ErrSubscribeFailed); err != nil {
		c.subMu.Lock()
		if replaced {
			c.subscriptions[filter] = prev
		} else {
			delete(c.subscriptions, filter)
		}
		c.subMu.Unlock()
		return fmt.Errorf("%s: %w", filter, err)
	}
	return nil
}

// Unsubscribe drops filter locally and at the broker. Messages already in
// flight may still reach the old handler.
func (c *Client) Unsubscribe(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subMu.Lock()
	delete(c.subscriptions, filter)
	c.subMu.Unlock()

	if err := await(c.client.Unsubscribe(filter), ErrSubscribeFailed); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", filter, err)
	}
	return nil
}

// SubscriptionCount returns how many filters are replayed on reconnect.
func (c *Client) SubscriptionCount() int {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.subscriptions)
}

// HasSubscription reports whether filter, compared literally, is tracked.
func (c *Client) HasSubscription(filter string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subscriptions[filter]
	return ok
}

// validFilter enforces MQTT filter syntax: "+" occupies a whole level and
// "#" only the last one.
func validFilter(filter string) error {
	if filter == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#" && i != len(levels)-1:
			return fmt.Errorf("%w: %q has # before the last level", ErrInvalidTopic, filter)
		case level != "+" && level != "#" && strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes a wildcard into level %q", ErrInvalidTopic, filter, level)
		}
	}
	return nil
}

// await waits for a paho token and wraps its outcome in sentinel.
func await(token pahomqtt.Token, sentinel error) error {
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: no broker ack within %v", sentinel, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", sentinel, err)
	}
	return nil
}
