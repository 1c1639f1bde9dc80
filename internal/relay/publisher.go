package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/lockgate/internal/bridges/omni"
	"github.com/nerrad567/lockgate/internal/infrastructure/mqtt"
)

// Publisher is the publish side of the MQTT client.
// Satisfied by *mqtt.Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// EventPublisher publishes gateway events to lockgate/event/{deviceId}/{type}.
// It implements omni.EventSink.
type EventPublisher struct {
	client Publisher
	qos    byte
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(client Publisher, qos byte) *EventPublisher {
	return &EventPublisher{client: client, qos: qos}
}

// PublishEvent encodes ev as JSON and publishes it.
func (p *EventPublisher) PublishEvent(_ context.Context, ev omni.Event) error {
	if ev.DeviceID == "" || ev.Type == "" {
		return fmt.Errorf("event missing device or type")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}
	return p.client.Publish(mqtt.Topics{}.LockEvent(ev.DeviceID, ev.Type), payload, p.qos, false)
}

// StatePublisher publishes state patches to lockgate/state/{deviceId}.
// It implements omni.StateSink. Patches are partial, so they are not retained.
type StatePublisher struct {
	client Publisher
	qos    byte
	now    func() time.Time
}

// NewStatePublisher creates a StatePublisher.
func NewStatePublisher(client Publisher, qos byte) *StatePublisher {
	return &StatePublisher{client: client, qos: qos, now: time.Now}
}

// UpsertState publishes patch as a StateMessage.
func (p *StatePublisher) UpsertState(_ context.Context, deviceID string, patch map[string]any) error {
	msg := StateMessage{
		DeviceID:  deviceID,
		Timestamp: p.now().UTC(),
		State:     patch,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	return p.client.Publish(mqtt.Topics{}.LockState(deviceID), payload, p.qos, false)
}
