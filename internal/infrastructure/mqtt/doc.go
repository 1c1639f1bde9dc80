// Package mqtt provides MQTT client connectivity for Lockgate.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Message publishing with QoS guarantees
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) for offline detection
//
// # Topics
//
// Lock events are published to lockgate/event/{device}/{type}, merged state
// patches to the retained lockgate/state/{device}, and command requests are
// accepted on lockgate/command/{device} with results on
// lockgate/response/{device}/{request}. See Topics.
//
// # Security Considerations
//
//   - TLS should be enabled outside development (cfg.Broker.TLS=true)
//   - Anyone who can publish to lockgate/command/# can unlock doors; restrict
//     it with broker ACLs
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.LockEvent(id, "alarm"), payload, 1, false)
package mqtt
