package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Lockgate topic hierarchy.
//
//	lockgate/event/{device}/{type}        lock events (alarms, unlocks, presence)
//	lockgate/state/{device}               retained merged state patches
//	lockgate/command/{device}             inbound command requests
//	lockgate/response/{device}/{request}  command results
//	lockgate/system/status                gateway online/offline (LWT)
const (
	// TopicPrefix is the root of every Lockgate topic.
	TopicPrefix = "lockgate"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "lockgate/system"
)

// Topics provides builders for Lockgate MQTT topics.
// Using these helpers keeps topic naming consistent across publishers and
// subscribers.
//
//	topics := mqtt.Topics{}
//	topics.LockEvent("860000000000001", "alarm")
//	// Returns: "lockgate/event/860000000000001/alarm"
type Topics struct{}

// LockEvent returns the topic for an event raised by a lock.
func (Topics) LockEvent(deviceID, eventType string) string {
	return fmt.Sprintf("%s/event/%s/%s", TopicPrefix, deviceID, eventType)
}

// LockState returns the retained topic carrying a lock's latest state patch.
func (Topics) LockState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// LockCommand returns the topic on which commands for a lock are accepted.
func (Topics) LockCommand(deviceID string) string {
	return fmt.Sprintf("%s/command/%s", TopicPrefix, deviceID)
}

// LockResponse returns the topic on which a command result is published.
func (Topics) LockResponse(deviceID, requestID string) string {
	return fmt.Sprintf("%s/response/%s/%s", TopicPrefix, deviceID, requestID)
}

// SystemStatus returns the gateway status topic (also used for the LWT).
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllLockCommands returns a wildcard matching every lock's command topic.
func (Topics) AllLockCommands() string {
	return TopicPrefix + "/command/+"
}

// AllLockEvents returns a wildcard matching every lock event.
func (Topics) AllLockEvents() string {
	return TopicPrefix + "/event/#"
}

// CommandDevice extracts the device ID from a command topic.
//
// Returns:
//   - string: The device ID
//   - bool: false if topic is not a single-level command topic
func (Topics) CommandDevice(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+"/command/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}
