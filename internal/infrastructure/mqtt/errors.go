package mqtt

import "errors"

var (
	// ErrNotConnected is returned while the broker link is down.
	ErrNotConnected = errors.New("mqtt: broker link down")

	// ErrConnectionFailed wraps the reason the first connect did not complete.
	ErrConnectionFailed = errors.New("mqtt: broker connect failed")

	// ErrPublishFailed covers oversized payloads, timeouts and broker refusals.
	ErrPublishFailed = errors.New("mqtt: publish failed")

	// ErrSubscribeFailed covers subscribe and unsubscribe failures.
	ErrSubscribeFailed = errors.New("mqtt: subscription failed")

	// ErrInvalidQoS is returned for QoS levels above 2.
	ErrInvalidQoS = errors.New("mqtt: qos out of range")

	// ErrInvalidTopic is returned for empty topics and malformed filters.
	ErrInvalidTopic = errors.New("mqtt: invalid topic")
)
