// Package relay connects the lock gateway to the message broker and the
// time-series store.
//
// Three adapters live here:
//
//   - EventPublisher and StatePublisher are notifier sinks that publish
//     gateway events and state patches as JSON on lockgate/event/... and
//     lockgate/state/... topics.
//   - CommandRelay subscribes to lockgate/command/+ and runs each command
//     through the gateway controller, answering on
//     lockgate/response/{deviceId}/{requestId}.
//   - TelemetrySink is a state sink that turns battery, signal, lock and
//     position patches into InfluxDB points.
//
// # Command Message
//
//	{"id": "req-1", "command": "unlock", "fields": ["0", "user-7", "1706702400"], "user_id": "ops"}
//
// The command may be a name ("unlock") or a raw two-character code ("L0").
// The lock is taken from the topic.
package relay
