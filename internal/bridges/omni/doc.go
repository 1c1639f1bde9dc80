// Package omni implements the TCP gateway for Omni smart locks.
//
// Locks dial in over long-lived TCP connections and exchange ASCII frames.
// The package accepts those connections, binds each one to the lock's device
// identity, routes inbound frames to per-command handlers, and lets callers
// issue commands and await the lock's correlated reply.
//
// # Architecture
//
//	┌───────────┐   TCP    ┌──────────┐  frames  ┌────────────┐
//	│   Lock    │◄────────►│  Server  │─────────►│ Dispatcher │──► Notifier ──► sinks
//	└───────────┘          └──────────┘          └────────────┘
//	                            │                       │
//	                            ▼                       ▼
//	                       ┌──────────┐          ┌────────────┐
//	                       │ Registry │◄─────────│  Gateway   │◄── Controller
//	                       └──────────┘          └────────────┘
//	                                                    │
//	                                             ┌────────────┐
//	                                             │ Correlator │
//	                                             └────────────┘
//
// # Wire Format
//
// Lock to server:
//
//	*CMDR,OM,<device id>,<timestamp>,<code>[,<field>...]#
//
// Server to lock, prefixed with two 0xFF bytes and followed by a line feed:
//
//	*CMDS,OM,<device id>,<yyyyMMddHHmmss>,<code>[,<field>...]#
//
// Acknowledgements use the code "Re" with the acknowledged code as the only
// field.
//
// # Request Correlation
//
// At most one request per (device, command) pair may be outstanding. A
// second request for the same pair fails with ErrRequestAlreadyPending
// without writing anything. Each request completes exactly once: resolved by
// the matching reply, timed out after the correlator's deadline (10 seconds
// by default), or abandoned when the write fails.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
// Frames from one session are handled in receipt order.
package omni
