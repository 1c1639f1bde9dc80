// Package audit records who asked a lock to do what, and which RFID cards
// were granted or refused.
//
// Entries live in the audit_logs table. The Recorder is the write side: the
// HTTP and MQTT command paths call RecordCommand, and it is registered with
// the gateway notifier as an event sink so credential decisions are captured
// without the protocol layer knowing about storage.
package audit
