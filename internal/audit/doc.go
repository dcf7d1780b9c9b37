// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, fan-out, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured audit record with id, timestamp, type, identity, tenant, IP, metadata.
//
// This package owns event buffering and sink delivery. It does not decide which
// events to emit; that belongs to the Engine. Network sinks (Kafka, Postgres)
// live outside internal/ and satisfy [Sink].
package audit
