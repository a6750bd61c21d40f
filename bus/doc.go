// Package bus provides broadcast message bus clients for coordinating processes.
//
// # Overview
//
// The MessageBus interface is the only transport boundary of dedupkit. A
// subject plays the role of a topic: every subscriber receives every message
// published to it, the publisher included.
//
// # Available Implementations
//
//   - NATSBus: Production-grade messaging using NATS core subjects
//   - WSBus + WSHub: A relay hub over WebSocket for deployments without NATS
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// # Delivery
//
// Subscriptions never drop messages: each one is backed by an unbounded
// queue in front of its channel. Messages sent by one publisher arrive in
// send order. Messages from different publishers may interleave.
//
//	sub, _ := b.Subscribe("dedup.tasks")
//	b.Publish("dedup.tasks", data)
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
package bus
