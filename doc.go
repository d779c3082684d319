// Package relay provides a realtime connection and room-messaging core for
// long-lived full-duplex channels.
//
// # Features
//
//   - Channel lifecycle tracking with liveness probing of silent connections
//   - Room-scoped fan-out with all-but-origin broadcasting
//   - At-least-once reliable delivery with acknowledgment, retry and
//     receiver-side deduplication
//   - Client-side reconnection with exponential backoff and jitter
//   - Sharded registries to avoid lock contention under high channel counts
//   - Event bus and metrics interfaces for observability
//
// # Basic Usage
//
// Create an engine and hand it established transports:
//
//	engine, err := relay.New(
//	    relay.WithMaxChannels(10000),
//	    relay.WithLivenessInterval(30 * time.Second),
//	    relay.WithLivenessTimeout(10 * time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
//	// The transport collaborator hands over an established connection
//	ch, err := engine.OnChannelEstablished(transport)
//
//	// Inbound bytes are pushed by the transport adapter
//	ch.Receive(frameBytes)
//
// # Rooms
//
//	engine.JoinRoom(ch.ID, "lobby")
//	engine.BroadcastToRoom("lobby", payload, ch.ID) // all members except ch
//
// # Reliable Delivery
//
//	msgID, err := engine.SendReliable(ch.ID, payload)
//	engine.OnDeliveryFailed(func(id uuid.UUID, payload []byte) {
//	    // retries exhausted, decide whether to re-submit elsewhere
//	})
//
// # Reconnection (client side)
//
//	coord := relay.NewCoordinator(dialer, relay.ReconnectConfig{
//	    BaseDelay: time.Second,
//	    MaxDelay:  30 * time.Second,
//	})
//	coord.OnReconnected(func() { /* resumed */ })
//	coord.OnReconnectAbandoned(func() { /* give up, re-authenticate */ })
//
// # Wire Format
//
// Frames are length-delimited by the transport and laid out as
// kind(1) | flags(1) | [message id (16)] | [room id length (2) + room id] |
// payload. Kinds: JOIN=1, LEAVE=2, ROOM_MSG=3, RELIABLE_MSG=4, ACK=5,
// PROBE=6, PROBE_ACK=7, ERROR=8.
//
// # Concurrency
//
// Every channel has exactly one writer goroutine; all sends for a channel go
// through its serialized outbound queue, so per-recipient ordering holds
// without global locks. Room and pending-message tables are sharded. Closing
// a channel synchronously cancels its probe and retry state, so no timer
// callback ever fires against a destroyed channel. Timers are driven by an
// injectable clock; tests use a mock clock instead of wall-clock waits.
package relay
