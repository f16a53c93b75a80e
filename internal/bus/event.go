package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds used by sigd:
//
//	transport.status_changed - state machine transition (payload status.StatusChange)
//	transport.healthy        - subprocess probe succeeded, channel usable
//	transport.unhealthy      - subprocess exited unexpectedly, restart pending
//	transport.stopped        - explicit disconnect
//	message.received         - decoded inbound envelope (payload *signal.InboundEnvelope)
//	message.queued           - outbound message buffered for later delivery
//	message.sent             - outbound message accepted by signal-cli
//	message.send_failed      - outbound send attempt failed, message re-queued
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
