package schema

import "time"

// OutboundMessage is a serialised event ready to be handed to the broker client.
// Ownership passes to the broker once enqueued.
type OutboundMessage struct {
	Topic        string
	PartitionKey []byte
	Payload      []byte
	EnqueuedAt   time.Time
}

// Size approximates the buffered footprint of the message.
func (m OutboundMessage) Size() int {
	return len(m.PartitionKey) + len(m.Payload)
}
