package pubsub

import "context"

// Message is the envelope passed between components on the bus.
type Message struct {
	// Topic identifies the channel the message belongs to
	// (e.g. "chat.message.persisted").
	Topic string
	// Principal identifies the user the message concerns, when there is one.
	Principal string
	// Payload contains the raw message data, typically JSON.
	Payload []byte
	// Metadata carries arbitrary key-value context (e.g. timestamps).
	Metadata map[string]string
}

// Handler processes a received message. A non-nil error marks the message as
// unprocessed.
type Handler func(ctx context.Context, msg Message) error

// Publisher is the contract for sending messages to the bus.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Subscriber is the contract for receiving messages from the bus.
type Subscriber interface {
	// Subscribe starts listening on topic, processing each message with
	// handler. It returns once the subscription is active.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	Close() error
}
