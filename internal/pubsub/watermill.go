package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const (
	metaKeyPrincipal = "principal"
	metaKeyTopic     = "topic"
)

// Bus implements Publisher and Subscriber on top of watermill's in-memory
// GoChannel transport. One Bus instance is shared by the whole process.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter
}

// NewBus initializes the in-process pub/sub bus.
func NewBus() *Bus {
	logger := watermill.NewStdLogger(false, false)
	ch := gochannel.NewGoChannel(gochannel.Config{}, logger)

	return &Bus{
		pub:    ch,
		sub:    ch,
		logger: logger,
	}
}

func toWatermill(msg Message) *message.Message {
	wm := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wm.Metadata.Set(metaKeyPrincipal, msg.Principal)
	wm.Metadata.Set(metaKeyTopic, msg.Topic)
	for k, v := range msg.Metadata {
		wm.Metadata.Set(k, v)
	}
	return wm
}

func fromWatermill(wm *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wm.Metadata {
		if k != metaKeyPrincipal && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	return Message{
		Topic:     wm.Metadata.Get(metaKeyTopic),
		Principal: wm.Metadata.Get(metaKeyPrincipal),
		Payload:   wm.Payload,
		Metadata:  metadata,
	}
}

// Publish implements Publisher.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	return b.pub.Publish(msg.Topic, toWatermill(msg))
}

// Subscribe implements Subscriber. Message processing runs in a background
// goroutine; within one topic messages are handled in publish order.
func (b *Bus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for wm := range messages {
			if err := handler(ctx, fromWatermill(wm)); err != nil {
				slog.Error("bus handler failed", "topic", topic, "msg_id", wm.UUID, "error", err)
				wm.Nack()
				continue
			}
			wm.Ack()
		}
		slog.Debug("bus subscription loop ended", "topic", topic)
	}()

	return nil
}

// Close shuts the bus down and stops message consumption.
func (b *Bus) Close() error {
	return b.sub.Close()
}
