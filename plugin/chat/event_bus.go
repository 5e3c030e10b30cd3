package chat

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// InvalidationTopic carries Invalidation events.
const InvalidationTopic = "conversation.invalidated"

type InvalidationOp string

const (
	InvalidationCreated InvalidationOp = "created"
	InvalidationUpdated InvalidationOp = "updated"
	InvalidationRenamed InvalidationOp = "renamed"
	InvalidationDeleted InvalidationOp = "deleted"
)

// Invalidation announces that the stored conversation list changed.
type Invalidation struct {
	Op             InvalidationOp `json:"op"`
	ConversationID string         `json:"conversationId"`
}

// EventBus is an in-process pub/sub for invalidations.
type EventBus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, watermill.NopLogger{}),
		logger: logger,
	}
}

// Publish delivers inv to every current subscriber.
func (b *EventBus) Publish(inv Invalidation) error {
	payload, err := json.Marshal(inv)
	if err != nil {
		return errors.Wrap(err, "failed to marshal invalidation")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(InvalidationTopic, msg); err != nil {
		b.logger.Warn("failed to publish invalidation", "op", inv.Op, "id", inv.ConversationID, "error", err)
		return errors.Wrap(err, "failed to publish invalidation")
	}
	return nil
}

// Subscribe returns invalidations published after the call until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan Invalidation, error) {
	messages, err := b.pubSub.Subscribe(ctx, InvalidationTopic)
	if err != nil {
		return nil, errors.Wrap(err, "failed to subscribe to invalidations")
	}
	out := make(chan Invalidation)
	go func() {
		defer close(out)
		for msg := range messages {
			var inv Invalidation
			err := json.Unmarshal(msg.Payload, &inv)
			msg.Ack()
			if err != nil {
				b.logger.Warn("dropping malformed invalidation", "uuid", msg.UUID, "error", err)
				continue
			}
			select {
			case out <- inv:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *EventBus) Close() error {
	return b.pubSub.Close()
}
