// Package broker is the shared fan-out layer between process instances.
// Producers publish addressed or broadcast intents onto Redis pub/sub
// channels; every instance subscribes and delivers to the connections
// it owns locally. Delivery is at-most-once, best-effort: an instance
// that is down when a message is published never sees it.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/InsulaLabs/pulse/models"
)

const (
	// ChannelUser carries per-user-addressed messages.
	ChannelUser = "sse-user"
	// ChannelAll carries broadcast messages.
	ChannelAll = "sse-all"
)

type Broker struct {
	rdb    *redis.Client
	logger *slog.Logger
	// eventChannelSize buffers the subscription delivery channel; a
	// burst beyond it blocks the redis reader, not the dispatch loop.
	eventChannelSize int
}

var _ models.Publisher = &Broker{}

func New(logger *slog.Logger, rdb *redis.Client, eventChannelSize int) *Broker {
	if eventChannelSize <= 0 {
		eventChannelSize = 100
	}
	return &Broker{
		rdb:              rdb,
		logger:           logger.WithGroup("broker"),
		eventChannelSize: eventChannelSize,
	}
}

// PublishToUser routes an event to whichever instance holds the user's
// live connection. Succeeding here says nothing about delivery; an
// offline user is a silent no-op downstream.
func (b *Broker) PublishToUser(ctx context.Context, userID string, kind models.EventKind, data []byte) error {
	payload, err := json.Marshal(models.UserMessage{
		UserID:    userID,
		EventType: kind,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelUser, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", ChannelUser, err)
	}
	b.logger.Debug("Published user message", "user_id", userID, "event", kind)
	return nil
}

// PublishToAll routes an event to every live connection cluster-wide.
func (b *Broker) PublishToAll(ctx context.Context, kind models.EventKind, data []byte) error {
	payload, err := json.Marshal(models.BroadcastMessage{
		EventType: kind,
		Data:      data,
	})
	if err != nil {
		return fmt.Errorf("marshal broadcast message: %w", err)
	}
	if err := b.rdb.Publish(ctx, ChannelAll, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", ChannelAll, err)
	}
	b.logger.Debug("Published broadcast message", "event", kind)
	return nil
}

// Run subscribes this process to both logical channels and dispatches
// incoming messages to the sink until the context is done. Exactly one
// Run loop per process instance.
func (b *Broker) Run(ctx context.Context, sink models.SubscriberSink) error {
	pubsub := b.rdb.Subscribe(ctx, ChannelUser, ChannelAll)
	defer pubsub.Close()

	// Force the subscription to be established before we report running,
	// otherwise publishes can race the subscribe on startup.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to broker channels: %w", err)
	}
	b.logger.Info("Broker subscription established", "channels", []string{ChannelUser, ChannelAll})

	ch := pubsub.Channel(redis.WithChannelSize(b.eventChannelSize))
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("Broker subscriber stopping")
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("broker subscription channel closed")
			}
			b.dispatch(msg, sink)
		}
	}
}

func (b *Broker) dispatch(msg *redis.Message, sink models.SubscriberSink) {
	switch msg.Channel {
	case ChannelUser:
		var um models.UserMessage
		if err := json.Unmarshal([]byte(msg.Payload), &um); err != nil {
			b.logger.Warn("Dropping malformed user message", "error", err)
			return
		}
		if um.UserID == "" {
			b.logger.Warn("Dropping user message without user id")
			return
		}
		sink.DeliverToUser(um)
	case ChannelAll:
		var bm models.BroadcastMessage
		if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
			b.logger.Warn("Dropping malformed broadcast message", "error", err)
			return
		}
		sink.DeliverToAll(bm)
	default:
		b.logger.Debug("Ignoring message on unexpected channel", "channel", msg.Channel)
	}
}
