package realtime

import (
	"context"
	"encoding/json"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const DefaultChannel = "pos:changes"

// RedisBroker shares events between server processes over Redis pub/sub.
// Every subscriber receives the whole channel and filters locally.
type RedisBroker struct {
	client  *redis.Client
	channel string
	buffer  int
}

func NewRedisBroker(client *redis.Client, channel string) *RedisBroker {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisBroker{client: client, channel: channel, buffer: defaultBuffer}
}

func (b *RedisBroker) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubscription(b.buffer)
	sub.stop = cancel

	go func() {
		defer close(sub.events)
		defer pubsub.Close()

		messages := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.Printf("[realtime] skipping malformed event: %v", err)
					continue
				}
				if !filter.Match(event) {
					continue
				}
				select {
				case sub.events <- event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()
	return sub, nil
}
