package redis

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// subscribeBuffer is the per-subscription relay depth. A consumer that
// stalls for longer than this many notices starts blocking the relay
// against its own context instead of the Redis reader.
const subscribeBuffer = 64

// PubSub fans schedule refresh notices out to project subscribers over
// Redis pub/sub. Delivery is at-most-once: a client that misses a notice
// recovers by re-reading the schedule through the API on reconnect.
type PubSub struct {
	client *redis.Client
}

func NewPubSub(client *redis.Client) *PubSub {
	return &PubSub{client: client}
}

// Publish sends one marshaled notice to every live subscriber of channel.
func (ps *PubSub) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ps.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis.PubSub.Publish: %w", err)
	}
	return nil
}

// Subscribe opens a subscription on channel and relays payloads until ctx
// ends or the returned cleanup runs. Both paths close the outbound channel.
func (ps *PubSub) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := ps.client.Subscribe(ctx, channel)

	// Block until Redis confirms the subscription.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis.PubSub.Subscribe: receive confirmation: %w", err)
	}

	var once sync.Once
	closeSub := func() { once.Do(func() { _ = sub.Close() }) }

	// Closing the subscription ends sub.Channel, which ends the relay.
	go func() {
		<-ctx.Done()
		closeSub()
	}()

	out := make(chan []byte, subscribeBuffer)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, closeSub, nil
}
