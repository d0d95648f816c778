package broadcast

import (
	"context"
	"encoding/json"
	"log"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/attendance"
)

const channel = "rollcall:counts"

// RedisBus spans several API instances: publishes go through a redis channel
// and every instance relays them into its local hub, so a dashboard connected
// anywhere sees mutations made anywhere. With a single instance the plain Hub
// is enough; the backend switch lives in the composition root.
type RedisBus struct {
	hub    *Hub
	client *redis.Client
}

// NewRedisBus wraps a hub with redis pub/sub fan-out.
func NewRedisBus(hub *Hub, client *redis.Client) *RedisBus {
	return &RedisBus{hub: hub, client: client}
}

// Publish sends the aggregate through redis. When redis is unreachable the
// snapshot is delivered locally instead; the underlying write already
// committed, so the error is logged and swallowed either way.
func (b *RedisBus) Publish(eventID string, agg attendance.Aggregate) {
	payload, err := json.Marshal(agg)
	if err != nil {
		log.Printf("broadcast marshal failed (event %s): %v", eventID, err)
		return
	}
	if err := b.client.Publish(context.Background(), channel, payload).Err(); err != nil {
		log.Printf("broadcast redis publish failed (event %s): %v", eventID, err)
		b.hub.Publish(eventID, agg)
	}
}

// Subscribe attaches a local subscriber; delivery arrives via Run.
func (b *RedisBus) Subscribe(eventID string, buffer int) *Subscriber {
	return b.hub.Subscribe(eventID, buffer)
}

// Unsubscribe detaches a local subscriber.
func (b *RedisBus) Unsubscribe(eventID string, sub *Subscriber) {
	b.hub.Unsubscribe(eventID, sub)
}

// Run relays redis messages into the local hub until ctx is done. Messages
// that fail to decode are dropped.
func (b *RedisBus) Run(ctx context.Context) {
	sub := b.client.Subscribe(ctx, channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var agg attendance.Aggregate
			if err := json.Unmarshal([]byte(msg.Payload), &agg); err != nil {
				log.Printf("broadcast decode failed: %v", err)
				continue
			}
			b.hub.Publish(agg.EventID, agg)
		}
	}
}
