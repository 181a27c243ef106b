package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayMessage struct {
	Node     string   `json:"node"`
	Delivery Delivery `json:"delivery"`
}

// RedisRelay forwards deliveries between nodes over a redis pub/sub
// channel. Each node delivers to its own registry and ignores what it
// published itself.
type RedisRelay struct {
	client  *redis.Client
	channel string
	node    string
}

// NewRedisRelay builds a relay publishing on channel as node.
func NewRedisRelay(client *redis.Client, channel, node string) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, node: node}
}

// Broadcast publishes d for the other nodes.
func (r *RedisRelay) Broadcast(ctx context.Context, d Delivery) error {
	b, err := json.Marshal(relayMessage{Node: r.node, Delivery: d})
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, b).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is cancelled, handing foreign
// deliveries to deliver.
func (r *RedisRelay) Run(ctx context.Context, deliver func(Delivery) map[int]bool) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	zap.L().Info("relay subscribed", zap.String("channel", r.channel), zap.String("node", r.node))

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return fmt.Errorf("redis receive: %w", err)
		}
		r.handle([]byte(msg.Payload), deliver)
	}
}

// handle reports whether the payload was delivered.
func (r *RedisRelay) handle(payload []byte, deliver func(Delivery) map[int]bool) bool {
	var m relayMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		zap.L().Warn("relay payload dropped", zap.Error(err))
		return false
	}
	if m.Node == r.node {
		return false
	}
	deliver(m.Delivery)
	return true
}
