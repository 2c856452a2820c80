package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type relayFrame struct {
	Origin  string          `json:"origin"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// RedisRelay shares room emits between instances over a Redis pub/sub
// channel. Delivery is at most once; nothing is retried or stored.
type RedisRelay struct {
	rdb        *redis.Client
	channel    string
	instanceID string
	logger     *zap.Logger
}

func NewRedisRelay(rdb *redis.Client, channel string, logger *zap.Logger) *RedisRelay {
	return &RedisRelay{
		rdb:        rdb,
		channel:    channel,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

func (r *RedisRelay) Publish(ctx context.Context, room string, payload []byte) error {
	frame, err := json.Marshal(relayFrame{Origin: r.instanceID, Room: room, Payload: payload})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, frame).Err()
}

// Subscribe returns once the subscription is active and then delivers frames
// from other instances until ctx is cancelled.
func (r *RedisRelay) Subscribe(ctx context.Context, deliver func(room string, payload []byte)) error {
	sub := r.rdb.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}

	r.logger.Info("Realtime relay subscribed",
		zap.String("channel", r.channel),
		zap.String("instance_id", r.instanceID),
	)

	go func() {
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
				var frame relayFrame
				if err := json.Unmarshal([]byte(msg.Payload), &frame); err != nil {
					r.logger.Warn("Discarding malformed relay frame", zap.Error(err))
					continue
				}
				if frame.Origin == r.instanceID {
					continue
				}
				deliver(frame.Room, frame.Payload)
			}
		}
	}()
	return nil
}
