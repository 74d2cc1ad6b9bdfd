package control

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"codeCollab/backend/internal/cache"
	"codeCollab/backend/internal/logging"
)

// RedisChannel 用 Redis Pub/Sub 充当会议数据通道，同一房间的所有进程订阅同一个 channel
type RedisChannel struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisChannel(rdb *redis.Client, roomID string, log *zap.Logger) *RedisChannel {
	ch := cache.MeetingDataChannel(roomID)
	return &RedisChannel{
		rdb:     rdb,
		channel: ch,
		log:     logging.OrNop(log).Named("datachannel").With(zap.String("channel", ch)),
	}
}

func (c *RedisChannel) Publish(ctx context.Context, data []byte) error {
	if err := c.rdb.Publish(ctx, c.channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", c.channel, err)
	}
	return nil
}

// Subscribe 订阅确认后才返回；cancel 会等投递协程退出
func (c *RedisChannel) Subscribe(ctx context.Context, fn func(context.Context, []byte)) (func(), error) {
	ps := c.rdb.Subscribe(ctx, c.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", c.channel, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					c.log.Debug("subscription closed")
					return
				}
				fn(ctx, []byte(msg.Payload))
			}
		}
	}()

	return func() {
		cancel()
		ps.Close()
		<-done
	}, nil
}
