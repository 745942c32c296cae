package fanout

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
)

const (
	publishAttempts    = 4
	publishBackoffBase = 50 * time.Millisecond
)

// RedisBus is the Bus implementation over Redis pub/sub. Any instance can
// reach the clients connected to any other instance through it.
type RedisBus struct {
	client *redis.Client
	logger hclog.Logger
}

func NewRedisBus(ctx context.Context, addr, password string, logger hclog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{client: client, logger: logger.Named("redisbus")}, nil
}

// Publish sends the payload, retrying transient failures with exponential
// backoff. A final failure is logged and reported, never escalated into a
// room failure by callers.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var err error
	backoff := publishBackoffBase
	for attempt := 0; attempt < publishAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}
		if err = b.client.Publish(ctx, channel, payload).Err(); err == nil {
			return nil
		}
		b.logger.Warn("publish failed", "channel", channel, "attempt", attempt+1, "error", err)
	}
	b.logger.Error("giving up publishing", "channel", channel, "error", err)
	return err
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	// force the subscription to be established before returning
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}
	sub := &redisSub{pubsub: pubsub, ch: make(chan []byte, memorySubBuffer)}
	go sub.pump(ctx)
	return sub, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

type redisSub struct {
	pubsub *redis.PubSub
	ch     chan []byte
}

func (s *redisSub) pump(ctx context.Context) {
	defer close(s.ch)
	msgs := s.pubsub.Channel()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *redisSub) C() <-chan []byte { return s.ch }

func (s *redisSub) Close() error {
	return s.pubsub.Close()
}
