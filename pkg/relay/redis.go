package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBackplane.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Channel carries the deliveries. Defaults to "bidsocket.rooms".
	Channel string
	Logger  *slog.Logger
}

// RedisBackplane shares rooms between relay instances over Redis pub/sub.
type RedisBackplane struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*redis.PubSub
}

// NewRedisBackplane connects to Redis and checks the connection with PING.
func NewRedisBackplane(ctx context.Context, opts RedisOptions) (*RedisBackplane, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Channel == "" {
		opts.Channel = "bidsocket.rooms"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return &RedisBackplane{client: client, channel: opts.Channel, logger: opts.Logger}, nil
}

// Publish implements Backplane.
func (b *RedisBackplane) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe implements Backplane.
func (b *RedisBackplane) Subscribe(ctx context.Context, fn func(Delivery)) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	// Wait for the subscription confirmation.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.mu.Lock()
	b.subs = append(b.subs, pubsub)
	b.mu.Unlock()

	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.logger.Error("redis backplane: bad delivery", "payload", msg.Payload, "error", err)
					continue
				}
				fn(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Close implements Backplane.
func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	for _, ps := range b.subs {
		_ = ps.Close()
	}
	b.subs = nil
	b.mu.Unlock()
	return b.client.Close()
}
