package realtime

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zombor/billscan/internal/bill"
)

// DefaultChannelPrefix namespaces connection channels
const DefaultChannelPrefix = "billscan:conn:"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisTransport publishes messages on one Redis channel per connection.
// A connection with no subscriber on its channel is reported gone.
type RedisTransport struct {
	client publisher
	closer func() error
	prefix string
}

// NewRedisTransport connects to Redis and returns a transport
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	t := newRedisTransport(client, cfg.Prefix)
	t.closer = client.Close
	return t, nil
}

func newRedisTransport(client publisher, prefix string) *RedisTransport {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisTransport{
		client: client,
		closer: func() error { return nil },
		prefix: prefix,
	}
}

// Channel returns the channel a connection subscribes to
func (t *RedisTransport) Channel(connectionID string) string {
	return t.prefix + connectionID
}

// Deliver implements bill.Transport
func (t *RedisTransport) Deliver(ctx context.Context, connectionID string, payload []byte) error {
	receivers, err := t.client.Publish(ctx, t.Channel(connectionID), payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if receivers == 0 {
		return fmt.Errorf("%w: no subscriber for %s", bill.ErrConnectionGone, connectionID)
	}
	return nil
}

// Close closes the Redis connection
func (t *RedisTransport) Close() error {
	return t.closer()
}

var _ bill.Transport = (*RedisTransport)(nil)
