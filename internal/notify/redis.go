package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"peerpractice/pkg/types"
)

// RedisConfig selects the server and channel notifications are published on
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// RedisDispatcher publishes notifications as JSON on a pub/sub channel so
// other service instances and external consumers can deliver them
type RedisDispatcher struct {
	client  *redis.Client
	channel string
}

func NewRedisDispatcher(config RedisConfig) *RedisDispatcher {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewRedisDispatcherWithClient(client, config.Channel)
}

func NewRedisDispatcherWithClient(client *redis.Client, channel string) *RedisDispatcher {
	if channel == "" {
		channel = "peerpractice:notifications"
	}
	return &RedisDispatcher{client: client, channel: channel}
}

// Ping checks the server is reachable
func (d *RedisDispatcher) Ping(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (d *RedisDispatcher) Notify(ctx context.Context, n types.Notification) error {
	payload, err := encode(n)
	if err != nil {
		return err
	}
	if err := d.client.Publish(ctx, d.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", n.Event, n.UserID, err)
	}
	return nil
}

func (d *RedisDispatcher) Close() error {
	return d.client.Close()
}

func encode(n types.Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification: %w", err)
	}
	return payload, nil
}
