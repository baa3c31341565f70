package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"briefmatch/internal/config"
)

const defaultRedisChannel = "briefmatch.notifications"

// RedisNotifier publishes notifications on a Redis pub/sub channel for
// downstream delivery services (e-mail, in-app).
type RedisNotifier struct {
	rdb     *goredis.Client
	channel string
}

func NewRedisNotifier(ctx context.Context, cfg config.RedisConfig) (*RedisNotifier, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis addr")
	}
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisNotifierFromClient(rdb, cfg.Channel), nil
}

// NewRedisNotifierFromClient wraps an existing client.
func NewRedisNotifierFromClient(rdb *goredis.Client, channel string) *RedisNotifier {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = defaultRedisChannel
	}
	return &RedisNotifier{rdb: rdb, channel: channel}
}

func (r *RedisNotifier) Notify(ctx context.Context, n Notification) error {
	if r == nil || r.rdb == nil {
		return fmt.Errorf("redis notifier not initialized")
	}
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, raw).Err()
}

func (r *RedisNotifier) Close() error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}
