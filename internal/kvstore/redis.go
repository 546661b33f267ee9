package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "nvc:kv:"

// Redis keeps values under a key prefix so Clear only touches its own
// namespace.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*Redis)

func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		if p := strings.TrimSpace(prefix); p != "" {
			r.prefix = p
		}
	}
}

// WithTTL expires values after d. Zero keeps them forever.
func WithTTL(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d >= 0 {
			r.ttl = d
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: defaultRedisPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int, opts ...RedisOption) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

var _ Store = (*Redis)(nil)

func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return data, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	if err := r.client.Set(ctx, r.prefix+key, value, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Remove(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}

func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
