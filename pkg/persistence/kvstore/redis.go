package kvstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisBackend stores entries under a key prefix. With a TTL every write
// refreshes the expiry, which makes it usable as a session scope shared by
// several client processes.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	owned  bool
}

var _ Backend = &RedisBackend{}

type RedisOption func(*RedisBackend)

func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisBackend) { r.ttl = ttl }
}

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisBackend) { r.prefix = prefix }
}

// NewRedisBackend connects to addr. The returned backend owns the client.
func NewRedisBackend(addr string, opts ...RedisOption) *RedisBackend {
	r := NewRedisBackendFromClient(redis.NewClient(&redis.Options{Addr: addr}), opts...)
	r.owned = true
	return r
}

func NewRedisBackendFromClient(client *redis.Client, opts ...RedisOption) *RedisBackend {
	r := &RedisBackend{client: client, prefix: "tutorchat:"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisBackend) key(k string) string {
	return r.prefix + strings.TrimSpace(k)
}

func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if r == nil || r.client == nil {
		return "", false, errors.New("redis kvstore: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return "", false, errors.New("redis kvstore: empty key")
	}
	v, err := r.client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis kvstore: get")
	}
	return v, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, key, value string) error {
	if r == nil || r.client == nil {
		return errors.New("redis kvstore: client is nil")
	}
	if strings.TrimSpace(key) == "" {
		return errors.New("redis kvstore: empty key")
	}
	if err := r.client.Set(ctx, r.key(key), value, r.ttl).Err(); err != nil {
		return errors.Wrap(err, "redis kvstore: set")
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if r == nil || r.client == nil {
		return errors.New("redis kvstore: client is nil")
	}
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return errors.Wrap(err, "redis kvstore: delete")
	}
	return nil
}

func (r *RedisBackend) Close() error {
	if r == nil || r.client == nil || !r.owned {
		return nil
	}
	return r.client.Close()
}
