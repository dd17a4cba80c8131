package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisStateKey         = "adsync:state"
	redisOperationTimeout = 5 * time.Second
)

// RedisStateBackend keeps the persisted state under a single key. The DSN is
// a regular redis:// URL; an optional "key" query parameter overrides the key
// and "ttl" sets an expiry on every save.
type RedisStateBackend struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

func NewRedisStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = redisStateKey
	}
	var ttl time.Duration
	if raw := strings.TrimSpace(query.Get("ttl")); raw != "" {
		ttl, err = time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
	}
	query.Del("key")
	query.Del("ttl")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	return NewRedisStateBackendWithClient(redis.NewClient(opts), key, ttl), nil
}

func NewRedisStateBackendWithClient(client *redis.Client, key string, ttl time.Duration) *RedisStateBackend {
	key = strings.TrimSpace(key)
	if key == "" {
		key = redisStateKey
	}
	return &RedisStateBackend{client: client, key: key, ttl: ttl}
}

func (b *RedisStateBackend) Load() (*PersistedState, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	payload, err := b.client.Get(ctx, b.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot PersistedState
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *RedisStateBackend) Save(state *PersistedState) error {
	if b == nil || b.client == nil || state == nil {
		return nil
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Set(ctx, b.key, payload, b.ttl).Err()
}

func (b *RedisStateBackend) Purge() error {
	if b == nil || b.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	return b.client.Del(ctx, b.key).Err()
}

func (b *RedisStateBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
