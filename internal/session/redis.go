package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// DefaultKeyPrefix namespaces session keys in a shared Redis.
const DefaultKeyPrefix = "farmctl:session:"

// RedisOptions contains configuration for the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// SessionID scopes keys to one client session.
	SessionID string
	// Prefix defaults to DefaultKeyPrefix.
	Prefix string
	TTL    time.Duration
}

// RedisStore implements Store on Redis via rueidis. Values are written
// with an expiry so abandoned flows clean themselves up.
type RedisStore struct {
	client rueidis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore wraps an existing rueidis client.
func NewRedisStore(client rueidis.Client, opts RedisOptions) *RedisStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	if opts.SessionID != "" {
		prefix += opts.SessionID + ":"
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisStoreFromOptions dials Redis and returns a store.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{opts.Addr},
		Password:     opts.Password,
		SelectDB:     opts.DB,
		DisableCache: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating redis client: %w", err)
	}

	return NewRedisStore(client, opts), nil
}

// Close closes the Redis client connection.
func (r *RedisStore) Close() {
	r.client.Close()
}

func (r *RedisStore) key(k string) string {
	return r.prefix + k
}

// Set writes value under key with the store TTL.
func (r *RedisStore) Set(ctx context.Context, key, value string) error {
	seconds := int64(r.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	cmd := r.client.B().Set().Key(r.key(key)).Value(value).ExSeconds(seconds).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("setting session key %s: %w", key, err)
	}

	return nil
}

// GetDel atomically reads and removes key.
func (r *RedisStore) GetDel(ctx context.Context, key string) (string, bool, error) {
	cmd := r.client.B().Getdel().Key(r.key(key)).Build()

	v, err := r.client.Do(ctx, cmd).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("reading session key %s: %w", key, err)
	}

	return v, true, nil
}

// Delete removes keys.
func (r *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}

	cmd := r.client.B().Del().Key(full...).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("deleting session keys: %w", err)
	}

	return nil
}
