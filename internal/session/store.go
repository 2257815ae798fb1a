// Package session provides session-scoped key/value storage for values
// that live only for the duration of a login flow. Every value is read
// at most once: GetDel removes what it returns.
package session

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DefaultTTL bounds how long an abandoned flow leaves values behind.
const DefaultTTL = 10 * time.Minute

// Store is session-scoped storage with read-once semantics.
type Store interface {
	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// GetDel returns the value under key and removes it. The bool is
	// false when the key is absent or expired.
	GetDel(ctx context.Context, key string) (string, bool, error)
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
}

// Type represents the type of store backend.
type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

// ParseType converts a string to a Type. Unknown values fall back to
// memory.
func ParseType(s string) Type {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case TypeRedis:
		return TypeRedis
	default:
		return TypeMemory
	}
}

// Config selects and configures a backend.
type Config struct {
	Type  Type
	TTL   time.Duration
	Redis RedisOptions
}

// NewStore creates the backend named by cfg.Type.
func NewStore(cfg Config) (Store, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	switch cfg.Type {
	case TypeMemory, "":
		return NewMemoryStore(ttl), nil
	case TypeRedis:
		opts := cfg.Redis
		opts.TTL = ttl

		return NewRedisStoreFromOptions(opts)
	default:
		return nil, fmt.Errorf("unsupported session store type: %q", cfg.Type)
	}
}
