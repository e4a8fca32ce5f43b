// Package store defines the shared key-value and pub/sub store that
// registries, the event bus and the orchestrator persist through.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for absent or expired keys and empty lists.
var ErrNotFound = errors.New("store: key not found")

// Store is the contract of the shared store. A ttl of zero means no expiry.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	RPush(ctx context.Context, key string, values ...[]byte) error
	LPop(ctx context.Context, key string) ([]byte, error)
	LRange(ctx context.Context, key string, start, stop int) ([][]byte, error)
	LLen(ctx context.Context, key string) (int, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe streams channel payloads until ctx is cancelled.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	Close() error
}

// Purger is implemented by backends that need periodic cleanup of expired data.
type Purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

func GetJSON(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw, ttl)
}

// NormalizeRange maps redis-style inclusive, possibly negative indexes onto
// [0, n). ok is false when the range is empty.
func NormalizeRange(start, stop, n int) (int, int, bool) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}
