// Package cache is the Redis-backed read cache and the evictor that applies
// invalidation key lists to it.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"paysync/internal/cachekeys"
	"paysync/internal/metrics"
)

const (
	scanCount   = 500
	unlinkBatch = 500
)

type Store struct {
	rdb    redis.UniversalClient
	logger *slog.Logger
}

func New(rdb redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{rdb: rdb, logger: logger.With("component", "cache")}
}

// GetJSON decodes the value under key into dst. A missing key is a miss, not
// an error.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// A value we cannot decode is as good as absent.
		_ = s.rdb.Del(ctx, key).Err()
		return false, fmt.Errorf("cache decode %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Evict removes every entry matched by keys. Exact keys are deleted in one
// DEL; prefix wildcards are resolved with SCAN and removed with UNLINK. It
// returns the number of entries removed.
func (s *Store) Evict(ctx context.Context, keys []string) (int64, error) {
	var exact []string
	var removed int64

	for _, k := range keys {
		if !cachekeys.IsWildcard(k) {
			exact = append(exact, k)
			continue
		}
		n, err := s.evictPrefix(ctx, cachekeys.Prefix(k))
		removed += n
		if err != nil {
			return removed, err
		}
	}

	if len(exact) > 0 {
		n, err := s.rdb.Del(ctx, exact...).Result()
		if err != nil {
			return removed, fmt.Errorf("cache del: %w", err)
		}
		metrics.CacheEvictions.WithLabelValues("exact").Add(float64(n))
		removed += n
	}
	return removed, nil
}

func (s *Store) evictPrefix(ctx context.Context, prefix string) (int64, error) {
	pattern := escapeGlob(prefix) + "*"
	var (
		cursor  uint64
		removed int64
		batch   []string
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.rdb.Unlink(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("cache unlink %s: %w", pattern, err)
		}
		removed += n
		batch = batch[:0]
		return nil
	}

	for {
		found, next, err := s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		batch = append(batch, found...)
		if len(batch) >= unlinkBatch {
			if err := flush(); err != nil {
				return removed, err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if err := flush(); err != nil {
		return removed, err
	}

	metrics.CacheEvictions.WithLabelValues("prefix").Add(float64(removed))
	s.logger.Debug("prefix evicted", "pattern", pattern, "removed", removed)
	return removed, nil
}

// escapeGlob quotes the characters SCAN MATCH treats as pattern syntax.
func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}
