// Package history supplies the mean duration of completed batches per
// city scope, which the progress calculator prefers over its fixed
// per-weight estimate. Lookups are cached in redis when an address is
// configured and fall through to the store otherwise.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freightworks/docket/internal/store"
)

const (
	cacheKeyPrefix = "docket:history:"
	cacheTTL       = 10 * time.Minute
)

// Config holds dependencies for the history service.
type Config struct {
	Store     store.Reader
	RedisAddr string // empty disables the cache
	Logger    *slog.Logger
}

// Service answers duration-history lookups. Safe for concurrent use.
type Service struct {
	store  store.Reader
	client *redis.Client
	logger *slog.Logger
}

// New creates the history service. With a redis address configured the
// connection is verified up front; a missing address just disables the
// cache.
func New(ctx context.Context, cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{store: cfg.Store, logger: logger}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:        cfg.RedisAddr,
			PoolSize:    10,
			PoolTimeout: 5 * time.Second,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		s.client = client
	}
	return s, nil
}

// Close releases the redis connection if one is open.
func (s *Service) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

type cachedAverage struct {
	AvgMs int64 `json:"avg_ms"`
	Count int   `json:"count"`
}

// AverageDurationMs returns the mean completed-batch duration for the
// city. ok is false when no completed batch exists in that scope yet.
func (s *Service) AverageDurationMs(ctx context.Context, city string) (int64, bool, error) {
	if v, hit := s.cacheGet(ctx, city); hit {
		return v.AvgMs, v.Count > 0, nil
	}

	avg, count, err := s.store.AverageBatchDurationMs(ctx, city)
	if err != nil {
		return 0, false, err
	}
	s.cacheSet(ctx, city, cachedAverage{AvgMs: avg, Count: count})
	return avg, count > 0, nil
}

// Invalidate drops the cached average for a city. Called when a batch in
// that scope completes, since the mean just changed.
func (s *Service) Invalidate(ctx context.Context, city string) {
	if s.client == nil {
		return
	}
	if err := s.client.Del(ctx, s.key(city)).Err(); err != nil {
		s.logger.Warn("history cache invalidation failed", "city", city, "error", err)
	}
}

func (s *Service) cacheGet(ctx context.Context, city string) (cachedAverage, bool) {
	if s.client == nil {
		return cachedAverage{}, false
	}
	data, err := s.client.Get(ctx, s.key(city)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn("history cache read failed", "city", city, "error", err)
		}
		return cachedAverage{}, false
	}
	var v cachedAverage
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return cachedAverage{}, false
	}
	return v, true
}

func (s *Service) cacheSet(ctx context.Context, city string, v cachedAverage) {
	if s.client == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.client.Set(ctx, s.key(city), data, cacheTTL).Err(); err != nil {
		s.logger.Warn("history cache write failed", "city", city, "error", err)
	}
}

func (s *Service) key(city string) string {
	return cacheKeyPrefix + city
}
