// Package ledger - Redis backend implementation
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/deadlockssh/deadlockssh/pkg/config"
)

// RedisBackend implements the Backend interface using Redis storage. It
// exists for fleet deployments where several tarpit instances share one
// offense history; the memory backend remains the default and keeps the
// ledger strictly process-local.
type RedisBackend struct {
	client    *redis.Client
	config    config.RedisConfig
	retention time.Duration
}

// NewRedisBackend creates a new Redis backend. Entries expire server-side
// after the retention period, so Evict is a no-op here.
func NewRedisBackend(cfg config.RedisConfig, retention time.Duration) (*RedisBackend, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 3 * time.Second
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "deadlockssh:ledger:"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxRetries:   cfg.MaxRetries,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBackend{
		client:    client,
		config:    cfg,
		retention: retention,
	}, nil
}

// Redis key generation helpers

func (r *RedisBackend) countKey(addr string) string {
	return r.config.KeyPrefix + "count:" + addr
}

func (r *RedisBackend) seenKey(addr string) string {
	return r.config.KeyPrefix + "seen:" + addr
}

func (r *RedisBackend) totalKey() string {
	return r.config.KeyPrefix + "total"
}

func (r *RedisBackend) Record(addr string, now time.Time) (OffenseRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	pipe := r.client.Pipeline()
	incr := pipe.Incr(ctx, r.countKey(addr))
	pipe.Set(ctx, r.seenKey(addr), now.UnixNano(), r.retention)
	if r.retention > 0 {
		pipe.Expire(ctx, r.countKey(addr), r.retention)
	}
	pipe.Incr(ctx, r.totalKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return OffenseRecord{}, fmt.Errorf("failed to record connection: %w", err)
	}

	return OffenseRecord{
		Addr:     addr,
		Count:    incr.Val(),
		LastSeen: now,
	}, nil
}

func (r *RedisBackend) Snapshot() ([]OffenseRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ReadTimeout)
	defer cancel()

	prefix := r.config.KeyPrefix + "count:"
	out := make([]OffenseRecord, 0, 64)

	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		addr := strings.TrimPrefix(iter.Val(), prefix)

		count, err := r.client.Get(ctx, r.countKey(addr)).Result()
		if err != nil {
			continue // expired between scan and get
		}
		n, err := strconv.ParseInt(count, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid count for %s: %w", addr, err)
		}

		rec := OffenseRecord{Addr: addr, Count: n}
		if seen, err := r.client.Get(ctx, r.seenKey(addr)).Result(); err == nil {
			if nanos, err := strconv.ParseInt(seen, 10, 64); err == nil {
				rec.LastSeen = time.Unix(0, nanos)
			}
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan ledger keys: %w", err)
	}

	sortRecords(out)
	return out, nil
}

func (r *RedisBackend) Evict(olderThan time.Time) (int, error) {
	// Retention is enforced by per-key TTLs.
	return 0, nil
}

func (r *RedisBackend) Stats() (BackendStats, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.ReadTimeout)
	defer cancel()

	tracked := 0
	iter := r.client.Scan(ctx, 0, r.config.KeyPrefix+"count:*", 0).Iterator()
	for iter.Next(ctx) {
		tracked++
	}
	if err := iter.Err(); err != nil {
		return BackendStats{}, fmt.Errorf("failed to scan ledger keys: %w", err)
	}

	var total int64
	if val, err := r.client.Get(ctx, r.totalKey()).Result(); err == nil {
		total, _ = strconv.ParseInt(val, 10, 64)
	}

	return BackendStats{
		TrackedAddrs:     tracked,
		TotalConnections: total,
		BackendType:      "redis",
	}, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
