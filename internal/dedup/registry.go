// Package dedup tracks published outcomes in Redis so a redelivered
// message never produces a second visible outcome for the same
// correlation ID.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	outcomeKeyPrefix = "walletrank:outcome:"
	processedKey     = "walletrank:stats:processed"
)

// Registry records which correlation IDs already have a published
// outcome. Lookups fail open: if Redis is unreachable the caller
// proceeds as if the outcome were unseen, and the outcome stream's
// own duplicate window suppresses the republish.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the given Redis client.
// Markers expire after ttl.
func NewRegistry(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// AlreadyPublished reports whether an outcome for the correlation ID
// was already published by this or another worker.
func (r *Registry) AlreadyPublished(ctx context.Context, correlationID string) bool {
	n, err := r.client.Exists(ctx, outcomeKeyPrefix+correlationID).Result()
	if err != nil {
		r.logger.Warn("dedup lookup failed, treating as unseen",
			"correlation_id", correlationID, "error", err)
		return false
	}
	return n > 0
}

// MarkPublished records that an outcome with the given status was
// published for the correlation ID. The first marker for an ID also
// increments the processed counter.
func (r *Registry) MarkPublished(ctx context.Context, correlationID, status string) error {
	set, err := r.client.SetNX(ctx, outcomeKeyPrefix+correlationID, status, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("mark published: %w", err)
	}
	if !set {
		return nil
	}
	if err := r.client.Incr(ctx, processedKey).Err(); err != nil {
		r.logger.Warn("processed counter increment failed", "error", err)
	}
	return nil
}

// PublishedStatus returns the recorded status for a correlation ID,
// or an empty string if no marker exists.
func (r *Registry) PublishedStatus(ctx context.Context, correlationID string) (string, error) {
	status, err := r.client.Get(ctx, outcomeKeyPrefix+correlationID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("published status: %w", err)
	}
	return status, nil
}

// ProcessedCount returns the number of distinct outcomes published
// since the counter was last reset.
func (r *Registry) ProcessedCount(ctx context.Context) (int64, error) {
	n, err := r.client.Get(ctx, processedKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("processed count: %w", err)
	}
	return n, nil
}

// Ping verifies connectivity to Redis.
func (r *Registry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying Redis client.
func (r *Registry) Close() error {
	return r.client.Close()
}
