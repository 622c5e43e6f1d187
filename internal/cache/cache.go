// Package cache keeps recently produced score records in Redis so repeated
// submissions of an event are answered without touching history.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"fraud-anomaly-scoring/internal/domain"
)

// ScoreCache stores score records keyed by event ID and model version.
type ScoreCache interface {
	Get(ctx context.Context, eventID, modelVersion string) (domain.ScoreRecord, bool, error)
	Set(ctx context.Context, rec domain.ScoreRecord) error
}

// Options configure the Redis cache.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// Redis is a ScoreCache backed by go-redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	logger zerolog.Logger
}

var _ ScoreCache = (*Redis)(nil)

// NewRedis connects to opts.Addr and verifies the connection.
func NewRedis(ctx context.Context, opts Options, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedisWithClient(client, opts, logger), nil
}

// NewRedisWithClient wraps an existing client (single node or cluster).
func NewRedisWithClient(client redis.UniversalClient, opts Options, logger zerolog.Logger) *Redis {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "fraudwatcher"
	}
	return &Redis{
		client: client,
		ttl:    ttl,
		prefix: prefix,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

// Key returns the Redis key for an (event, model version) pair.
func (r *Redis) Key(eventID, modelVersion string) string {
	return fmt.Sprintf("%s:score:%s:%s", r.prefix, modelVersion, eventID)
}

// Get implements ScoreCache. A miss is (zero, false, nil).
func (r *Redis) Get(ctx context.Context, eventID, modelVersion string) (domain.ScoreRecord, bool, error) {
	raw, err := r.client.Get(ctx, r.Key(eventID, modelVersion)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.ScoreRecord{}, false, nil
	}
	if err != nil {
		return domain.ScoreRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec domain.ScoreRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.ScoreRecord{}, false, fmt.Errorf("decode cached score: %w", err)
	}
	return rec, true, nil
}

// Set implements ScoreCache. Records are immutable, so SETNX keeps the
// first writer's copy.
func (r *Redis) Set(ctx context.Context, rec domain.ScoreRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode score: %w", err)
	}
	if err := r.client.SetNX(ctx, r.Key(rec.EventID, rec.ModelVersion), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
