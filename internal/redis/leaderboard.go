package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/blitzboard/blitzboard/internal/config"
	"github.com/blitzboard/blitzboard/internal/domain"
	"github.com/redis/go-redis/v9"
)

// LeaderboardCache keeps ranked leaderboards in Redis so reads can skip the
// store scan and the sort. Entries expire after the configured TTL and are
// dropped on every write to the game.
type LeaderboardCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewLeaderboardCache connects to Redis and returns the cache
func NewLeaderboardCache(ctx context.Context, cfg *config.RedisConfig, logger *slog.Logger) (*LeaderboardCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	// Test connection
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return NewLeaderboardCacheFromClient(client, cfg.TTL, logger), nil
}

// NewLeaderboardCacheFromClient wraps an existing client
func NewLeaderboardCacheFromClient(client *redis.Client, ttl time.Duration, logger *slog.Logger) *LeaderboardCache {
	return &LeaderboardCache{
		client: client,
		ttl:    ttl,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *LeaderboardCache) Close() error {
	return c.client.Close()
}

// Ping reports whether Redis is reachable
func (c *LeaderboardCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// rankedKey returns the Redis key holding a game's ranked entries
func rankedKey(gameID string) string {
	return fmt.Sprintf("leaderboard:%s:ranked", gameID)
}

// Get returns the cached leaderboard of a game; ok is false on a miss
func (c *LeaderboardCache) Get(ctx context.Context, gameID string) ([]domain.LeaderboardEntry, bool, error) {
	data, err := c.client.Get(ctx, rankedKey(gameID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("getting cached leaderboard: %w", err)
	}

	entries, err := decodeEntries(data)
	if err != nil {
		// A corrupt value is treated as a miss and overwritten on the next fill
		c.logger.Warn("dropping undecodable cached leaderboard", "game_id", gameID, "error", err)
		return nil, false, nil
	}
	return entries, true, nil
}

// Set stores the ranked leaderboard of a game
func (c *LeaderboardCache) Set(ctx context.Context, gameID string, entries []domain.LeaderboardEntry) error {
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding leaderboard: %w", err)
	}
	if err := c.client.Set(ctx, rankedKey(gameID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("caching leaderboard: %w", err)
	}
	return nil
}

// Invalidate drops the cached leaderboards of the given games
func (c *LeaderboardCache) Invalidate(ctx context.Context, gameIDs ...string) error {
	if len(gameIDs) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for _, id := range gameIDs {
		pipe.Del(ctx, rankedKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("invalidating leaderboards: %w", err)
	}
	return nil
}

func decodeEntries(data []byte) ([]domain.LeaderboardEntry, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var entries []domain.LeaderboardEntry
	if err := dec.Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}
