package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "calibration:claim:"

// RedisClaimer implements the advisory cross-replica session claim with a
// SET NX key per session. A claim that cannot be taken means another
// replica is already serving the session; a Redis outage degrades to
// serving it anyway.
type RedisClaimer struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

// NewRedisClaimer builds a claimer. ttl should comfortably exceed the
// client timeout so a live worker never loses its claim.
func NewRedisClaimer(addr string, ttl time.Duration, log *slog.Logger) *RedisClaimer {
	return &RedisClaimer{
		rdb: redis.NewClient(&redis.Options{Addr: addr}),
		ttl: ttl,
		log: log,
	}
}

// Acquire takes the per-session claim. Returns false when another replica
// holds it.
func (c *RedisClaimer) Acquire(ctx context.Context, sessionID, owner string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, claimKeyPrefix+sessionID, owner, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("op=claimer.acquire: %w", err)
	}
	if !ok {
		holder, _ := c.rdb.Get(ctx, claimKeyPrefix+sessionID).Result()
		if holder == owner {
			// Our own claim from a previous attempt; refresh and proceed.
			_ = c.rdb.Expire(ctx, claimKeyPrefix+sessionID, c.ttl).Err()
			return true, nil
		}
		return false, nil
	}
	return true, nil
}

// Release drops the claim if we still hold it.
func (c *RedisClaimer) Release(ctx context.Context, sessionID, owner string) error {
	holder, err := c.rdb.Get(ctx, claimKeyPrefix+sessionID).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("op=claimer.release: %w", err)
	}
	if holder != owner {
		return nil
	}
	if err := c.rdb.Del(ctx, claimKeyPrefix+sessionID).Err(); err != nil {
		return fmt.Errorf("op=claimer.release: %w", err)
	}
	return nil
}

// Close shuts the Redis connection down.
func (c *RedisClaimer) Close() error { return c.rdb.Close() }
