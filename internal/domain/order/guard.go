// internal/domain/order/guard.go
package order

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CommitGuard claims a commit token while an order placement is in flight
type CommitGuard interface {
	Claim(ctx context.Context, token string) (bool, error)
	Release(ctx context.Context, token string) error
}

// RedisCommitGuard claims tokens with SET NX and a TTL
type RedisCommitGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCommitGuard creates a guard backed by Redis
func NewRedisCommitGuard(client *redis.Client, ttl time.Duration) *RedisCommitGuard {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisCommitGuard{client: client, ttl: ttl}
}

func commitClaimKey(token string) string {
	return fmt.Sprintf("order:commit:%s", token)
}

// Claim returns false when another caller already holds the token
func (g *RedisCommitGuard) Claim(ctx context.Context, token string) (bool, error) {
	ok, err := g.client.SetNX(ctx, commitClaimKey(token), time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim commit token: %w", err)
	}
	return ok, nil
}

// Release drops the claim so a failed placement can be retried
func (g *RedisCommitGuard) Release(ctx context.Context, token string) error {
	if err := g.client.Del(ctx, commitClaimKey(token)).Err(); err != nil {
		return fmt.Errorf("failed to release commit token: %w", err)
	}
	return nil
}

// nopGuard never rejects; the unique commit_token column still applies
type nopGuard struct{}

func (nopGuard) Claim(context.Context, string) (bool, error) { return true, nil }
func (nopGuard) Release(context.Context, string) error       { return nil }
