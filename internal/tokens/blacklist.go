package tokens

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBlacklist tracks revoked token ids (jti) in redis. Revocation is
// optional; when no redis address is configured the verifier runs without it.
type RedisBlacklist struct {
	client *redis.Client
}

func NewRedisBlacklist(client *redis.Client) *RedisBlacklist {
	return &RedisBlacklist{client: client}
}

func (r *RedisBlacklist) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, blacklistKey(jti)).Result()
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

// Revoke marks a token id revoked until its natural expiry.
func (r *RedisBlacklist) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	return r.client.Set(ctx, blacklistKey(jti), "revoked", ttl).Err()
}

func blacklistKey(jti string) string {
	return fmt.Sprintf("camgw:blacklist:%s", jti)
}
