package tokencache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/contentharvest/harvester/internal/harvest"
)

// Redis stores tokens in a key-value cache shared across instances.
// Entry TTL equals the token's remaining lifetime, so a stale token
// can never be read back.
type Redis struct {
	rdb    *redis.Client
	prefix string
	clock  harvest.Clock
}

// NewRedis constructs a Redis token cache.
func NewRedis(rdb *redis.Client, prefix string, clock harvest.Clock) *Redis {
	if prefix == "" {
		prefix = "harvester:token"
	}
	return &Redis{rdb: rdb, prefix: prefix, clock: clock}
}

func (r *Redis) key(ownerID int64) string {
	return fmt.Sprintf("%s:%d", r.prefix, ownerID)
}

// Get implements harvest.TokenCache.
func (r *Redis) Get(ctx context.Context, ownerID int64) (harvest.Token, bool, error) {
	raw, err := r.rdb.Get(ctx, r.key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return harvest.Token{}, false, nil
	}
	if err != nil {
		return harvest.Token{}, false, fmt.Errorf("token cache get: %w", err)
	}
	var token harvest.Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return harvest.Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return token, true, nil
}

// Set implements harvest.TokenCache.
func (r *Redis) Set(ctx context.Context, token harvest.Token) error {
	ttl := token.TTL(r.clock.Now())
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := r.rdb.Set(ctx, r.key(token.OwnerID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("token cache set: %w", err)
	}
	return nil
}
