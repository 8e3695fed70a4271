package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/raffler/internal/domain"
)

// DefaultRaffleTTL bounds how long a header may be served from cache when
// an invalidation is missed.
const DefaultRaffleTTL = 5 * time.Minute

// RaffleCache implements domain.RaffleCache. Each header is a JSON string
// at raffler:raffle:{address}; the engine refreshes it after every commit and
// drops it on close.
type RaffleCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ domain.RaffleCache = (*RaffleCache)(nil)

func NewRaffleCache(c *Client, ttl time.Duration) *RaffleCache {
	if ttl <= 0 {
		ttl = DefaultRaffleTTL
	}
	return &RaffleCache{rdb: c.Underlying(), ttl: ttl}
}

func raffleKey(addr common.Address) string { return keyPrefix + "raffle:" + addr.Hex() }

func (rc *RaffleCache) Set(ctx context.Context, r domain.Raffle) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redis: marshal raffle %s: %w", r.Address.Hex(), err)
	}
	if err := rc.rdb.Set(ctx, raffleKey(r.Address), data, rc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set raffle %s: %w", r.Address.Hex(), err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (rc *RaffleCache) Get(ctx context.Context, addr common.Address) (domain.Raffle, error) {
	data, err := rc.rdb.Get(ctx, raffleKey(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Raffle{}, fmt.Errorf("redis: raffle %s: %w", addr.Hex(), domain.ErrNotFound)
	}
	if err != nil {
		return domain.Raffle{}, fmt.Errorf("redis: get raffle %s: %w", addr.Hex(), err)
	}
	var r domain.Raffle
	if err := json.Unmarshal(data, &r); err != nil {
		return domain.Raffle{}, fmt.Errorf("redis: unmarshal raffle %s: %w", addr.Hex(), err)
	}
	return r, nil
}

func (rc *RaffleCache) Invalidate(ctx context.Context, addr common.Address) error {
	if err := rc.rdb.Del(ctx, raffleKey(addr)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate raffle %s: %w", addr.Hex(), err)
	}
	return nil
}
