package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore relies on key expiry for the TTL and GETDEL for single use.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "airdrop"
	}

	return &RedisStore{client: client, prefix: trimmedPrefix}
}

func (r *RedisStore) key(wallet string) string {
	return fmt.Sprintf("%s:pkce:%s", r.prefix, wallet)
}

func (r *RedisStore) Put(ctx context.Context, link Link, ttl time.Duration) error {
	body, err := json.Marshal(link)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, r.key(link.WalletAddress), body, ttl).Err()
}

func (r *RedisStore) Take(ctx context.Context, wallet string) (*Link, error) {
	raw, err := r.client.GetDel(ctx, r.key(wallet)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var link Link
	if err := json.Unmarshal(raw, &link); err != nil {
		return nil, fmt.Errorf("pending: decode link state: %w", err)
	}

	return &link, nil
}
