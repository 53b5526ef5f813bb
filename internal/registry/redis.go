package registry

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps room code bindings in Redis with TTL expiry.
type RedisStore struct {
	redis  redis.UniversalClient
	prefix string
}

func NewRedisStore(rc redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		redis:  rc,
		prefix: prefix,
	}
}

func (s *RedisStore) Put(ctx context.Context, code, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, s.key(code), sessionID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("registry: put %s: %w", code, err)
	}

	return !ok, nil
}

func (s *RedisStore) Get(ctx context.Context, code string) (string, bool, error) {
	sessionID, err := s.redis.Get(ctx, s.key(code)).Result()
	if stderrors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: get %s: %w", code, err)
	}

	return sessionID, true, nil
}

func (s *RedisStore) key(code string) string {
	return fmt.Sprintf("%s:room:%s", s.prefix, code)
}

var _ Store = (*RedisStore)(nil)
