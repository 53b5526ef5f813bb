package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/registry"
)

func TestService_RegisterLookup(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, session("sess-1", "ABC234"))
	require.NoError(t, err)

	sessionID, err := s.Lookup(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", sessionID)
}

func TestService_LookupUnknownCode(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)

	_, err := s.Lookup(context.Background(), "ZZZZZZ")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestService_RegisterIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := makeService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, session("sess-1", "ABC234"))
	require.NoError(t, err)

	// Same ledger session, same code: no-op.
	_, err = s.Register(ctx, session("sess-1", "ABC234"))
	require.NoError(t, err)

	// Different session on a taken code: conflict.
	_, err = s.Register(ctx, session("sess-2", "ABC234"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeAlreadyExists))
}

func TestService_EntryExpires(t *testing.T) {
	t.Parallel()

	s, rs := makeService(t)
	ctx := context.Background()

	_, err := s.Register(ctx, session("sess-1", "ABC234"))
	require.NoError(t, err)

	rs.FastForward(25 * time.Hour)

	_, err = s.Lookup(ctx, "ABC234")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestNewRoomCode(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		code := registry.NewRoomCode()
		require.Len(t, code, 6)
		assert.NotContains(t, code, "0")
		assert.NotContains(t, code, "O")
		assert.NotContains(t, code, "1")
		assert.NotContains(t, code, "I")
		seen[code] = true
	}

	// 100 draws from a 32^6 space colliding would point at a broken generator.
	assert.Greater(t, len(seen), 90)
}

func makeService(t *testing.T) (*registry.Service, *miniredis.Miniredis) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	s := registry.NewService(registry.Config{
		Store: registry.NewRedisStore(rc, "quizchain"),
	})

	return s, rs
}

func session(id, code string) domain.Session {
	return domain.Session{
		ID:       id,
		RoomCode: code,
		HostID:   "host",
		Status:   domain.StatusLobby,
	}
}
