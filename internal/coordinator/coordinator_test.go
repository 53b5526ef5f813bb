package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizchain/quizchain/internal/coordinator"
	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/event"
	"github.com/quizchain/quizchain/internal/game"
	"github.com/quizchain/quizchain/internal/ledger/ledgertest"
	"github.com/quizchain/quizchain/internal/registry"
	"github.com/quizchain/quizchain/internal/settlement"
	"github.com/quizchain/quizchain/internal/transport"
)

func TestService_FullMatch(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	session, err := f.games.CreateGame(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, session.RoomCode, 6)

	alice, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)
	bob, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "bob"})
	require.NoError(t, err)

	questions := []domain.Question{
		question("q1", 0, 1),
		question("q2", 1, 2),
	}
	require.NoError(t, f.games.StartGame(ctx, session.ID, questions))

	waitPhase(t, alice, domain.StatusActive)
	waitPhase(t, bob, domain.StatusActive)

	// Alice answers everything correctly, Bob misses the second question.
	require.NoError(t, f.games.SubmitAnswer(ctx, session.ID, "alice", 0))
	require.NoError(t, f.games.SubmitAnswer(ctx, session.ID, "alice", 1))
	require.NoError(t, f.games.SubmitAnswer(ctx, session.ID, "bob", 0))
	require.NoError(t, f.games.SubmitAnswer(ctx, session.ID, "bob", 0))

	waitPhase(t, alice, domain.StatusReviewing)
	waitPhase(t, bob, domain.StatusReviewing)

	aliceRes, err := f.games.Settle(ctx, session.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(300), aliceRes.Batch.TotalScore)

	bobRes, err := f.games.Settle(ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bobRes.Batch.TotalScore)

	winner, err := f.games.Winner(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", winner.Address)
	assert.Equal(t, int64(300), winner.Score)

	score, err := f.games.PlayerScore(ctx, session.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(100), score)

	require.NoError(t, f.games.EndGame(ctx, session.ID))
}

func TestService_JoinUnknownCode(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	_, err := f.games.JoinGame(context.Background(), "ZZZZZZ", domain.Participant{Address: "alice"})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))
}

func TestService_RejoinKeepsMachine(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	session, err := f.games.CreateGame(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)

	first, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)

	second, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)

	assert.Same(t, first, second, "re-join must not reset participant state")
}

func TestService_WaitForStart(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	session, err := f.games.CreateGame(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)

	_, err = f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)

	questions := []domain.Question{question("q1", 0, 1)}

	var wg sync.WaitGroup
	wg.Add(1)
	var started *domain.StartedPayload
	var waitErr error
	go func() {
		defer wg.Done()
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		started, waitErr = f.games.WaitForStart(waitCtx, session.ID)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.games.StartGame(ctx, session.ID, questions))

	wg.Wait()
	require.NoError(t, waitErr)
	require.Len(t, started.Questions, 1)
}

func TestService_StartRequiresQuestions(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	err := f.games.StartGame(context.Background(), "sess-1", nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))
}

func TestService_AbortStopsParticipants(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	session, err := f.games.CreateGame(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)

	alice, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)

	require.NoError(t, f.games.StartGame(ctx, session.ID, []domain.Question{question("q1", 0, 1)}))
	waitPhase(t, alice, domain.StatusActive)

	f.games.AbortGame(ctx, session.ID)

	<-alice.Done()
	assert.Equal(t, domain.StatusAborted, alice.Phase())

	_, err = f.games.Settle(ctx, session.ID, "alice")
	require.Error(t, err)
	assert.Zero(t, f.ledger.SubmitCalls())
}

func TestService_LeaveDetachesOneParticipant(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	session, err := f.games.CreateGame(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)

	alice, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "alice"})
	require.NoError(t, err)
	bob, err := f.games.JoinGame(ctx, session.RoomCode, domain.Participant{Address: "bob"})
	require.NoError(t, err)

	f.games.Leave(ctx, session.ID, "alice")
	<-alice.Done()

	_, err = f.games.Machine(session.ID, "alice")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeNotFound))

	// Bob is unaffected and can still play.
	require.NoError(t, f.games.StartGame(ctx, session.ID, []domain.Question{question("q1", 0, 1)}))
	waitPhase(t, bob, domain.StatusActive)
}

type fixture struct {
	games  *coordinator.Service
	ledger *ledgertest.Ledger
}

func makeFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	fake := ledgertest.New()

	bus := event.NewBus()
	bridge := transport.New(transport.Config{
		Channels: []transport.Channel{
			transport.NewLocalChannel(bus),
			transport.NewPushChannel(rc, "quizchain"),
		},
		Ledger:       fake,
		PollInterval: 10 * time.Millisecond,
	})

	games := coordinator.NewService(coordinator.Config{
		Registry: registry.NewService(registry.Config{
			Store: registry.NewRedisStore(rc, "quizchain"),
		}),
		Bridge: bridge,
		Ledger: fake,
		Settlement: settlement.New(settlement.Config{
			Ledger:    fake,
			Retries:   4,
			RetryBase: time.Millisecond,
		}),
		StartWindow: 500 * time.Millisecond,
		NewTimerFunc: func(time.Duration) game.Timer {
			return idleTimer{}
		},
	})

	return &fixture{games: games, ledger: fake}
}

func waitPhase(t *testing.T, m *game.Machine, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return m.Phase() == want },
		2*time.Second, 10*time.Millisecond,
		"machine should reach phase %s", want)
}

func question(id string, correctIndex, difficulty int) domain.Question {
	return domain.Question{
		ID:           id,
		Text:         "?",
		Options:      []string{"a", "b", "c", "d"},
		CorrectIndex: correctIndex,
		Difficulty:   difficulty,
		TimeLimitSec: 30,
	}
}

// idleTimer never fires; deadline behavior is covered by the game package
// tests.
type idleTimer struct{}

func (idleTimer) C() <-chan time.Time { return nil }
func (idleTimer) Stop() bool          { return true }
