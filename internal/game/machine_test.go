package game_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/event"
	"github.com/quizchain/quizchain/internal/game"
	"github.com/quizchain/quizchain/internal/ledger/ledgertest"
	"github.com/quizchain/quizchain/internal/settlement"
	"github.com/quizchain/quizchain/internal/transport"
)

func TestMachine_PlayThroughAndSettle(t *testing.T) {
	t.Parallel()

	questions := []domain.Question{
		question("q1", 0, 1),
		question("q2", 1, 2),
		question("q3", 0, 0),
	}
	f := makeFixture(t, questions)

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	ctx := context.Background()
	require.NoError(t, f.machine.SubmitAnswer(ctx, 0)) // correct, 100
	require.NoError(t, f.machine.SubmitAnswer(ctx, 0)) // wrong
	require.NoError(t, f.machine.SubmitAnswer(ctx, 0)) // correct, difficulty 0 pays nothing

	waitPhase(t, f.machine, domain.StatusReviewing)

	// Second thoughts on q2 while reviewing.
	require.NoError(t, f.machine.Revisit(ctx, 1, 1, 9000))

	res, err := f.machine.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.Batch.TotalScore)
	assert.Equal(t, 3, res.Batch.CorrectCount)
	assert.NotEmpty(t, res.Batch.SettlementRef)

	waitPhase(t, f.machine, domain.StatusSettled)
	<-f.machine.Done()

	score, ok := f.ledger.AcceptedScore(f.sessionID, "alice")
	require.True(t, ok)
	assert.Equal(t, int64(300), score)
}

func TestMachine_SettleRepeatNoOps(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{question("q1", 0, 1)})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	ctx := context.Background()
	require.NoError(t, f.machine.SubmitAnswer(ctx, 0))
	waitPhase(t, f.machine, domain.StatusReviewing)

	first, err := f.machine.Settle(ctx)
	require.NoError(t, err)
	<-f.machine.Done()

	second, err := f.machine.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Batch.SettlementRef, second.Batch.SettlementRef)
	assert.Equal(t, 1, f.ledger.SubmitCalls(), "only one submission must reach the ledger")
}

func TestMachine_DuplicateStartIgnored(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{
		question("q1", 0, 1),
		question("q2", 0, 1),
	})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	require.NoError(t, f.machine.SubmitAnswer(context.Background(), 0))
	require.Eventually(t, func() bool { return f.machine.QuestionIndex() == 1 },
		time.Second, 10*time.Millisecond)

	// A late redundant start, re-sent with a fresh timestamp so it survives
	// envelope dedup, must not rewind the machine to question 0.
	ev, err := transport.NewEvent(f.sessionID, domain.EventGameStarted, domain.StartedPayload{
		Questions: f.questions,
		StartedAt: time.Now(),
	})
	require.NoError(t, err)
	f.bridge.Publish(context.Background(), ev)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, domain.StatusActive, f.machine.Phase())
	assert.Equal(t, 1, f.machine.QuestionIndex())
}

func TestMachine_QuestionDeadlineRecordsTimeout(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{
		question("q1", 0, 1),
		question("q2", 0, 1),
	})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	// Timer 0 is question q1's deadline, timer 1 the whole-session deadline.
	f.clock.fire(t, 0)

	require.Eventually(t, func() bool { return f.machine.QuestionIndex() == 1 },
		time.Second, 10*time.Millisecond)

	records := f.machine.Records()
	require.Len(t, records, 1)
	assert.True(t, records[0].TimedOut())
	assert.Zero(t, records[0].PointsEarned)
	assert.Equal(t, 0, records[0].QuestionIndex)
}

func TestMachine_SessionDeadlineForcesReview(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{
		question("q1", 0, 1),
		question("q2", 0, 1),
		question("q3", 0, 1),
	})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	require.NoError(t, f.machine.SubmitAnswer(context.Background(), 0))
	require.Eventually(t, func() bool { return f.machine.QuestionIndex() == 1 },
		time.Second, 10*time.Millisecond)

	// The whole-session deadline fires while two questions are unanswered.
	f.clock.fire(t, 1)
	waitPhase(t, f.machine, domain.StatusReviewing)

	records := f.machine.Records()
	require.Len(t, records, 3)

	var timedOut int
	for _, r := range records {
		if r.TimedOut() {
			timedOut++
		}
	}
	assert.Equal(t, 2, timedOut)
}

func TestMachine_AnswerOutsideActiveFails(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{question("q1", 0, 1)})

	// Still in the lobby: no question to answer.
	err := f.machine.SubmitAnswer(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeFailedPrecondition))
}

func TestMachine_RevisitOnlyWhileReviewing(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{
		question("q1", 0, 1),
		question("q2", 0, 1),
	})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	ctx := context.Background()

	err := f.machine.Revisit(ctx, 0, 1, 1000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeFailedPrecondition))

	require.NoError(t, f.machine.SubmitAnswer(ctx, 1)) // wrong
	require.NoError(t, f.machine.SubmitAnswer(ctx, 0))
	waitPhase(t, f.machine, domain.StatusReviewing)

	require.NoError(t, f.machine.Revisit(ctx, 0, 0, 5000))

	err = f.machine.Revisit(ctx, 5, 0, 5000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidArgument))

	res, err := f.machine.Settle(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(200), res.Batch.TotalScore)

	// Immutable after settlement.
	err = f.machine.Revisit(ctx, 0, 1, 6000)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeFailedPrecondition))
}

func TestMachine_AbortEventTerminates(t *testing.T) {
	t.Parallel()

	f := makeFixture(t, []domain.Question{question("q1", 0, 1)})

	f.start(t)
	waitPhase(t, f.machine, domain.StatusActive)

	ev, err := transport.NewEvent(f.sessionID, domain.EventGameEnded, domain.EndedPayload{
		Reason:  domain.EndReasonAborted,
		EndedAt: time.Now(),
	})
	require.NoError(t, err)
	f.bridge.Publish(context.Background(), ev)

	<-f.machine.Done()
	assert.Equal(t, domain.StatusAborted, f.machine.Phase())
	assert.True(t, errors.HasCode(f.machine.Err(), errors.CodeAborted))

	// No settlement may follow an abort.
	_, err = f.machine.Settle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeFailedPrecondition))
	assert.Zero(t, f.ledger.SubmitCalls())
}

type fixture struct {
	machine   *game.Machine
	bridge    *transport.Bridge
	ledger    *ledgertest.Ledger
	sessionID string
	questions []domain.Question
	startedAt time.Time
	clock     *fakeClock
}

func makeFixture(t *testing.T, questions []domain.Question) *fixture {
	ctx := context.Background()

	fake := ledgertest.New()
	sessionID, err := fake.CreateSession(ctx, "host", 4, 30*time.Second)
	require.NoError(t, err)
	require.NoError(t, fake.StartSession(ctx, sessionID, questions))

	bus := event.NewBus()
	bridge := transport.New(transport.Config{
		Channels: []transport.Channel{transport.NewLocalChannel(bus)},
		Ledger:   fake,
	})

	clock := &fakeClock{}

	m := game.NewMachine(game.Config{
		Session:     domain.Session{ID: sessionID, RoomCode: "ABC234", Status: domain.StatusLobby},
		Participant: domain.Participant{Address: "alice"},
		Bridge:      bridge,
		Settlement: settlement.New(settlement.Config{
			Ledger:    fake,
			Retries:   4,
			RetryBase: time.Millisecond,
		}),
		NewTimerFunc: clock.newTimer,
	})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	go func() { _ = m.Run(runCtx) }()

	return &fixture{
		machine:   m,
		bridge:    bridge,
		ledger:    fake,
		sessionID: sessionID,
		questions: questions,
		startedAt: time.Now(),
		clock:     clock,
	}
}

func (f *fixture) start(t *testing.T) {
	ev, err := transport.NewEvent(f.sessionID, domain.EventGameStarted, domain.StartedPayload{
		Questions: f.questions,
		StartedAt: f.startedAt,
	})
	require.NoError(t, err)

	f.bridge.Publish(context.Background(), ev)
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

// fakeClock hands out timers that only fire when the test says so. Timers are
// indexed in creation order.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	ch chan time.Time
}

func (c *fakeClock) newTimer(time.Duration) game.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ft := &fakeTimer{ch: make(chan time.Time, 1)}
	c.timers = append(c.timers, ft)
	return ft
}

// fire triggers the i-th created timer, waiting for it to exist first.
func (c *fakeClock) fire(t *testing.T, i int) {
	t.Helper()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.timers) > i
	}, 2*time.Second, 10*time.Millisecond, "timer %d should have been created", i)

	c.mu.Lock()
	ft := c.timers[i]
	c.mu.Unlock()

	select {
	case ft.ch <- time.Now():
	default:
	}
}

func (ft *fakeTimer) C() <-chan time.Time { return ft.ch }
func (ft *fakeTimer) Stop() bool          { return true }
