// Package game runs the per-participant state machine. Each participant is
// one logical, single-threaded cooperative flow: channel events, deadline
// timers, and settlement calls all funnel into one run loop, so no state is
// shared between participants except through the ledger.
package game

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/scoring"
	"github.com/quizchain/quizchain/internal/settlement"
	"github.com/quizchain/quizchain/internal/transport"
)

const eventBuffer = 32

type Config struct {
	Session     domain.Session
	Participant domain.Participant
	Bridge      *transport.Bridge
	Settlement  *settlement.Client

	// NewTimerFunc defaults to real timers.
	NewTimerFunc NewTimerFunc
}

// Machine drives one participant through
// Lobby -> Active(0..N-1) -> Reviewing -> Settled, or to Aborted.
type Machine struct {
	session     domain.Session
	participant domain.Participant
	bridge      *transport.Bridge
	settle      *settlement.Client
	newTimer    NewTimerFunc

	commands chan command
	events   chan transport.Event
	done     chan struct{}

	mu        sync.RWMutex
	phase     domain.Status
	qIndex    int
	questions []domain.Question
	records   []domain.AnswerRecord
	result    *settlement.Result
	abortErr  error
}

type cmdKind int

const (
	cmdAnswer cmdKind = iota
	cmdRevisit
	cmdSettle
	cmdAbort
)

type command struct {
	kind          cmdKind
	questionIndex int
	selectedIndex int
	elapsedMs     int64
	reason        string
	reply         chan cmdResult
}

type cmdResult struct {
	result *settlement.Result
	err    error
}

func NewMachine(c Config) *Machine {
	newTimer := c.NewTimerFunc
	if newTimer == nil {
		newTimer = newRealTimer
	}

	return &Machine{
		session:     c.Session,
		participant: c.Participant,
		bridge:      c.Bridge,
		settle:      c.Settlement,
		newTimer:    newTimer,
		commands:    make(chan command),
		events:      make(chan transport.Event, eventBuffer),
		done:        make(chan struct{}),
		phase:       domain.StatusLobby,
	}
}

// Run consumes events, commands and timers until the machine reaches a
// terminal state or ctx is cancelled. Subscriptions and timers are released
// on every exit path.
func (m *Machine) Run(ctx context.Context) error {
	defer close(m.done)

	enqueue := func(_ context.Context, ev transport.Event) error {
		select {
		case m.events <- ev:
		default:
			slog.Warn("game: event buffer full, dropping",
				"session", m.session.ID,
				"participant", m.participant.Address,
				"event", ev.Type,
			)
		}
		return nil
	}

	cancelStarted := m.bridge.Subscribe(ctx, m.session.ID, domain.EventGameStarted, enqueue)
	defer cancelStarted()
	cancelEnded := m.bridge.Subscribe(ctx, m.session.ID, domain.EventGameEnded, enqueue)
	defer cancelEnded()

	var (
		questionTimer Timer
		sessionTimer  Timer
		questionStart time.Time
	)
	defer func() {
		stopTimer(questionTimer)
		stopTimer(sessionTimer)
	}()

	for {
		select {
		case <-ctx.Done():
			m.toAborted(ctx.Err())
			return ctx.Err()

		case ev := <-m.events:
			switch ev.Type {
			case domain.EventGameStarted:
				if m.Phase() != domain.StatusLobby {
					continue // duplicate start is a no-op
				}

				var p domain.StartedPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil {
					slog.ErrorContext(ctx, "game: malformed started payload",
						"session", m.session.ID,
						"error", err,
					)
					continue
				}
				if len(p.Questions) == 0 {
					continue
				}

				gameStart := p.StartedAt
				if gameStart.IsZero() {
					gameStart = time.Now()
				}

				m.setQuestions(p.Questions)
				m.setPhase(domain.StatusActive, 0)
				questionStart = time.Now()
				questionTimer = m.newTimer(p.Questions[0].TimeLimit())

				var total time.Duration
				for _, q := range p.Questions {
					total += q.TimeLimit()
				}
				sessionTimer = m.newTimer(total - time.Since(gameStart))

			case domain.EventGameEnded:
				var p domain.EndedPayload
				if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Reason == domain.EndReasonAborted {
					m.toAborted(errors.New(errors.CodeAborted,
						errors.WithMessagef("session aborted by host")))
					return nil
				}
				// A completed end is informational; settlement is driven by
				// this participant's own Settle command.
			}

		case <-timerC(questionTimer):
			questionTimer = nil
			if m.Phase() != domain.StatusActive {
				continue
			}

			i := m.QuestionIndex()
			m.record(scoring.Timeout(m.session.ID, m.participant.Address, i, m.questionAt(i)))
			if m.advance(i) {
				questionStart = time.Now()
				questionTimer = m.newTimer(m.questionAt(i + 1).TimeLimit())
			}

		case <-timerC(sessionTimer):
			sessionTimer = nil
			if m.Phase() != domain.StatusActive {
				continue
			}

			// The whole-session deadline bounds the match even when a
			// per-question timer event is lost: everything unanswered at
			// this point becomes a timeout.
			stopTimer(questionTimer)
			questionTimer = nil
			m.fillTimeouts()
			m.setPhase(domain.StatusReviewing, 0)

		case cmd := <-m.commands:
			switch cmd.kind {
			case cmdAnswer:
				res := m.handleAnswer(cmd, questionStart)
				if res.err == nil && m.Phase() == domain.StatusActive {
					stopTimer(questionTimer)
					questionStart = time.Now()
					questionTimer = m.newTimer(m.questionAt(m.QuestionIndex()).TimeLimit())
				}
				if res.err == nil && m.Phase() == domain.StatusReviewing {
					stopTimer(questionTimer)
					questionTimer = nil
				}
				cmd.reply <- res

			case cmdRevisit:
				cmd.reply <- m.handleRevisit(cmd)

			case cmdSettle:
				res := m.handleSettle(ctx)
				cmd.reply <- res

			case cmdAbort:
				m.toAborted(errors.New(errors.CodeAborted,
					errors.WithMessagef("aborted: %s", cmd.reason)))
				cmd.reply <- cmdResult{}
			}
		}

		if m.Phase().Terminal() {
			return nil
		}
	}
}

func (m *Machine) handleAnswer(cmd command, questionStart time.Time) cmdResult {
	phase, i := m.snapshot()
	if phase != domain.StatusActive {
		return cmdResult{err: stateConflict(phase)}
	}

	q := m.questionAt(i)
	elapsed := time.Since(questionStart).Milliseconds()
	m.record(scoring.ScoreAnswer(m.session.ID, m.participant.Address, i, q, cmd.selectedIndex, elapsed))
	m.publishAnswer(i, cmd.selectedIndex, elapsed)

	m.advance(i)
	return cmdResult{}
}

func (m *Machine) publishAnswer(questionIndex, selectedIndex int, elapsedMs int64) {
	ev, err := transport.NewEvent(m.session.ID, domain.EventAnswerSubmitted, domain.AnswerPayload{
		Participant:   m.participant.Address,
		QuestionIndex: questionIndex,
		SelectedIndex: selectedIndex,
		TimeTakenMs:   elapsedMs,
	})
	if err != nil {
		return
	}

	m.bridge.Publish(context.WithoutCancel(context.Background()), ev)
}

// handleRevisit overwrites an already-recorded answer while Reviewing. The
// machine re-enters Active(i) only transiently; observable status stays
// Reviewing.
func (m *Machine) handleRevisit(cmd command) cmdResult {
	phase, _ := m.snapshot()
	if phase != domain.StatusReviewing {
		return cmdResult{err: stateConflict(phase)}
	}
	if cmd.questionIndex < 0 || cmd.questionIndex >= len(m.questionSet()) {
		return cmdResult{err: errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question index out of range: %d", cmd.questionIndex))}
	}

	q := m.questionAt(cmd.questionIndex)
	m.record(scoring.ScoreAnswer(m.session.ID, m.participant.Address, cmd.questionIndex, q, cmd.selectedIndex, cmd.elapsedMs))
	m.publishAnswer(cmd.questionIndex, cmd.selectedIndex, cmd.elapsedMs)

	return cmdResult{}
}

func (m *Machine) handleSettle(ctx context.Context) cmdResult {
	phase, _ := m.snapshot()
	if phase == domain.StatusSettled {
		m.mu.RLock()
		r := m.result
		m.mu.RUnlock()
		return cmdResult{result: r}
	}
	if phase != domain.StatusReviewing {
		return cmdResult{err: stateConflict(phase)}
	}

	batch := scoring.Aggregate(m.Records())
	batch.SessionID = m.session.ID
	batch.Participant = m.participant.Address

	res, err := m.settle.Submit(ctx, batch)
	if err != nil {
		return cmdResult{err: err}
	}

	m.mu.Lock()
	m.result = res
	m.mu.Unlock()
	m.setPhase(domain.StatusSettled, 0)

	return cmdResult{result: res}
}

// advance moves to the next question, or to Reviewing after the last one.
// Reports whether another question follows.
func (m *Machine) advance(i int) bool {
	if i+1 < len(m.questionSet()) {
		m.setPhase(domain.StatusActive, i+1)
		return true
	}

	m.setPhase(domain.StatusReviewing, 0)
	return false
}

// fillTimeouts records a zero-point timeout for every question that has no
// record yet.
func (m *Machine) fillTimeouts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	answered := make(map[int]bool, len(m.records))
	for _, r := range m.records {
		answered[r.QuestionIndex] = true
	}

	for i, q := range m.questions {
		if !answered[i] {
			m.records = append(m.records, scoring.Timeout(m.session.ID, m.participant.Address, i, q))
		}
	}
}

func (m *Machine) toAborted(cause error) {
	m.mu.Lock()
	if m.phase.Terminal() {
		m.mu.Unlock()
		return
	}
	m.phase = domain.StatusAborted
	m.abortErr = cause
	m.mu.Unlock()
}

// SubmitAnswer answers the current question during live play.
func (m *Machine) SubmitAnswer(ctx context.Context, selectedIndex int) error {
	_, err := m.send(ctx, command{kind: cmdAnswer, selectedIndex: selectedIndex})
	return err
}

// Revisit overwrites an already-answered question while Reviewing. Permitted
// only until settlement; afterwards it fails with a state conflict.
func (m *Machine) Revisit(ctx context.Context, questionIndex, selectedIndex int, elapsedMs int64) error {
	_, err := m.send(ctx, command{
		kind:          cmdRevisit,
		questionIndex: questionIndex,
		selectedIndex: selectedIndex,
		elapsedMs:     elapsedMs,
	})
	return err
}

// Settle aggregates this participant's records and commits them to the
// ledger. Safe to call again after success; the repeat no-ops.
func (m *Machine) Settle(ctx context.Context) (*settlement.Result, error) {
	m.mu.RLock()
	if m.phase == domain.StatusSettled {
		r := m.result
		m.mu.RUnlock()
		return r, nil
	}
	m.mu.RUnlock()

	return m.send(ctx, command{kind: cmdSettle})
}

// Abort force-terminates the machine.
func (m *Machine) Abort(ctx context.Context, reason string) error {
	_, err := m.send(ctx, command{kind: cmdAbort, reason: reason})
	return err
}

func (m *Machine) send(ctx context.Context, cmd command) (*settlement.Result, error) {
	cmd.reply = make(chan cmdResult, 1)

	select {
	case m.commands <- cmd:
	case <-m.done:
		return nil, stateConflict(m.Phase())
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-cmd.reply:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done closes when the machine reaches a terminal state.
func (m *Machine) Done() <-chan struct{} { return m.done }

// SessionID returns the ledger session this machine plays in.
func (m *Machine) SessionID() string { return m.session.ID }

// Phase returns the current lifecycle phase.
func (m *Machine) Phase() domain.Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// QuestionIndex returns the current question while Active.
func (m *Machine) QuestionIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.qIndex
}

// Err returns the abort cause, if any.
func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.abortErr
}

// Records returns a copy of this participant's answer records in write order.
func (m *Machine) Records() []domain.AnswerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.AnswerRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *Machine) snapshot() (domain.Status, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase, m.qIndex
}

func (m *Machine) setPhase(phase domain.Status, qIndex int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.phase = phase
	m.qIndex = qIndex
}

func (m *Machine) setQuestions(qs []domain.Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = qs
}

func (m *Machine) questionSet() []domain.Question {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.questions
}

func (m *Machine) questionAt(i int) domain.Question {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.questions[i]
}

func (m *Machine) record(r domain.AnswerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
}

func stateConflict(phase domain.Status) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("state conflict: phase=%s", phase))
}
