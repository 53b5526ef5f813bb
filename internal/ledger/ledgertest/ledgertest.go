// Package ledgertest provides an in-memory ledger for tests. It enforces the
// same guarantees the real ledger does: monotonic session status and at most
// one accepted final score per (session, participant).
package ledgertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/ledger"
)

type finalScore struct {
	ref          string
	totalScore   int64
	correctCount int
}

// Ledger is a fake ledger.Client.
type Ledger struct {
	mu       sync.Mutex
	sessions map[string]*ledger.Session
	finals   map[string]map[string]finalScore // sessionID -> participant
	prize    decimal.Decimal

	// TransientFailures makes the next N calls of any kind fail with a
	// retryable error before the ledger behaves normally again.
	transientFailures int

	submitCalls int
}

func New() *Ledger {
	return &Ledger{
		sessions: make(map[string]*ledger.Session),
		finals:   make(map[string]map[string]finalScore),
		prize:    decimal.NewFromInt(1000),
	}
}

// FailNext makes the next n calls return a transient error.
func (l *Ledger) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transientFailures = n
}

// SubmitCalls returns how many SubmitFinalScore calls reached the ledger.
func (l *Ledger) SubmitCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submitCalls
}

// AcceptedScore returns the accepted final score for a participant, if any.
func (l *Ledger) AcceptedScore(sessionID, participant string) (int64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, ok := l.finals[sessionID][participant]
	return f.totalScore, ok
}

func (l *Ledger) failure() error {
	if l.transientFailures > 0 {
		l.transientFailures--
		return errors.New(errors.CodeUnavailable, errors.WithMessagef("ledger: injected transient failure"))
	}
	return nil
}

func (l *Ledger) CreateSession(_ context.Context, hostID string, maxPlayers int, _ time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	l.sessions[id] = &ledger.Session{
		ID:           id,
		HostID:       hostID,
		MaxPlayers:   maxPlayers,
		Status:       domain.StatusLobby,
		Participants: []string{hostID},
	}

	return id, nil
}

func (l *Ledger) JoinSession(_ context.Context, sessionID, participant string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return err
	}

	s, ok := l.sessions[sessionID]
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}
	if s.Status != domain.StatusLobby {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session not joinable: %s", s.Status))
	}

	for _, p := range s.Participants {
		if p == participant {
			return nil // re-join is a no-op
		}
	}
	if len(s.Participants) >= s.MaxPlayers {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session full"))
	}

	s.Participants = append(s.Participants, participant)
	return nil
}

func (l *Ledger) StartSession(_ context.Context, sessionID string, questions []domain.Question) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return err
	}

	s, ok := l.sessions[sessionID]
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}
	if s.Status != domain.StatusLobby {
		return errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session already started"))
	}

	s.Status = domain.StatusActive
	s.Questions = questions
	s.StartedAt = time.Now()
	return nil
}

func (l *Ledger) GetSession(_ context.Context, sessionID string) (*ledger.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return nil, err
	}

	s, ok := l.sessions[sessionID]
	if !ok {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}

	cp := *s
	return &cp, nil
}

func (l *Ledger) SubmitFinalScore(_ context.Context, sessionID, participant string, totalScore int64, correctCount int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return "", err
	}

	l.submitCalls++

	s, ok := l.sessions[sessionID]
	if !ok {
		return "", errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}
	if s.Status != domain.StatusActive {
		return "", errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("session not active: %s", s.Status))
	}

	if l.finals[sessionID] == nil {
		l.finals[sessionID] = make(map[string]finalScore)
	}
	if _, settled := l.finals[sessionID][participant]; settled {
		return "", errors.New(errors.CodeFailedPrecondition, errors.WithMessagef("already settled: %s", participant))
	}

	ref := fmt.Sprintf("settle-%s", uuid.NewString())
	l.finals[sessionID][participant] = finalScore{
		ref:          ref,
		totalScore:   totalScore,
		correctCount: correctCount,
	}

	return ref, nil
}

func (l *Ledger) EndSession(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return err
	}

	s, ok := l.sessions[sessionID]
	if !ok {
		return errors.New(errors.CodeNotFound, errors.WithMessagef("session not found: %s", sessionID))
	}

	s.Status = domain.StatusSettled
	return nil
}

func (l *Ledger) GetWinner(_ context.Context, sessionID string) (*ledger.Winner, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return nil, err
	}

	finals := l.finals[sessionID]
	if len(finals) == 0 {
		return nil, errors.New(errors.CodeNotFound, errors.WithMessagef("no settled scores: %s", sessionID))
	}

	var w ledger.Winner
	first := true
	for participant, f := range finals {
		if first || f.totalScore > w.Score {
			w = ledger.Winner{Address: participant, Score: f.totalScore, Prize: l.prize}
			first = false
		}
	}

	return &w, nil
}

func (l *Ledger) GetPlayerScore(_ context.Context, sessionID, participant string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failure(); err != nil {
		return 0, err
	}

	f, ok := l.finals[sessionID][participant]
	if !ok {
		return 0, errors.New(errors.CodeNotFound, errors.WithMessagef("no settled score: %s", participant))
	}

	return f.totalScore, nil
}

var _ ledger.Client = (*Ledger)(nil)
