// Package coordinator binds the registry, bridge, scoring, state machines and
// settlement into the command surface consumed by the presentation layer.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
	"github.com/quizchain/quizchain/internal/game"
	"github.com/quizchain/quizchain/internal/ledger"
	"github.com/quizchain/quizchain/internal/registry"
	"github.com/quizchain/quizchain/internal/settlement"
	"github.com/quizchain/quizchain/internal/transport"
)

const (
	defaultStartWindow  = 10 * time.Second
	roomCodeAttempts    = 5
	defaultQuestionTime = 30 * time.Second
)

// AnswerStore archives a participant's final record set. Optional.
type AnswerStore interface {
	SaveAnswers(ctx context.Context, records []domain.AnswerRecord) error
}

type Config struct {
	Registry   *registry.Service
	Bridge     *transport.Bridge
	Ledger     ledger.Client
	Settlement *settlement.Client
	Answers    AnswerStore

	// StartWindow bounds how long a joiner waits on the best-effort channels
	// before falling back to the ledger poll.
	StartWindow time.Duration

	// NewTimerFunc is passed through to state machines; tests override it.
	NewTimerFunc game.NewTimerFunc
}

type Service struct {
	registry *registry.Service
	bridge   *transport.Bridge
	ledger   ledger.Client
	settle   *settlement.Client
	answers  AnswerStore

	startWindow time.Duration
	newTimer    game.NewTimerFunc

	mu       sync.Mutex
	machines map[string]*machineEntry
}

type machineEntry struct {
	machine *game.Machine
	cancel  context.CancelFunc
}

func NewService(c Config) *Service {
	startWindow := c.StartWindow
	if startWindow == 0 {
		startWindow = defaultStartWindow
	}

	return &Service{
		registry:    c.Registry,
		bridge:      c.Bridge,
		ledger:      c.Ledger,
		settle:      c.Settlement,
		answers:     c.Answers,
		startWindow: startWindow,
		newTimer:    c.NewTimerFunc,
		machines:    make(map[string]*machineEntry),
	}
}

// CreateGame registers a new session on the ledger and binds a fresh room
// code to it.
func (s *Service) CreateGame(ctx context.Context, hostID string, maxPlayers int, questionDuration time.Duration) (*domain.Session, error) {
	if questionDuration == 0 {
		questionDuration = defaultQuestionTime
	}

	sessionID, err := s.ledger.CreateSession(ctx, hostID, maxPlayers, questionDuration)
	if err != nil {
		return nil, err
	}

	session := domain.Session{
		ID:               sessionID,
		HostID:           hostID,
		MaxPlayers:       maxPlayers,
		QuestionDuration: questionDuration,
		Status:           domain.StatusLobby,
		CreatedAt:        time.Now(),
	}

	// Codes collide rarely; retry with a fresh one rather than surfacing the
	// conflict to the host.
	for attempt := 0; attempt < roomCodeAttempts; attempt++ {
		session.RoomCode = registry.NewRoomCode()
		if _, err = s.registry.Register(ctx, session); err == nil {
			break
		}
		if !errors.HasCode(err, errors.CodeAlreadyExists) {
			return nil, err
		}
	}
	if err != nil {
		return nil, err
	}

	s.bridge.Bind(session.ID, session.RoomCode)

	slog.InfoContext(ctx, "coordinator: game created",
		"session", session.ID,
		"room_code", session.RoomCode,
		"host", hostID,
	)

	return &session, nil
}

// JoinGame resolves the room code, joins the ledger session, starts this
// participant's state machine and announces the join.
func (s *Service) JoinGame(ctx context.Context, roomCode string, p domain.Participant) (*game.Machine, error) {
	sessionID, err := s.registry.Lookup(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.JoinSession(ctx, sessionID, p.Address); err != nil {
		return nil, err
	}

	s.bridge.Bind(sessionID, roomCode)

	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}

	s.mu.Lock()
	key := machineKey(sessionID, p.Address)
	if entry, ok := s.machines[key]; ok {
		// Re-join: the existing machine keeps its state.
		s.mu.Unlock()
		return entry.machine, nil
	}

	m := game.NewMachine(game.Config{
		Session:      domain.Session{ID: sessionID, RoomCode: roomCode, Status: domain.StatusLobby},
		Participant:  p,
		Bridge:       s.bridge,
		Settlement:   s.settle,
		NewTimerFunc: s.newTimer,
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.machines[key] = &machineEntry{machine: m, cancel: cancel}
	s.mu.Unlock()

	go func() {
		if err := m.Run(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("coordinator: machine stopped",
				"session", sessionID,
				"participant", p.Address,
				"error", err,
			)
		}
	}()

	ev, err := transport.NewEvent(sessionID, domain.EventParticipantJoined, domain.JoinedPayload{
		Address:     p.Address,
		DisplayName: p.DisplayName,
		IsHost:      p.IsHost,
		JoinedAt:    p.JoinedAt,
	})
	if err == nil {
		s.bridge.Publish(ctx, ev)
	}

	return m, nil
}

// StartGame fixes the question set on the ledger and fans the started event
// out to every participant.
func (s *Service) StartGame(ctx context.Context, sessionID string, questions []domain.Question) error {
	if len(questions) == 0 {
		return errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question set is empty"))
	}

	if err := s.ledger.StartSession(ctx, sessionID, questions); err != nil {
		return err
	}

	ev, err := transport.NewEvent(sessionID, domain.EventGameStarted, domain.StartedPayload{
		Questions: questions,
		StartedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	s.bridge.Publish(ctx, ev)

	return nil
}

// WaitForStart blocks until the started event is observed on any channel,
// falling back to the authoritative ledger poll.
func (s *Service) WaitForStart(ctx context.Context, sessionID string) (*domain.StartedPayload, error) {
	return s.bridge.WaitForStarted(ctx, sessionID, s.startWindow)
}

// SubmitAnswer answers the participant's current question.
func (s *Service) SubmitAnswer(ctx context.Context, sessionID, participant string, selectedIndex int) error {
	m, err := s.machine(sessionID, participant)
	if err != nil {
		return err
	}

	return m.SubmitAnswer(ctx, selectedIndex)
}

// Revisit overwrites an earlier answer while the participant is Reviewing.
func (s *Service) Revisit(ctx context.Context, sessionID, participant string, questionIndex, selectedIndex int, elapsedMs int64) error {
	m, err := s.machine(sessionID, participant)
	if err != nil {
		return err
	}

	return m.Revisit(ctx, questionIndex, selectedIndex, elapsedMs)
}

// Settle commits the participant's aggregate to the ledger and archives the
// final record set.
func (s *Service) Settle(ctx context.Context, sessionID, participant string) (*settlement.Result, error) {
	m, err := s.machine(sessionID, participant)
	if err != nil {
		return nil, err
	}

	res, err := m.Settle(ctx)
	if err != nil {
		return nil, err
	}

	if s.answers != nil && !res.AlreadySettled {
		if err := s.answers.SaveAnswers(ctx, m.Records()); err != nil {
			slog.ErrorContext(ctx, "coordinator: archive answers failed",
				"session", sessionID,
				"participant", participant,
				"error", err,
			)
		}
	}

	return res, nil
}

// EndGame closes the session on the ledger and announces the end.
func (s *Service) EndGame(ctx context.Context, sessionID string) error {
	if err := s.ledger.EndSession(ctx, sessionID); err != nil {
		return err
	}

	s.publishEnded(ctx, sessionID, domain.EndReasonCompleted)
	return nil
}

// AbortGame is the host-issued abort: every participant observing the event
// cancels its own timers and polling loops.
func (s *Service) AbortGame(ctx context.Context, sessionID string) {
	s.publishEnded(ctx, sessionID, domain.EndReasonAborted)
}

func (s *Service) publishEnded(ctx context.Context, sessionID, reason string) {
	ev, err := transport.NewEvent(sessionID, domain.EventGameEnded, domain.EndedPayload{
		Reason:  reason,
		EndedAt: time.Now(),
	})
	if err != nil {
		return
	}

	s.bridge.Publish(ctx, ev)
}

// Leave tears down one participant's machine, releasing its subscriptions and
// timers. Other participants are unaffected.
func (s *Service) Leave(_ context.Context, sessionID, participant string) {
	s.mu.Lock()
	key := machineKey(sessionID, participant)
	entry, ok := s.machines[key]
	if ok {
		delete(s.machines, key)
	}
	s.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Winner reads the final ranking from the ledger.
func (s *Service) Winner(ctx context.Context, sessionID string) (*ledger.Winner, error) {
	return s.ledger.GetWinner(ctx, sessionID)
}

// PlayerScore reads a settled score from the ledger.
func (s *Service) PlayerScore(ctx context.Context, sessionID, participant string) (int64, error) {
	return s.ledger.GetPlayerScore(ctx, sessionID, participant)
}

// Machine exposes a participant's state machine to the gateway.
func (s *Service) Machine(sessionID, participant string) (*game.Machine, error) {
	return s.machine(sessionID, participant)
}

func (s *Service) machine(sessionID, participant string) (*game.Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.machines[machineKey(sessionID, participant)]
	if !ok {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("participant not joined: session=%s participant=%s", sessionID, participant))
	}

	return entry.machine, nil
}

func machineKey(sessionID, participant string) string {
	return sessionID + "|" + participant
}
