// Package ledger consumes the authoritative external ledger. The ledger owns
// access control, persistence and idempotency of these calls; this subsystem
// only guarantees it submits one final score per (session, participant) from
// its own side.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quizchain/quizchain/internal/domain"
	"github.com/quizchain/quizchain/internal/errors"
)

// Session is the ledger's authoritative view of a match. The question set is
// fixed on the ledger when the host starts the session, which is what lets a
// participant who missed every best-effort channel still recover the full
// "started" event by polling.
type Session struct {
	ID           string            `json:"id"`
	HostID       string            `json:"host_id"`
	MaxPlayers   int               `json:"max_players"`
	Status       domain.Status     `json:"status"`
	Participants []string          `json:"participants"`
	Questions    []domain.Question `json:"questions"`
	StartedAt    time.Time         `json:"started_at"`
}

// Winner is the ledger's final ranking entry, prize denominated in tokens.
type Winner struct {
	Address string          `json:"address"`
	Score   int64           `json:"score"`
	Prize   decimal.Decimal `json:"prize"`
}

// Client is the ledger surface consumed by this subsystem.
type Client interface {
	CreateSession(ctx context.Context, hostID string, maxPlayers int, questionDuration time.Duration) (sessionID string, err error)
	JoinSession(ctx context.Context, sessionID, participant string) error
	StartSession(ctx context.Context, sessionID string, questions []domain.Question) error
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	SubmitFinalScore(ctx context.Context, sessionID, participant string, totalScore int64, correctCount int) (ref string, err error)
	EndSession(ctx context.Context, sessionID string) error
	GetWinner(ctx context.Context, sessionID string) (*Winner, error)
	GetPlayerScore(ctx context.Context, sessionID, participant string) (int64, error)
}

// IsTransient reports whether err is a timeout or connectivity failure worth
// retrying with backoff.
func IsTransient(err error) bool {
	return errors.HasCode(err, errors.CodeUnavailable) ||
		errors.HasCode(err, errors.CodeDeadlineExceeded)
}

// IsRejected reports whether the ledger refused the call as a business error
// (session not active, already settled, unauthorized). Terminal; surfaced
// verbatim, never retried.
func IsRejected(err error) bool {
	return errors.HasCode(err, errors.CodeFailedPrecondition) ||
		errors.HasCode(err, errors.CodeAlreadyExists) ||
		errors.HasCode(err, errors.CodeNotFound) ||
		errors.HasCode(err, errors.CodeInvalidArgument) ||
		errors.HasCode(err, errors.CodeUnauthenticated)
}
