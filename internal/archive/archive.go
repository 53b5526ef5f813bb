// Package archive persists settled results to Postgres. Gameplay never reads
// from here; the archive exists for history and reporting, and the ledger
// stays the source of truth.
package archive

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizchain/quizchain/internal/domain"
)

type Config struct {
	DB *pgxpool.Pool
}

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(c Config) *Repository {
	return &Repository{db: c.DB}
}

// SaveAnswers upserts the latest record per (session, participant, question).
// Revisits overwrite; the unique key keeps exactly one live row.
func (r *Repository) SaveAnswers(ctx context.Context, records []domain.AnswerRecord) error {
	const stmt = `
INSERT INTO answer_records (session_id, participant, question_index, selected_index, is_correct, points_earned, time_taken_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (session_id, participant, question_index) DO UPDATE SET
	selected_index = EXCLUDED.selected_index,
	is_correct     = EXCLUDED.is_correct,
	points_earned  = EXCLUDED.points_earned,
	time_taken_ms  = EXCLUDED.time_taken_ms;`

	batch := new(pgx.Batch)
	for _, rec := range records {
		batch.Queue(stmt,
			rec.SessionID, rec.Participant, rec.QuestionIndex,
			rec.SelectedIndex, rec.IsCorrect, rec.PointsEarned, rec.TimeTakenMs,
		)
	}

	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("archive: save answers: %w", err)
	}

	return nil
}

// SaveBatch records an accepted settlement. Idempotent on (session, participant):
// a batch is settled at most once, so a conflicting insert is a no-op.
func (r *Repository) SaveBatch(ctx context.Context, batch domain.ScoreBatch) error {
	const stmt = `
INSERT INTO score_batches (session_id, participant, total_score, correct_count, submitted_at, settlement_ref)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (session_id, participant) DO NOTHING;`

	_, err := r.db.Exec(ctx, stmt,
		batch.SessionID, batch.Participant, batch.TotalScore,
		batch.CorrectCount, batch.SubmittedAt, batch.SettlementRef,
	)
	if err != nil {
		return fmt.Errorf("archive: save batch: %w", err)
	}

	return nil
}

// GetBatch returns the archived settlement for a participant, if present.
func (r *Repository) GetBatch(ctx context.Context, sessionID, participant string) (*domain.ScoreBatch, error) {
	const stmt = `
SELECT session_id, participant, total_score, correct_count, submitted_at, settlement_ref
FROM score_batches
WHERE session_id = $1 AND participant = $2;`

	var b domain.ScoreBatch
	err := r.db.QueryRow(ctx, stmt, sessionID, participant).Scan(
		&b.SessionID, &b.Participant, &b.TotalScore,
		&b.CorrectCount, &b.SubmittedAt, &b.SettlementRef,
	)
	if stderrors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive: get batch: %w", err)
	}

	return &b, nil
}
