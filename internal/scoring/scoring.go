// Package scoring is the deterministic scoring engine. Everything here is a
// pure function of its inputs so an aggregate can be recomputed at any time
// from the full record set.
package scoring

import (
	"time"

	"github.com/quizchain/quizchain/internal/domain"
)

// BasePoints is the per-question reward unit. A correct answer earns
// BasePoints * difficulty, which means a difficulty-0 question pays nothing
// even when answered correctly. That matches the deployed reward formula;
// do not fold difficulty 0 up to 1 here without changing it on the ledger too.
//
// Elapsed time is recorded but not part of the formula, even though the
// user-facing copy promises a speed bonus.
const BasePoints = 100

// ScoreAnswer computes the record for one response.
func ScoreAnswer(sessionID, participant string, questionIndex int, q domain.Question, selectedIndex int, elapsedMs int64) domain.AnswerRecord {
	correct := selectedIndex >= 0 && selectedIndex == q.CorrectIndex

	var points int64
	if correct {
		points = BasePoints * int64(q.Difficulty)
	}

	return domain.AnswerRecord{
		SessionID:     sessionID,
		QuestionIndex: questionIndex,
		Participant:   participant,
		SelectedIndex: selectedIndex,
		IsCorrect:     correct,
		PointsEarned:  points,
		TimeTakenMs:   elapsedMs,
	}
}

// Timeout produces the zero-point record for a question that expired without
// an answer.
func Timeout(sessionID, participant string, questionIndex int, q domain.Question) domain.AnswerRecord {
	return domain.AnswerRecord{
		SessionID:     sessionID,
		QuestionIndex: questionIndex,
		Participant:   participant,
		SelectedIndex: domain.TimeoutIndex,
		PointsEarned:  0,
		TimeTakenMs:   int64(q.TimeLimit() / time.Millisecond),
	}
}

// Aggregate folds records into a ScoreBatch, counting only the latest record
// per question index so a revised answer is never double-counted. Records are
// expected in write order; later entries for the same index win.
func Aggregate(records []domain.AnswerRecord) domain.ScoreBatch {
	var batch domain.ScoreBatch

	latest := make(map[int]domain.AnswerRecord, len(records))
	order := make([]int, 0, len(records))
	for _, r := range records {
		if _, seen := latest[r.QuestionIndex]; !seen {
			order = append(order, r.QuestionIndex)
		}
		latest[r.QuestionIndex] = r

		batch.SessionID = r.SessionID
		batch.Participant = r.Participant
	}

	for _, i := range order {
		r := latest[i]
		batch.TotalScore += r.PointsEarned
		if r.IsCorrect {
			batch.CorrectCount++
		}
	}

	return batch
}
