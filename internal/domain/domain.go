package domain

import (
	"time"
)

// Status is the lifecycle phase of a session. Except for the transient
// Reviewing->Active revisit loop (which does not change status), status only
// moves forward.
type Status string

const (
	StatusLobby     Status = "lobby"
	StatusActive    Status = "active"
	StatusReviewing Status = "reviewing"
	StatusSettled   Status = "settled"
	StatusAborted   Status = "aborted"
)

var statusRank = map[Status]int{
	StatusLobby:     0,
	StatusActive:    1,
	StatusReviewing: 2,
	StatusSettled:   3,
	StatusAborted:   3,
}

// CanTransition reports whether moving from s to next keeps the status monotonic.
func (s Status) CanTransition(next Status) bool {
	return !s.Terminal() && statusRank[next] > statusRank[s]
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusAborted
}

// Session represents one trivia match instance, identified by a ledger-issued
// id and a short human room code.
type Session struct {
	ID               string
	RoomCode         string
	HostID           string
	MaxPlayers       int
	QuestionDuration time.Duration
	Status           Status
	CreatedAt        time.Time
}

// Participant is one player within a session. At most one entry per address.
type Participant struct {
	Address     string
	DisplayName string
	IsHost      bool
	JoinedAt    time.Time
}

// Question is owned by the external question source and immutable once the
// set is fixed for a session.
type Question struct {
	ID           string   `json:"id"`
	Text         string   `json:"text"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Category     string   `json:"category"`
	Difficulty   int      `json:"difficulty"` // 0..2
	TimeLimitSec int      `json:"time_limit_sec"`
}

// TimeLimit returns the per-question deadline duration.
func (q Question) TimeLimit() time.Duration {
	return time.Duration(q.TimeLimitSec) * time.Second
}

// TimeoutIndex is recorded as SelectedIndex when a question expires unanswered.
const TimeoutIndex = -1

// AnswerRecord is the recorded outcome of one participant's response to one
// question. Unique key (SessionID, Participant, QuestionIndex); last write
// wins until settlement, immutable after.
type AnswerRecord struct {
	SessionID     string
	QuestionIndex int
	Participant   string
	SelectedIndex int
	IsCorrect     bool
	PointsEarned  int64
	TimeTakenMs   int64
}

// TimedOut reports whether the record was produced by a deadline rather than
// a selection.
func (r AnswerRecord) TimedOut() bool {
	return r.SelectedIndex == TimeoutIndex
}

// ScoreBatch is the aggregate submitted to the ledger, derived from the latest
// AnswerRecord per question index. Recomputable at any time; persisted once
// settlement succeeds.
type ScoreBatch struct {
	SessionID     string
	Participant   string
	TotalScore    int64
	CorrectCount  int
	SubmittedAt   time.Time
	SettlementRef string
}
