package domain

import "time"

// Event names carried across every delivery channel.
const (
	EventParticipantJoined = "participant:joined"
	EventGameStarted       = "game:started"
	EventAnswerSubmitted   = "answer:submitted"
	EventGameEnded         = "game:ended"
)

// JoinedPayload announces a participant entering the lobby.
type JoinedPayload struct {
	Address     string    `json:"address"`
	DisplayName string    `json:"display_name"`
	IsHost      bool      `json:"is_host"`
	JoinedAt    time.Time `json:"joined_at"`
}

// StartedPayload carries the fixed question set for the match.
type StartedPayload struct {
	Questions []Question `json:"questions"`
	StartedAt time.Time  `json:"started_at"`
}

// AnswerPayload announces a submitted answer to other observers of the session.
type AnswerPayload struct {
	Participant   string `json:"participant"`
	QuestionIndex int    `json:"question_index"`
	SelectedIndex int    `json:"selected_index"`
	TimeTakenMs   int64  `json:"time_taken_ms"`
}

// EndedPayload announces the end of the match.
type EndedPayload struct {
	Reason  string    `json:"reason"`
	EndedAt time.Time `json:"ended_at"`
}

// End reasons.
const (
	EndReasonCompleted = "completed"
	EndReasonAborted   = "aborted"
)
