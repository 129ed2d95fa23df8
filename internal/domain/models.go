package domain

import "time"

// Phase is the stage a live session is in. Transitions between phases are
// owned exclusively by the session coordinator.
type Phase string

const (
	PhaseLobby       Phase = "lobby"
	PhaseQuestion    Phase = "question"
	PhaseResults     Phase = "results"
	PhaseLeaderboard Phase = "leaderboard"
	PhaseEnded       Phase = "ended"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseEnded
}

// Session is one live run of a quiz. The session row is the single source of
// truth for all attached clients; the coordinator is its only writer.
type Session struct {
	ID     string `json:"id"`
	Code   string `json:"code"`
	QuizID string `json:"quizId"`
	Phase  Phase  `json:"phase"`
	// CurrentQuestionID is set during question and results, empty otherwise.
	CurrentQuestionID string `json:"currentQuestionId,omitempty"`
	// QuestionIndex is the position of the current (or last shown) question
	// in the quiz's ordered list; -1 until the first question starts.
	QuestionIndex int       `json:"questionIndex"`
	TimerEnd      time.Time `json:"timerEnd,omitempty"`
	IsLive        bool      `json:"isLive"`
	// Version is incremented by the store on every update. Watchers drop
	// snapshots at or below the last version delivered, so a subscriber
	// never observes an older row after a newer one.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
}

// Participant is one joined player within a session.
type Participant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Username  string    `json:"username"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Response is a participant's recorded answer to one question. At most one
// exists per (session, participant, question); every store enforces that.
type Response struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	QuestionID    string `json:"questionId"`
	// OptionIndex is the selected option for choice questions, -1 for free text.
	OptionIndex int       `json:"optionIndex"`
	AnswerText  string    `json:"answerText,omitempty"`
	Correct     bool      `json:"correct"`
	Points      int       `json:"points"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// QuestionKind tags the variant of a question. Scoring and presentation
// switch exhaustively on it; an unknown kind is an error, never a fallthrough.
type QuestionKind string

const (
	QuestionMultipleChoice QuestionKind = "multiple_choice"
	QuestionTrueFalse      QuestionKind = "true_false"
	QuestionFreeText       QuestionKind = "free_text"
)

// TrueFalseOptions is the fixed option list presented for true/false
// questions; index 0 means true.
var TrueFalseOptions = []string{"True", "False"}

// DefaultQuestionSeconds is the answer window applied when a question does
// not carry its own time limit.
const DefaultQuestionSeconds = 20

// Question is static quiz content, read-only during a session. Only the
// fields for its kind are populated: Options/CorrectOption for the choice
// kinds, Answer for free text.
type Question struct {
	ID               string       `json:"id"`
	Prompt           string       `json:"prompt"`
	Kind             QuestionKind `json:"kind"`
	Options          []string     `json:"options,omitempty"`
	CorrectOption    int          `json:"correctOption"`
	Answer           string       `json:"answer,omitempty"`
	TimeLimitSeconds int          `json:"timeLimitSeconds,omitempty"`
}

// TimeLimit returns the question's answer window.
func (q Question) TimeLimit() time.Duration {
	secs := q.TimeLimitSeconds
	if secs <= 0 {
		secs = DefaultQuestionSeconds
	}
	return time.Duration(secs) * time.Second
}

// PublicOptions returns the options to show players, without the answer key.
// Free-text questions have none.
func (q Question) PublicOptions() []string {
	switch q.Kind {
	case QuestionMultipleChoice:
		return q.Options
	case QuestionTrueFalse:
		return TrueFalseOptions
	default:
		return nil
	}
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID        string     `json:"id"`
	Title     string     `json:"title,omitempty"`
	Questions []Question `json:"questions"`
}

// QuestionByID finds a question in the quiz.
func (qz Quiz) QuestionByID(id string) (Question, bool) {
	for _, q := range qz.Questions {
		if q.ID == id {
			return q, true
		}
	}
	return Question{}, false
}

// AnswerSubmission is a player's answer as received from the client.
type AnswerSubmission struct {
	QuestionID  string `json:"questionId"`
	OptionIndex int    `json:"optionIndex"`
	AnswerText  string `json:"answerText,omitempty"`
}

// AnswerOutcome reports what happened to a submission. A guarded submission
// (duplicate, window closed) comes back with Accepted=false and no error.
type AnswerOutcome struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
	Correct  bool   `json:"correct"`
	Points   int    `json:"points"`
}

// LeaderboardEntry is one participant's total within a session.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	Username      string `json:"username"`
	Score         int    `json:"score"`
}

// Leaderboard is the ordered scoreboard for a session, score descending.
type Leaderboard struct {
	SessionID string             `json:"sessionId"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// OptionTally is the response count for one option of a question.
type OptionTally struct {
	OptionIndex int `json:"optionIndex"`
	Count       int `json:"count"`
	// Percent is rounded over total participants, not total responses, so
	// non-responders depress the percentages.
	Percent int `json:"percent"`
}

// PollResult is the per-option breakdown shown during the results phase.
type PollResult struct {
	QuestionID        string        `json:"questionId"`
	Tallies           []OptionTally `json:"tallies"`
	TotalParticipants int           `json:"totalParticipants"`
	TotalResponses    int           `json:"totalResponses"`
}
