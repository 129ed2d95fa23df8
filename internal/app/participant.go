package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"livequiz-service/internal/domain"
)

// ViewEventType labels the derived updates a participant view emits.
type ViewEventType string

const (
	EventSession     ViewEventType = "session"
	EventQuestion    ViewEventType = "question"
	EventPoll        ViewEventType = "poll"
	EventLeaderboard ViewEventType = "leaderboard"
)

// PublicQuestion is question content as shown to players: no answer key.
type PublicQuestion struct {
	ID          string              `json:"id"`
	Prompt      string              `json:"prompt"`
	Kind        domain.QuestionKind `json:"kind"`
	Options     []string            `json:"options,omitempty"`
	SecondsLeft int                 `json:"secondsLeft"`
}

// ViewEvent is one derived update for the UI layer. Only the field matching
// Type is populated besides Session.
type ViewEvent struct {
	Type        ViewEventType
	Session     domain.Session
	Question    *PublicQuestion
	Poll        *domain.PollResult
	Leaderboard *domain.Leaderboard
}

// ParticipantView keeps one player's local state consistent with the
// authoritative session row. Every change notification replaces the whole
// local snapshot; fields are never merged, so a later snapshot always wins
// over a missed intermediate one.
type ParticipantView struct {
	sessions  SessionStore
	responses ResponseStore
	quizzes   QuizRepository
	policy    ScorePolicy
	clocks    *ClockSync

	mu          sync.Mutex
	participant domain.Participant
	session     domain.Session
	lastApplied domain.Session
	quiz        domain.Quiz
	question    domain.Question
	hasQuestion bool
	answered    bool

	events chan ViewEvent
}

// NewParticipantView wires a view over the stores. clock is time.Now outside
// of tests.
func NewParticipantView(sessions SessionStore, responses ResponseStore, quizzes QuizRepository, policy ScorePolicy, clock func() time.Time) *ParticipantView {
	return &ParticipantView{
		sessions:  sessions,
		responses: responses,
		quizzes:   quizzes,
		policy:    policy,
		clocks:    NewClockSync(clock),
		events:    make(chan ViewEvent, 16),
	}
}

// Join validates the code against a live session, registers the participant,
// and runs the one-shot clock sync probe. Unknown codes and finished sessions
// are rejected synchronously; nothing is created.
func (v *ParticipantView) Join(ctx context.Context, code, username string) (domain.Participant, error) {
	session, err := v.sessions.GetSessionByCode(ctx, code)
	if err != nil {
		return domain.Participant{}, err
	}
	if !session.IsLive || session.Phase.Terminal() {
		return domain.Participant{}, domain.ErrSessionNotLive
	}
	quiz, err := v.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Participant{}, err
	}

	participant := domain.Participant{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Username:  username,
		JoinedAt:  v.clocks.Now(),
	}
	if err := v.responses.AddParticipant(ctx, participant); err != nil {
		return domain.Participant{}, fmt.Errorf("add participant: %w", err)
	}

	v.clocks.ProbeBestEffort(ctx, v.sessions)

	v.mu.Lock()
	v.participant = participant
	v.session = session
	v.quiz = quiz
	v.mu.Unlock()
	return participant, nil
}

// Events is the stream of derived updates. It closes when Run returns.
func (v *ParticipantView) Events() <-chan ViewEvent {
	return v.events
}

// Run subscribes to the session change feed and applies snapshots until the
// context is cancelled or the feed closes. The first delivery is the current
// snapshot, so late joiners immediately learn the active phase.
func (v *ParticipantView) Run(ctx context.Context) error {
	v.mu.Lock()
	sessionID := v.session.ID
	v.mu.Unlock()
	if sessionID == "" {
		return domain.ErrSessionNotFound
	}

	feed, cancel, err := v.sessions.WatchSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("watch session: %w", err)
	}
	defer cancel()
	defer close(v.events)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snapshot, ok := <-feed:
			if !ok {
				return nil
			}
			v.apply(ctx, snapshot)
			if snapshot.Phase.Terminal() {
				return nil
			}
		}
	}
}

func (v *ParticipantView) apply(ctx context.Context, snapshot domain.Session) {
	v.mu.Lock()
	prev := v.lastApplied
	v.lastApplied = snapshot
	v.session = snapshot

	enteredQuestion := snapshot.Phase == domain.PhaseQuestion &&
		snapshot.CurrentQuestionID != "" &&
		snapshot.CurrentQuestionID != prev.CurrentQuestionID
	if enteredQuestion {
		v.answered = false
		v.question, v.hasQuestion = v.quiz.QuestionByID(snapshot.CurrentQuestionID)
	}
	question := v.question
	hasQuestion := v.hasQuestion
	phaseChanged := snapshot.Phase != prev.Phase
	v.mu.Unlock()

	v.emit(ViewEvent{Type: EventSession, Session: snapshot})

	if enteredQuestion && hasQuestion {
		v.emit(ViewEvent{
			Type:     EventQuestion,
			Session:  snapshot,
			Question: v.publicQuestion(question, snapshot),
		})
	}
	if !phaseChanged {
		return
	}
	switch snapshot.Phase {
	case domain.PhaseResults:
		poll, err := v.Poll(ctx)
		if err != nil {
			log.Printf("build poll results for session %s: %v", snapshot.ID, err)
			return
		}
		v.emit(ViewEvent{Type: EventPoll, Session: snapshot, Poll: &poll})
	case domain.PhaseLeaderboard, domain.PhaseEnded:
		board, err := v.Leaderboard(ctx)
		if err != nil {
			log.Printf("build leaderboard for session %s: %v", snapshot.ID, err)
			return
		}
		v.emit(ViewEvent{Type: EventLeaderboard, Session: snapshot, Leaderboard: &board})
	}
}

// emit never blocks the sync loop: a slow consumer loses the oldest buffered
// event, never the newest.
func (v *ParticipantView) emit(ev ViewEvent) {
	select {
	case v.events <- ev:
	default:
		select {
		case <-v.events:
		default:
		}
		v.events <- ev
	}
}

// CurrentPhase returns the phase of the latest snapshot.
func (v *ParticipantView) CurrentPhase() domain.Phase {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.session.Phase
}

// CurrentQuestion returns the active question content, if any.
func (v *ParticipantView) CurrentQuestion() (PublicQuestion, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.hasQuestion || v.session.CurrentQuestionID == "" {
		return PublicQuestion{}, false
	}
	return *v.publicQuestion(v.question, v.session), true
}

// SecondsRemaining is the offset-corrected countdown, zero outside the
// question phase.
func (v *ParticipantView) SecondsRemaining() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.secondsRemainingLocked()
}

func (v *ParticipantView) secondsRemainingLocked() int {
	if v.session.Phase != domain.PhaseQuestion {
		return 0
	}
	// Rounds up, same as the question frame, so both countdowns agree.
	return int(math.Ceil(v.clocks.Remaining(v.session.TimerEnd).Seconds()))
}

// Participant returns the joined identity.
func (v *ParticipantView) Participant() domain.Participant {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.participant
}

// SubmitAnswer records one answer for the active question. Duplicate and
// too-late submissions come back as rejected outcomes, not errors; the store
// is the final authority on both and its verdict maps to the same outcomes.
func (v *ParticipantView) SubmitAnswer(ctx context.Context, sub domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	v.mu.Lock()
	session := v.session
	question := v.question
	hasQuestion := v.hasQuestion
	answered := v.answered
	participant := v.participant
	v.mu.Unlock()

	if session.Phase != domain.PhaseQuestion || !hasQuestion {
		return domain.AnswerOutcome{Reason: "no active question"}, nil
	}
	if sub.QuestionID != "" && sub.QuestionID != question.ID {
		return domain.AnswerOutcome{Reason: "question is no longer active"}, nil
	}
	if answered {
		return domain.AnswerOutcome{Reason: "answer already recorded"}, nil
	}
	secondsLeft := v.clocks.Remaining(session.TimerEnd).Seconds()
	if secondsLeft <= 0 {
		return domain.AnswerOutcome{Reason: "time is up"}, nil
	}

	correct, points, err := v.policy.Score(question, sub, secondsLeft)
	if err != nil {
		return domain.AnswerOutcome{}, err
	}

	optionIndex := sub.OptionIndex
	if question.Kind == domain.QuestionFreeText {
		optionIndex = -1
	}
	response := domain.Response{
		SessionID:     session.ID,
		ParticipantID: participant.ID,
		QuestionID:    question.ID,
		OptionIndex:   optionIndex,
		AnswerText:    sub.AnswerText,
		Correct:       correct,
		Points:        points,
		SubmittedAt:   v.clocks.Now(),
	}
	err = v.responses.InsertResponse(ctx, response)
	switch {
	case errors.Is(err, domain.ErrDuplicateResponse):
		v.markAnswered(question.ID)
		return domain.AnswerOutcome{Reason: "answer already recorded"}, nil
	case errors.Is(err, domain.ErrAnswerWindowClosed):
		return domain.AnswerOutcome{Reason: "time is up"}, nil
	case err != nil:
		return domain.AnswerOutcome{}, fmt.Errorf("record answer: %w", err)
	}

	v.markAnswered(question.ID)
	return domain.AnswerOutcome{Accepted: true, Correct: correct, Points: points}, nil
}

func (v *ParticipantView) markAnswered(questionID string) {
	v.mu.Lock()
	if v.session.CurrentQuestionID == questionID {
		v.answered = true
	}
	v.mu.Unlock()
}

// Poll aggregates the per-option breakdown for the current question.
func (v *ParticipantView) Poll(ctx context.Context) (domain.PollResult, error) {
	v.mu.Lock()
	session := v.session
	question := v.question
	hasQuestion := v.hasQuestion
	v.mu.Unlock()
	if !hasQuestion {
		return domain.PollResult{}, domain.ErrQuestionNotFound
	}

	participants, err := v.responses.ListParticipants(ctx, session.ID)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("list participants: %w", err)
	}
	responses, err := v.responses.ListResponses(ctx, session.ID, question.ID)
	if err != nil {
		return domain.PollResult{}, fmt.Errorf("list responses: %w", err)
	}
	return BuildPoll(question, participants, responses), nil
}

// Leaderboard aggregates total scores for the whole session.
func (v *ParticipantView) Leaderboard(ctx context.Context) (domain.Leaderboard, error) {
	v.mu.Lock()
	session := v.session
	v.mu.Unlock()

	participants, err := v.responses.ListParticipants(ctx, session.ID)
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("list participants: %w", err)
	}
	responses, err := v.responses.ListResponses(ctx, session.ID, "")
	if err != nil {
		return domain.Leaderboard{}, fmt.Errorf("list responses: %w", err)
	}
	return BuildLeaderboard(session, participants, responses, v.clocks.Now()), nil
}

func (v *ParticipantView) publicQuestion(q domain.Question, s domain.Session) *PublicQuestion {
	secondsLeft := 0
	if s.Phase == domain.PhaseQuestion {
		secondsLeft = int(math.Ceil(v.clocks.Remaining(s.TimerEnd).Seconds()))
	}
	return &PublicQuestion{
		ID:          q.ID,
		Prompt:      q.Prompt,
		Kind:        q.Kind,
		Options:     q.PublicOptions(),
		SecondsLeft: secondsLeft,
	}
}
