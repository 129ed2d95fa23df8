package app_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

func TestJoinRejectsUnknownCode(t *testing.T) {
	store := memory.NewStore()
	view := app.NewParticipantView(store, store, newQuizRepo(singleQuestionQuiz()), app.DefaultScorePolicy(), nil)

	_, err := view.Join(context.Background(), "NOPE42", "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestJoinRejectsFinishedSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.CreateSession(ctx, domain.Session{
		ID:     "s1",
		Code:   "ABC234",
		QuizID: "quiz-1",
		Phase:  domain.PhaseEnded,
	}))

	view := app.NewParticipantView(store, store, newQuizRepo(singleQuestionQuiz()), app.DefaultScorePolicy(), nil)
	_, err := view.Join(ctx, "ABC234", "alice")
	assert.ErrorIs(t, err, domain.ErrSessionNotLive)
}

// joinAndRun joins a participant and starts its sync loop.
func joinAndRun(t *testing.T, ctx context.Context, store *memory.Store, repo *memory.QuizRepository, clock *fakeClock, code, username string) *app.ParticipantView {
	t.Helper()
	view := app.NewParticipantView(store, store, repo, app.DefaultScorePolicy(), clock.Now)
	_, err := view.Join(ctx, code, username)
	require.NoError(t, err)
	go view.Run(ctx)
	waitEvent(t, view, app.EventSession)
	return view
}

func TestSessionFlowWithThreePlayers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(singleQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)

	alice := joinAndRun(t, ctx, store, repo, clock, session.Code, "alice")
	bob := joinAndRun(t, ctx, store, repo, clock, session.Code, "bob")
	carol := joinAndRun(t, ctx, store, repo, clock, session.Code, "carol")

	_, err = coord.Advance(ctx)
	require.NoError(t, err)

	for _, view := range []*app.ParticipantView{alice, bob, carol} {
		ev := waitEvent(t, view, app.EventQuestion)
		require.NotNil(t, ev.Question)
		assert.Equal(t, "q1", ev.Question.ID)
		assert.Equal(t, []string{"3", "4", "5"}, ev.Question.Options)
		assert.Equal(t, 20, ev.Question.SecondsLeft)
	}

	// Alice answers correctly with 10 seconds left, Bob with 5.
	clock.Advance(10 * time.Second)
	outcome, err := alice.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 1})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.True(t, outcome.Correct)
	assert.Equal(t, 200, outcome.Points)

	clock.Advance(5 * time.Second)
	outcome, err = bob.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 1})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted)
	assert.Equal(t, 150, outcome.Points)

	// Carol never answers.
	_, err = coord.Advance(ctx)
	require.NoError(t, err)

	ev := waitEvent(t, carol, app.EventPoll)
	require.NotNil(t, ev.Poll)
	assert.Equal(t, 3, ev.Poll.TotalParticipants)
	assert.Equal(t, 2, ev.Poll.TotalResponses)
	assert.Equal(t, 2, ev.Poll.Tallies[1].Count)
	assert.Equal(t, 67, ev.Poll.Tallies[1].Percent)
	assert.Equal(t, 0, ev.Poll.Tallies[0].Percent)

	_, err = coord.Advance(ctx)
	require.NoError(t, err)

	ev = waitEvent(t, alice, app.EventLeaderboard)
	require.NotNil(t, ev.Leaderboard)
	require.Len(t, ev.Leaderboard.Entries, 3)
	assert.Equal(t, "alice", ev.Leaderboard.Entries[0].Username)
	assert.Equal(t, 200, ev.Leaderboard.Entries[0].Score)
	assert.Equal(t, "bob", ev.Leaderboard.Entries[1].Username)
	assert.Equal(t, 150, ev.Leaderboard.Entries[1].Score)
	assert.Equal(t, "carol", ev.Leaderboard.Entries[2].Username)
	assert.Zero(t, ev.Leaderboard.Entries[2].Score)

	_, err = coord.Advance(ctx)
	require.NoError(t, err)
	ev = waitEvent(t, bob, app.EventLeaderboard)
	assert.Equal(t, domain.PhaseEnded, ev.Session.Phase)
}

func TestSubmitAnswerGuards(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(singleQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)
	view := joinAndRun(t, ctx, store, repo, clock, session.Code, "alice")

	// Nothing to answer in the lobby.
	outcome, err := view.SubmitAnswer(ctx, domain.AnswerSubmission{OptionIndex: 1})
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "no active question", outcome.Reason)

	_, err = coord.Advance(ctx)
	require.NoError(t, err)
	waitEvent(t, view, app.EventQuestion)

	outcome, err = view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "stale", OptionIndex: 1})
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "question is no longer active", outcome.Reason)

	outcome, err = view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 1})
	require.NoError(t, err)
	require.True(t, outcome.Accepted)

	// An immediate second tap is rejected and the first answer stands.
	outcome, err = view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 2})
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "answer already recorded", outcome.Reason)

	responses, err := store.ListResponses(ctx, session.ID, "q1")
	require.NoError(t, err)
	require.Len(t, responses, 1)
	assert.Equal(t, 1, responses[0].OptionIndex)
}

func TestSubmitAnswerAfterDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(singleQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)
	view := joinAndRun(t, ctx, store, repo, clock, session.Code, "alice")

	_, err = coord.Advance(ctx)
	require.NoError(t, err)
	waitEvent(t, view, app.EventQuestion)

	clock.Advance(25 * time.Second)
	outcome, err := view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 1})
	require.NoError(t, err)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, "time is up", outcome.Reason)

	responses, err := store.ListResponses(ctx, session.ID, "q1")
	require.NoError(t, err)
	assert.Empty(t, responses)
}

func TestAnsweredFlagResetsOnNextQuestion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(multiQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)
	view := joinAndRun(t, ctx, store, repo, clock, session.Code, "alice")

	_, err = coord.Advance(ctx)
	require.NoError(t, err)
	waitEvent(t, view, app.EventQuestion)
	outcome, err := view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q1", OptionIndex: 1})
	require.NoError(t, err)
	require.True(t, outcome.Accepted)

	for i := 0; i < 3; i++ { // results, leaderboard, next question
		_, err = coord.Advance(ctx)
		require.NoError(t, err)
	}
	ev := waitEvent(t, view, app.EventQuestion)
	assert.Equal(t, "q2", ev.Question.ID)
	assert.Equal(t, []string{"True", "False"}, ev.Question.Options)

	outcome, err = view.SubmitAnswer(ctx, domain.AnswerSubmission{QuestionID: "q2", OptionIndex: 0})
	require.NoError(t, err)
	assert.True(t, outcome.Accepted, "a fresh question accepts a fresh answer")
}

func TestLateJoinerSeesActiveQuestion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(singleQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)
	_, err = coord.Advance(ctx)
	require.NoError(t, err)

	clock.Advance(7500 * time.Millisecond)
	view := app.NewParticipantView(store, store, repo, app.DefaultScorePolicy(), clock.Now)
	_, err = view.Join(ctx, session.Code, "dave")
	require.NoError(t, err)
	go view.Run(ctx)

	// The initial feed delivery carries the active question with a shortened
	// countdown. Partial seconds round up, in the frame and in
	// SecondsRemaining alike.
	ev := waitEvent(t, view, app.EventQuestion)
	assert.Equal(t, "q1", ev.Question.ID)
	assert.Equal(t, 13, ev.Question.SecondsLeft)
	assert.Equal(t, 13, view.SecondsRemaining())
}

type failingParticipantsStore struct {
	*memory.Store
	err error
}

func (s *failingParticipantsStore) ListParticipants(context.Context, string) ([]domain.Participant, error) {
	return nil, s.err
}

type logCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *logCapture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func TestPollBuildFailureIsLoggedNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := newFakeClock(testStart)
	store := memory.NewStoreWithClock(clock.Now)
	repo := newQuizRepo(singleQuestionQuiz())
	coord := app.NewCoordinator(store, store, repo, nil, app.CoordinatorConfig{Clock: clock.Now})
	defer coord.Close(context.Background())

	session, err := coord.StartSession(ctx, "quiz-1")
	require.NoError(t, err)

	responses := &failingParticipantsStore{Store: store, err: errors.New("participants unavailable")}
	view := app.NewParticipantView(store, responses, repo, app.DefaultScorePolicy(), clock.Now)
	_, err = view.Join(ctx, session.Code, "alice")
	require.NoError(t, err)
	go view.Run(ctx)
	waitEvent(t, view, app.EventSession)

	capture := &logCapture{}
	log.SetOutput(capture)
	defer log.SetOutput(os.Stderr)

	_, err = coord.Advance(ctx)
	require.NoError(t, err)
	waitEvent(t, view, app.EventQuestion)

	_, err = coord.Advance(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return strings.Contains(capture.String(), "build poll results")
	}, 2*time.Second, 10*time.Millisecond, "the failed poll build should be logged")

	// The sync loop keeps applying snapshots after the failure.
	ev := waitEvent(t, view, app.EventSession)
	assert.Equal(t, domain.PhaseResults, ev.Session.Phase)
}
