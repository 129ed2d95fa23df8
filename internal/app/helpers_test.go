package app_test

import (
	"sync"
	"testing"
	"time"

	"livequiz-service/internal/app"
	"livequiz-service/internal/domain"
	"livequiz-service/internal/infra/memory"
)

// fakeClock is a hand-advanced clock shared by the store and the components
// under test, so answer windows and stuck checks are deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{t: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testStart = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func singleQuestionQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					ID:               "q1",
					Prompt:           "What is 2 + 2?",
					Kind:             domain.QuestionMultipleChoice,
					Options:          []string{"3", "4", "5"},
					CorrectOption:    1,
					TimeLimitSeconds: 20,
				},
			},
		},
	}
}

func multiQuestionQuiz() map[string]domain.Quiz {
	quizzes := singleQuestionQuiz()
	quiz := quizzes["quiz-1"]
	quiz.Questions = append(quiz.Questions, domain.Question{
		ID:               "q2",
		Prompt:           "The capital of France is Paris.",
		Kind:             domain.QuestionTrueFalse,
		CorrectOption:    0,
		TimeLimitSeconds: 10,
	})
	quizzes["quiz-1"] = quiz
	return quizzes
}

func newQuizRepo(quizzes map[string]domain.Quiz) *memory.QuizRepository {
	return memory.NewQuizRepository(memory.NewStaticQuizLoader(quizzes), time.Minute)
}

// waitEvent drains the view's event stream until an event of the wanted type
// arrives.
func waitEvent(t *testing.T, view *app.ParticipantView, want app.ViewEventType) app.ViewEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-view.Events():
			if !ok {
				t.Fatalf("event stream closed while waiting for %q", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}
