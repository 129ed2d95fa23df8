package app

import (
	"math"
	"strings"

	"livequiz-service/internal/domain"
)

// ScorePolicy awards a base value plus a speed bonus per second left in the
// answer window; wrong answers score zero. The numbers are policy, not
// domain law, so they are fields rather than constants.
type ScorePolicy struct {
	Base           int
	PerSecondBonus int
}

// DefaultScorePolicy returns the standard 100-point base with a 10/sec bonus.
func DefaultScorePolicy() ScorePolicy {
	return ScorePolicy{Base: 100, PerSecondBonus: 10}
}

// Score judges a submission against the question and computes the award.
// secondsLeft is clamped at zero so a submission at the deadline still earns
// the base value.
func (p ScorePolicy) Score(q domain.Question, sub domain.AnswerSubmission, secondsLeft float64) (bool, int, error) {
	correct, err := judge(q, sub)
	if err != nil {
		return false, 0, err
	}
	if !correct {
		return false, 0, nil
	}
	if secondsLeft < 0 {
		secondsLeft = 0
	}
	points := int(math.Round(float64(p.Base) + secondsLeft*float64(p.PerSecondBonus)))
	return true, points, nil
}

// judge switches exhaustively on the question kind; adding a kind without a
// case here is a scoring error, not a silent wrong answer.
func judge(q domain.Question, sub domain.AnswerSubmission) (bool, error) {
	switch q.Kind {
	case domain.QuestionMultipleChoice:
		if sub.OptionIndex < 0 || sub.OptionIndex >= len(q.Options) {
			return false, nil
		}
		return sub.OptionIndex == q.CorrectOption, nil
	case domain.QuestionTrueFalse:
		if sub.OptionIndex < 0 || sub.OptionIndex >= len(domain.TrueFalseOptions) {
			return false, nil
		}
		return sub.OptionIndex == q.CorrectOption, nil
	case domain.QuestionFreeText:
		return strings.EqualFold(strings.TrimSpace(sub.AnswerText), strings.TrimSpace(q.Answer)), nil
	default:
		return false, domain.ErrUnknownQuestionKind
	}
}
