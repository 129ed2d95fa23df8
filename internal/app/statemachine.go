package app

import (
	"fmt"
	"time"

	"livequiz-service/internal/domain"
)

// nextState computes the session snapshot after one phase advance. It is a
// pure function of the current phase (plus the question list); wall-clock
// time only feeds the TimerEnd computation, never the choice of phase.
//
//	lobby       -> question (first question, timer armed)
//	question    -> results
//	results     -> leaderboard
//	leaderboard -> question (next question) or ended (none left)
//	ended       -> no transitions
func nextState(s domain.Session, quiz domain.Quiz, now time.Time) (domain.Session, error) {
	if len(quiz.Questions) == 0 {
		return domain.Session{}, domain.ErrNoQuestions
	}

	switch s.Phase {
	case domain.PhaseLobby:
		return enterQuestion(s, quiz, 0, now), nil

	case domain.PhaseQuestion:
		s.Phase = domain.PhaseResults
		return s, nil

	case domain.PhaseResults:
		s.Phase = domain.PhaseLeaderboard
		s.CurrentQuestionID = ""
		return s, nil

	case domain.PhaseLeaderboard:
		next := s.QuestionIndex + 1
		if next < len(quiz.Questions) {
			return enterQuestion(s, quiz, next, now), nil
		}
		s.Phase = domain.PhaseEnded
		s.IsLive = false
		return s, nil

	case domain.PhaseEnded:
		return domain.Session{}, domain.ErrSessionEnded

	default:
		return domain.Session{}, fmt.Errorf("invalid session phase %q", s.Phase)
	}
}

func enterQuestion(s domain.Session, quiz domain.Quiz, index int, now time.Time) domain.Session {
	q := quiz.Questions[index]
	s.Phase = domain.PhaseQuestion
	s.QuestionIndex = index
	s.CurrentQuestionID = q.ID
	s.TimerEnd = now.Add(q.TimeLimit())
	return s
}

// stuck reports whether the session is frozen in the question phase past its
// deadline plus the grace buffer.
func stuck(s domain.Session, now time.Time, grace time.Duration) bool {
	return s.Phase == domain.PhaseQuestion && now.After(s.TimerEnd.Add(grace))
}

// recoverState forces a stuck session from question directly to leaderboard,
// skipping results. This is the only transition allowed to take that edge.
func recoverState(s domain.Session) (domain.Session, error) {
	if s.Phase != domain.PhaseQuestion {
		return domain.Session{}, fmt.Errorf("recover from phase %q: only question can be recovered", s.Phase)
	}
	s.Phase = domain.PhaseLeaderboard
	s.CurrentQuestionID = ""
	return s, nil
}
