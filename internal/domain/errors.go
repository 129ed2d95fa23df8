package domain

import "errors"

var (
	// ErrSessionNotFound is returned when no session exists for an id or join code.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotLive is returned when a player tries to join a finished session.
	ErrSessionNotLive = errors.New("session is not live")
	// ErrSessionEnded is returned when an operation targets a terminal session.
	ErrSessionEnded = errors.New("session has ended")
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuestionNotFound indicates a submitted question ID is invalid.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrNoQuestions is returned when starting a session over an empty quiz.
	ErrNoQuestions = errors.New("quiz has no questions")
	// ErrParticipantNotFound is returned when a user acts before joining.
	ErrParticipantNotFound = errors.New("participant not found in session")
	// ErrDuplicateResponse is the store-level uniqueness rejection for a
	// second answer to the same question.
	ErrDuplicateResponse = errors.New("response already recorded for question")
	// ErrAnswerWindowClosed rejects answers that land after the question's
	// deadline or outside the question phase.
	ErrAnswerWindowClosed = errors.New("answer window is closed")
	// ErrHostLeaseHeld means another coordinator is already driving the session.
	ErrHostLeaseHeld = errors.New("session host lease held by another client")
	// ErrUnknownQuestionKind guards the exhaustive kind switches.
	ErrUnknownQuestionKind = errors.New("unknown question kind")
)
