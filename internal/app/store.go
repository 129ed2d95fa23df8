package app

import (
	"context"
	"time"

	"livequiz-service/internal/domain"
)

// SessionStore abstracts how session rows are persisted and observed
// (in-memory, Redis, etc). UpdateSession replaces the whole row atomically;
// because the coordinator is the row's single writer, a whole-row replace is
// equivalent to a per-field partial update.
type SessionStore interface {
	CreateSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, id string) (domain.Session, error)
	GetSessionByCode(ctx context.Context, code string) (domain.Session, error)
	UpdateSession(ctx context.Context, session domain.Session) (domain.Session, error)

	// WatchSession is the change feed for one session row. The channel first
	// delivers the current snapshot, then every subsequent write, in order.
	// The caller must invoke cancel to avoid leaks.
	WatchSession(ctx context.Context, id string) (<-chan domain.Session, func(), error)

	// ServerTime is the best-effort probe clients use to estimate clock offset.
	ServerTime(ctx context.Context) (time.Time, error)

	// Host lease: at most one coordinator may drive a session at a time.
	AcquireHostLease(ctx context.Context, sessionID, holderID string, ttl time.Duration) error
	RefreshHostLease(ctx context.Context, sessionID, holderID string, ttl time.Duration) error
	ReleaseHostLease(ctx context.Context, sessionID, holderID string) error
}

// ResponseStore persists participants and their answers. InsertResponse is
// the authoritative gate on answers: it enforces the one-response-per-question
// uniqueness invariant and rejects writes that land outside the question's
// answer window, so a slow client cannot sneak a late answer in.
type ResponseStore interface {
	AddParticipant(ctx context.Context, p domain.Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error)
	InsertResponse(ctx context.Context, r domain.Response) error
	// ListResponses returns responses for one question, or for the whole
	// session when questionID is empty.
	ListResponses(ctx context.Context, sessionID, questionID string) ([]domain.Response, error)
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// Archiver records the final summary of an ended session. Archival is
// best-effort; a failure never blocks the phase transition that ended the
// session.
type Archiver interface {
	ArchiveSession(ctx context.Context, session domain.Session, board domain.Leaderboard, responses []domain.Response) error
}
