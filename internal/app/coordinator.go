package app

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"livequiz-service/internal/domain"
)

// CoordinatorConfig tunes the coordinator. Zero values mean "use the
// default"; Overlay fills them in explicitly rather than scattering fallbacks
// through the code.
type CoordinatorConfig struct {
	// Grace is how far past TimerEnd a question may sit before the session
	// counts as stuck.
	Grace time.Duration
	// LeaseTTL bounds how long a crashed host blocks a reattach.
	LeaseTTL time.Duration
	// AdvanceRetries is how many times a failed phase-advance write is
	// retried before the failure is surfaced.
	AdvanceRetries int
	RetryBackoff   time.Duration
	Clock          func() time.Time
}

// DefaultCoordinatorConfig returns the documented defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Grace:          5 * time.Second,
		LeaseTTL:       15 * time.Second,
		AdvanceRetries: 3,
		RetryBackoff:   250 * time.Millisecond,
		Clock:          time.Now,
	}
}

// Overlay returns the defaults overlaid with every non-zero field of c.
func (c CoordinatorConfig) Overlay() CoordinatorConfig {
	out := DefaultCoordinatorConfig()
	if c.Grace > 0 {
		out.Grace = c.Grace
	}
	if c.LeaseTTL > 0 {
		out.LeaseTTL = c.LeaseTTL
	}
	if c.AdvanceRetries > 0 {
		out.AdvanceRetries = c.AdvanceRetries
	}
	if c.RetryBackoff > 0 {
		out.RetryBackoff = c.RetryBackoff
	}
	if c.Clock != nil {
		out.Clock = c.Clock
	}
	return out
}

// Coordinator drives one session through its phases and persists every
// transition so all subscribers converge on the same state. It is the only
// writer of the session row; the host lease enforces that two host clients
// cannot drive the same session concurrently.
type Coordinator struct {
	sessions  SessionStore
	responses ResponseStore
	quizzes   QuizRepository
	archiver  Archiver
	cfg       CoordinatorConfig
	holderID  string

	mu        sync.Mutex
	sessionID string
	quiz      domain.Quiz
	known     domain.Session
	timer     *time.Timer
	stopLease chan struct{}
}

// NewCoordinator wires a coordinator over the given stores. archiver may be
// nil when no durable history is configured.
func NewCoordinator(sessions SessionStore, responses ResponseStore, quizzes QuizRepository, archiver Archiver, cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		sessions:  sessions,
		responses: responses,
		quizzes:   quizzes,
		archiver:  archiver,
		cfg:       cfg.Overlay(),
		holderID:  uuid.NewString(),
	}
}

// StartSession creates a fresh session in the lobby phase and takes the host
// lease for it.
func (c *Coordinator) StartSession(ctx context.Context, quizID string) (domain.Session, error) {
	quiz, err := c.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return domain.Session{}, err
	}
	if len(quiz.Questions) == 0 {
		return domain.Session{}, domain.ErrNoQuestions
	}

	code, err := newJoinCode()
	if err != nil {
		return domain.Session{}, err
	}

	session := domain.Session{
		ID:            uuid.NewString(),
		Code:          code,
		QuizID:        quizID,
		Phase:         domain.PhaseLobby,
		QuestionIndex: -1,
		IsLive:        true,
		CreatedAt:     c.cfg.Clock(),
	}
	if err := c.sessions.CreateSession(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	if err := c.sessions.AcquireHostLease(ctx, session.ID, c.holderID, c.cfg.LeaseTTL); err != nil {
		return domain.Session{}, err
	}

	c.mu.Lock()
	c.sessionID = session.ID
	c.quiz = quiz
	c.known = session
	c.startLeaseHeartbeatLocked()
	c.mu.Unlock()
	return session, nil
}

// Attach takes over an existing live session, e.g. after the host client
// reconnects. It runs one opportunistic stuck-state check and, if the session
// is mid-question with time left, re-arms the expiry timer.
func (c *Coordinator) Attach(ctx context.Context, sessionID string) (domain.Session, error) {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if !session.IsLive || session.Phase.Terminal() {
		return domain.Session{}, domain.ErrSessionEnded
	}
	quiz, err := c.quizzes.GetQuiz(ctx, session.QuizID)
	if err != nil {
		return domain.Session{}, err
	}
	if err := c.sessions.AcquireHostLease(ctx, sessionID, c.holderID, c.cfg.LeaseTTL); err != nil {
		return domain.Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
	c.quiz = quiz
	c.known = session
	c.startLeaseHeartbeatLocked()

	now := c.cfg.Clock()
	if stuck(session, now, c.cfg.Grace) {
		recovered, err := recoverState(session)
		if err != nil {
			return domain.Session{}, c.detachLocked(ctx, err)
		}
		updated, err := c.writeSession(ctx, recovered)
		if err != nil {
			return domain.Session{}, c.detachLocked(ctx, err)
		}
		c.afterWriteLocked(ctx, updated)
		return updated, nil
	}
	if session.Phase == domain.PhaseQuestion {
		c.armTimerLocked(session)
	}
	return session, nil
}

// Advance applies one phase transition from the table and persists it with a
// single atomic write. The store stays authoritative: on a write failure no
// local state is updated and the error is surfaced to the caller.
func (c *Coordinator) Advance(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.sessions.GetSession(ctx, c.sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	return c.advanceFromLocked(ctx, current)
}

func (c *Coordinator) advanceFromLocked(ctx context.Context, current domain.Session) (domain.Session, error) {
	next, err := nextState(current, c.quiz, c.cfg.Clock())
	if err != nil {
		return domain.Session{}, err
	}
	updated, err := c.writeSession(ctx, next)
	if err != nil {
		return domain.Session{}, err
	}
	c.afterWriteLocked(ctx, updated)
	return updated, nil
}

// End force-finishes the session from any live phase. Unlike Advance it does
// not walk the remaining questions; the quiz simply stops where it is.
func (c *Coordinator) End(ctx context.Context) (domain.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.sessions.GetSession(ctx, c.sessionID)
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	if current.Phase.Terminal() {
		return domain.Session{}, domain.ErrSessionEnded
	}
	current.Phase = domain.PhaseEnded
	current.CurrentQuestionID = ""
	current.IsLive = false
	updated, err := c.writeSession(ctx, current)
	if err != nil {
		return domain.Session{}, err
	}
	c.afterWriteLocked(ctx, updated)
	return updated, nil
}

// Recover applies the general stuck rule: a session frozen in question past
// TimerEnd plus grace is forced directly to leaderboard. Returns false when
// the session is not stuck.
func (c *Coordinator) Recover(ctx context.Context) (domain.Session, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.sessions.GetSession(ctx, c.sessionID)
	if err != nil {
		return domain.Session{}, false, fmt.Errorf("load session: %w", err)
	}
	if !stuck(current, c.cfg.Clock(), c.cfg.Grace) {
		return current, false, nil
	}
	recovered, err := recoverState(current)
	if err != nil {
		return domain.Session{}, false, err
	}
	updated, err := c.writeSession(ctx, recovered)
	if err != nil {
		return domain.Session{}, false, err
	}
	c.afterWriteLocked(ctx, updated)
	return updated, true, nil
}

// Session returns the last snapshot confirmed by the store.
func (c *Coordinator) Session() domain.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

// Close stops the timer and lease heartbeat and releases the host lease so
// another host client can attach.
func (c *Coordinator) Close(ctx context.Context) {
	c.mu.Lock()
	c.stopTimerLocked()
	c.stopLeaseLocked()
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID != "" {
		if err := c.sessions.ReleaseHostLease(ctx, sessionID, c.holderID); err != nil {
			log.Printf("release host lease for session %s: %v", sessionID, err)
		}
	}
}

func (c *Coordinator) stopLeaseLocked() {
	if c.stopLease != nil {
		close(c.stopLease)
		c.stopLease = nil
	}
}

// detachLocked unwinds a partial attach. The heartbeat stops and the lease is
// released right away; otherwise a failed attach would keep refreshing the
// lease and lock every later host out of the session.
func (c *Coordinator) detachLocked(ctx context.Context, err error) error {
	c.stopLeaseLocked()
	if relErr := c.sessions.ReleaseHostLease(ctx, c.sessionID, c.holderID); relErr != nil {
		log.Printf("release host lease for session %s: %v", c.sessionID, relErr)
	}
	return err
}

// writeSession persists the new snapshot, retrying transient store failures
// with backoff. A failed advance would otherwise silently stall the session.
func (c *Coordinator) writeSession(ctx context.Context, next domain.Session) (domain.Session, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.AdvanceRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return domain.Session{}, ctx.Err()
			case <-time.After(c.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}
		updated, err := c.sessions.UpdateSession(ctx, next)
		if err == nil {
			return updated, nil
		}
		lastErr = err
	}
	return domain.Session{}, fmt.Errorf("persist phase advance after %d attempts: %w", c.cfg.AdvanceRetries+1, lastErr)
}

func (c *Coordinator) afterWriteLocked(ctx context.Context, updated domain.Session) {
	c.known = updated
	c.stopTimerLocked()
	switch {
	case updated.Phase == domain.PhaseQuestion:
		c.armTimerLocked(updated)
	case updated.Phase.Terminal():
		c.archiveLocked(ctx, updated)
	}
}

// armTimerLocked schedules a single wake at the question deadline. The
// 1-second countdown players see is a display concern; expiry fires exactly
// once from here.
func (c *Coordinator) armTimerLocked(s domain.Session) {
	questionID := s.CurrentQuestionID
	wait := s.TimerEnd.Sub(c.cfg.Clock())
	if wait < 0 {
		wait = 0
	}
	c.timer = time.AfterFunc(wait, func() {
		c.onTimerExpired(questionID)
	})
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onTimerExpired re-reads the authoritative row before firing, so a manual
// advance that raced the timer turns this into a no-op instead of a double
// transition.
func (c *Coordinator) onTimerExpired(questionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.sessions.GetSession(ctx, c.sessionID)
	if err != nil {
		log.Printf("timer expiry: load session %s: %v", c.sessionID, err)
		return
	}
	if current.Phase != domain.PhaseQuestion || current.CurrentQuestionID != questionID {
		return
	}
	if _, err := c.advanceFromLocked(ctx, current); err != nil {
		log.Printf("timer expiry: advance session %s: %v", c.sessionID, err)
	}
}

func (c *Coordinator) startLeaseHeartbeatLocked() {
	if c.stopLease != nil {
		return
	}
	stop := make(chan struct{})
	c.stopLease = stop
	sessionID := c.sessionID

	interval := c.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				err := c.sessions.RefreshHostLease(ctx, sessionID, c.holderID, c.cfg.LeaseTTL)
				cancel()
				if err != nil {
					log.Printf("refresh host lease for session %s: %v", sessionID, err)
				}
			}
		}
	}()
}

// archiveLocked records the final summary. Best-effort: the session has
// already ended atomically; history must not block that.
func (c *Coordinator) archiveLocked(ctx context.Context, session domain.Session) {
	if c.archiver == nil {
		return
	}
	participants, err := c.responses.ListParticipants(ctx, session.ID)
	if err != nil {
		log.Printf("archive session %s: list participants: %v", session.ID, err)
		return
	}
	responses, err := c.responses.ListResponses(ctx, session.ID, "")
	if err != nil {
		log.Printf("archive session %s: list responses: %v", session.ID, err)
		return
	}
	board := BuildLeaderboard(session, participants, responses, c.cfg.Clock())
	if err := c.archiver.ArchiveSession(ctx, session, board, responses); err != nil {
		log.Printf("archive session %s: %v", session.ID, err)
	}
}
