package memory

import (
	"context"
	"sync"
	"time"

	"livequiz-service/internal/domain"
)

// Store is the in-memory implementation of the session and response stores.
// It backs redis-less runs and the unit tests; the change feed is an
// in-process fan-out per session row.
type Store struct {
	clock func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*sessionRow
	codes        map[string]string
	participants map[string][]domain.Participant
	responses    map[string]map[string]domain.Response
	leases       map[string]lease
}

type sessionRow struct {
	session     domain.Session
	subscribers map[chan domain.Session]struct{}
}

type lease struct {
	holderID  string
	expiresAt time.Time
}

// NewStore builds an empty store on the real clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock allows deterministic time in tests.
func NewStoreWithClock(clock func() time.Time) *Store {
	return &Store{
		clock:        clock,
		sessions:     make(map[string]*sessionRow),
		codes:        make(map[string]string),
		participants: make(map[string][]domain.Participant),
		responses:    make(map[string]map[string]domain.Response),
		leases:       make(map[string]lease),
	}
}

func (s *Store) CreateSession(_ context.Context, session domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = &sessionRow{
		session:     session,
		subscribers: make(map[chan domain.Session]struct{}),
	}
	s.codes[session.Code] = session.ID
	return nil
}

func (s *Store) GetSession(_ context.Context, id string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.sessions[id]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return row.session, nil
}

func (s *Store) GetSessionByCode(_ context.Context, code string) (domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.codes[code]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	return s.sessions[id].session, nil
}

// UpdateSession replaces the row and fans the new snapshot out to every
// subscriber. Slow subscribers lose their oldest buffered snapshot, never
// the newest.
func (s *Store) UpdateSession(_ context.Context, session domain.Session) (domain.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.sessions[session.ID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	session.Version = row.session.Version + 1
	row.session = session
	for ch := range row.subscribers {
		push(ch, session)
	}
	return session, nil
}

func (s *Store) WatchSession(_ context.Context, id string) (<-chan domain.Session, func(), error) {
	s.mu.Lock()
	row, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, domain.ErrSessionNotFound
	}
	ch := make(chan domain.Session, 8)
	row.subscribers[ch] = struct{}{}
	// The initial snapshot goes out while the lock is still held, so a
	// concurrent update cannot land in the channel ahead of it. The fresh
	// buffered channel cannot block here.
	ch <- row.session
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := row.subscribers[ch]; ok {
			delete(row.subscribers, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel, nil
}

func push(ch chan domain.Session, session domain.Session) {
	select {
	case ch <- session:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- session
	}
}

func (s *Store) ServerTime(context.Context) (time.Time, error) {
	return s.clock(), nil
}

func (s *Store) AddParticipant(_ context.Context, p domain.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[p.SessionID]; !ok {
		return domain.ErrSessionNotFound
	}
	s.participants[p.SessionID] = append(s.participants[p.SessionID], p)
	return nil
}

func (s *Store) ListParticipants(_ context.Context, sessionID string) ([]domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Participant, len(s.participants[sessionID]))
	copy(out, s.participants[sessionID])
	return out, nil
}

// InsertResponse enforces the answer window against the authoritative
// session row and the one-response-per-question invariant, both under the
// store lock.
func (s *Store) InsertResponse(_ context.Context, r domain.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.sessions[r.SessionID]
	if !ok {
		return domain.ErrSessionNotFound
	}
	session := row.session
	if session.Phase != domain.PhaseQuestion ||
		session.CurrentQuestionID != r.QuestionID ||
		s.clock().After(session.TimerEnd) {
		return domain.ErrAnswerWindowClosed
	}

	byKey := s.responses[r.SessionID]
	if byKey == nil {
		byKey = make(map[string]domain.Response)
		s.responses[r.SessionID] = byKey
	}
	key := r.ParticipantID + "/" + r.QuestionID
	if _, exists := byKey[key]; exists {
		return domain.ErrDuplicateResponse
	}
	byKey[key] = r
	return nil
}

func (s *Store) ListResponses(_ context.Context, sessionID, questionID string) ([]domain.Response, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Response
	for _, r := range s.responses[sessionID] {
		if questionID == "" || r.QuestionID == questionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AcquireHostLease(_ context.Context, sessionID, holderID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if current, ok := s.leases[sessionID]; ok && current.holderID != holderID && current.expiresAt.After(now) {
		return domain.ErrHostLeaseHeld
	}
	s.leases[sessionID] = lease{holderID: holderID, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) RefreshHostLease(_ context.Context, sessionID, holderID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	current, ok := s.leases[sessionID]
	if !ok || current.holderID != holderID {
		return domain.ErrHostLeaseHeld
	}
	s.leases[sessionID] = lease{holderID: holderID, expiresAt: now.Add(ttl)}
	return nil
}

func (s *Store) ReleaseHostLease(_ context.Context, sessionID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.leases[sessionID]; ok && current.holderID == holderID {
		delete(s.leases, sessionID)
	}
	return nil
}
