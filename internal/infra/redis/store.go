package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"livequiz-service/internal/domain"
)

// Store keeps session rows, participants, and responses in Redis and uses a
// pub/sub channel per session as the change feed, so multiple service
// instances converge on the same state.
//
// Layout:
//
//	quiz:session:{id}               JSON session row
//	quiz:session:code:{code}        join-code -> session id
//	quiz:session:{id}:participants  hash participantID -> JSON
//	quiz:session:{id}:responses     hash "{participantID}:{questionID}" -> JSON
//	quiz:session:{id}:lease         host lease value = holder id
//	quiz:session:{id}:feed          pub/sub channel carrying row snapshots
type Store struct {
	client *redis.Client
	// ttl bounds how long finished session data lingers; zero keeps it forever.
	ttl time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func (s *Store) CreateSession(ctx context.Context, session domain.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.ID), data, s.ttl)
	pipe.Set(ctx, s.codeKey(session.Code), session.ID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (domain.Session, error) {
	raw, err := s.client.Get(ctx, s.sessionKey(id)).Result()
	if err == redis.Nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("load session: %w", err)
	}
	var session domain.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return domain.Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return session, nil
}

func (s *Store) GetSessionByCode(ctx context.Context, code string) (domain.Session, error) {
	id, err := s.client.Get(ctx, s.codeKey(code)).Result()
	if err == redis.Nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve join code: %w", err)
	}
	return s.GetSession(ctx, id)
}

// UpdateSession replaces the row and publishes the new snapshot on the feed
// channel. The coordinator is the row's single writer, so a plain SET is an
// atomic per-row update here.
func (s *Store) UpdateSession(ctx context.Context, session domain.Session) (domain.Session, error) {
	current, err := s.GetSession(ctx, session.ID)
	if err != nil {
		return domain.Session{}, err
	}
	session.Version = current.Version + 1
	data, err := json.Marshal(session)
	if err != nil {
		return domain.Session{}, fmt.Errorf("marshal session: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.sessionKey(session.ID), data, s.ttl)
	pipe.Publish(ctx, s.feedChannel(session.ID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.Session{}, fmt.Errorf("store session: %w", err)
	}
	return session, nil
}

// WatchSession subscribes to the session's feed channel. The current
// snapshot is delivered first; cancel closes the subscription and the
// returned channel.
//
// The subscription is confirmed before the initial read, so a write landing
// in between is seen either in the initial snapshot or on the channel.
// Snapshots replayed from that window carry a version at or below the
// initial one and are dropped.
func (s *Store) WatchSession(ctx context.Context, id string) (<-chan domain.Session, func(), error) {
	pubsub := s.client.Subscribe(ctx, s.feedChannel(id))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("subscribe session feed: %w", err)
	}

	initial, err := s.GetSession(ctx, id)
	if err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan domain.Session, 8)
	out <- initial
	go func() {
		defer close(out)
		last := initial.Version
		for msg := range pubsub.Channel() {
			var session domain.Session
			if err := json.Unmarshal([]byte(msg.Payload), &session); err != nil {
				continue
			}
			if session.Version <= last {
				continue
			}
			last = session.Version
			select {
			case out <- session:
			default:
				select {
				case <-out:
				default:
				}
				out <- session
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return out, cancel, nil
}

// ServerTime answers the clock-sync probe with Redis's own clock, so every
// client syncs against the same reference.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("redis time: %w", err)
	}
	return t, nil
}

func (s *Store) AddParticipant(ctx context.Context, p domain.Participant) error {
	if _, err := s.GetSession(ctx, p.SessionID); err != nil {
		return err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal participant: %w", err)
	}
	pipe := s.client.TxPipeline()
	key := s.participantsKey(p.SessionID)
	pipe.HSet(ctx, key, p.ID, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store participant: %w", err)
	}
	return nil
}

func (s *Store) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	raw, err := s.client.HGetAll(ctx, s.participantsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(raw))
	for _, v := range raw {
		var p domain.Participant
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// InsertResponse checks the answer window against the current session row
// and then relies on HSETNX for uniqueness. The window check is
// check-then-set, not transactional; the residual race only admits an answer
// that was in flight at the exact moment of the phase advance, which the
// deadline stamped in the row already bounds.
func (s *Store) InsertResponse(ctx context.Context, r domain.Response) error {
	session, err := s.GetSession(ctx, r.SessionID)
	if err != nil {
		return err
	}
	now, err := s.ServerTime(ctx)
	if err != nil {
		return err
	}
	if session.Phase != domain.PhaseQuestion ||
		session.CurrentQuestionID != r.QuestionID ||
		now.After(session.TimerEnd) {
		return domain.ErrAnswerWindowClosed
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	key := s.responsesKey(r.SessionID)
	set, err := s.client.HSetNX(ctx, key, responseField(r.ParticipantID, r.QuestionID), data).Result()
	if err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	if !set {
		return domain.ErrDuplicateResponse
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, key, s.ttl).Err()
	}
	return nil
}

func (s *Store) ListResponses(ctx context.Context, sessionID, questionID string) ([]domain.Response, error) {
	raw, err := s.client.HGetAll(ctx, s.responsesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list responses: %w", err)
	}
	out := make([]domain.Response, 0, len(raw))
	for field, v := range raw {
		if questionID != "" && !strings.HasSuffix(field, ":"+questionID) {
			continue
		}
		var r domain.Response
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) AcquireHostLease(ctx context.Context, sessionID, holderID string, ttl time.Duration) error {
	key := s.leaseKey(sessionID)
	ok, err := s.client.SetNX(ctx, key, holderID, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire host lease: %w", err)
	}
	if ok {
		return nil
	}
	current, err := s.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("inspect host lease: %w", err)
	}
	if current != holderID {
		return domain.ErrHostLeaseHeld
	}
	return s.client.PExpire(ctx, key, ttl).Err()
}

func (s *Store) RefreshHostLease(ctx context.Context, sessionID, holderID string, ttl time.Duration) error {
	key := s.leaseKey(sessionID)
	current, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// lease expired; re-acquire
		return s.AcquireHostLease(ctx, sessionID, holderID, ttl)
	}
	if err != nil {
		return fmt.Errorf("inspect host lease: %w", err)
	}
	if current != holderID {
		return domain.ErrHostLeaseHeld
	}
	return s.client.PExpire(ctx, key, ttl).Err()
}

func (s *Store) ReleaseHostLease(ctx context.Context, sessionID, holderID string) error {
	key := s.leaseKey(sessionID)
	current, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect host lease: %w", err)
	}
	if current != holderID {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

func (s *Store) sessionKey(id string) string {
	return "quiz:session:" + id
}

func (s *Store) codeKey(code string) string {
	return "quiz:session:code:" + code
}

func (s *Store) participantsKey(id string) string {
	return "quiz:session:" + id + ":participants"
}

func (s *Store) responsesKey(id string) string {
	return "quiz:session:" + id + ":responses"
}

func (s *Store) leaseKey(id string) string {
	return "quiz:session:" + id + ":lease"
}

func (s *Store) feedChannel(id string) string {
	return "quiz:session:" + id + ":feed"
}

func responseField(participantID, questionID string) string {
	return participantID + ":" + questionID
}
