package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"livequiz-service/internal/domain"
)

// Archiver writes the durable summary of an ended session: the session row
// and its final scores. Sessions are never deleted; this is the historical
// record the live store's TTL eventually drops.
type Archiver struct {
	pool *pgxpool.Pool
}

func NewArchiver(pool *pgxpool.Pool) *Archiver {
	return &Archiver{pool: pool}
}

func (a *Archiver) ArchiveSession(ctx context.Context, session domain.Session, board domain.Leaderboard, responses []domain.Response) error {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO session_archive (id, code, quiz_id, created_at, ended_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO NOTHING`,
		session.ID, session.Code, session.QuizID, session.CreatedAt)
	if err != nil {
		return fmt.Errorf("archive session row: %w", err)
	}

	for _, r := range responses {
		_, err = tx.Exec(ctx, `
			INSERT INTO session_responses (session_id, participant_id, question_id, option_index, answer_text, correct, points, submitted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id, participant_id, question_id) DO NOTHING`,
			r.SessionID, r.ParticipantID, r.QuestionID, r.OptionIndex, r.AnswerText, r.Correct, r.Points, r.SubmittedAt)
		if err != nil {
			return fmt.Errorf("archive response row: %w", err)
		}
	}

	for rank, entry := range board.Entries {
		_, err = tx.Exec(ctx, `
			INSERT INTO session_scores (session_id, participant_id, username, score, rank)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (session_id, participant_id) DO NOTHING`,
			session.ID, entry.ParticipantID, entry.Username, entry.Score, rank+1)
		if err != nil {
			return fmt.Errorf("archive score row: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}
