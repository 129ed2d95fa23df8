package app

import (
	"math"
	"sort"
	"time"

	"livequiz-service/internal/domain"
)

// BuildPoll counts responses per option for one question. Percentages use
// total participants as the denominator, so non-responders depress them and
// the column never sums above 100.
func BuildPoll(question domain.Question, participants []domain.Participant, responses []domain.Response) domain.PollResult {
	options := question.PublicOptions()
	counts := make([]int, len(options))
	total := 0
	for _, r := range responses {
		if r.QuestionID != question.ID {
			continue
		}
		total++
		if r.OptionIndex >= 0 && r.OptionIndex < len(counts) {
			counts[r.OptionIndex]++
		}
	}

	tallies := make([]domain.OptionTally, len(options))
	for i, count := range counts {
		percent := 0
		if len(participants) > 0 {
			percent = int(math.Round(100 * float64(count) / float64(len(participants))))
		}
		tallies[i] = domain.OptionTally{OptionIndex: i, Count: count, Percent: percent}
	}

	return domain.PollResult{
		QuestionID:        question.ID,
		Tallies:           tallies,
		TotalParticipants: len(participants),
		TotalResponses:    total,
	}
}

// BuildLeaderboard sums awarded points per participant across the session,
// score descending. Ties break by who reached their score earlier, then by
// username, so the ordering is deterministic. Participants who never
// answered appear with zero.
func BuildLeaderboard(session domain.Session, participants []domain.Participant, responses []domain.Response, now time.Time) domain.Leaderboard {
	scores := make(map[string]int, len(participants))
	lastScored := make(map[string]time.Time, len(participants))
	for _, r := range responses {
		scores[r.ParticipantID] += r.Points
		if r.SubmittedAt.After(lastScored[r.ParticipantID]) {
			lastScored[r.ParticipantID] = r.SubmittedAt
		}
	}

	entries := make([]domain.LeaderboardEntry, 0, len(participants))
	for _, p := range participants {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: p.ID,
			Username:      p.Username,
			Score:         scores[p.ID],
		})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		ti, tj := lastScored[entries[i].ParticipantID], lastScored[entries[j].ParticipantID]
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return entries[i].Username < entries[j].Username
	})

	return domain.Leaderboard{
		SessionID: session.ID,
		Entries:   entries,
		UpdatedAt: now,
	}
}
