package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/repo"
)

// QueueEntry is one ranked row of the dispatch queue.
type QueueEntry struct {
	Issue     domain.Issue   `json:"issue"`
	Score     int            `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// DispatchResult is the answer to "give me the next issue and its
// prompt". A nil result is the explicit empty-queue outcome, not an
// error.
type DispatchResult struct {
	Issue     domain.Issue   `json:"issue"`
	Score     int            `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Match     MatchResult    `json:"match"`
	SessionID string         `json:"session_id"`
}

// RankQueue orders the eligible set by score descending with a FIFO
// tie-break (oldest created first). Read-only; safe to call
// concurrently with claims.
func (e Engine) RankQueue(ctx context.Context, projectID string, limit, offset int) ([]QueueEntry, int, error) {
	if e.Config == nil {
		return nil, 0, errors.New("config not loaded")
	}
	entries, err := e.rankAll(ctx, projectID)
	if err != nil {
		return nil, 0, err
	}
	total := len(entries)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []QueueEntry{}, total, nil
	}
	entries = entries[offset:]
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	return entries, total, nil
}

func (e Engine) rankAll(ctx context.Context, projectID string) ([]QueueEntry, error) {
	eligible, err := e.Repo.EligibleIssues(ctx, projectID, e.Config.Dispatch.BlockedFilter)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	activeGoals, err := e.Repo.ProjectsWithActiveGoals(ctx)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	entries := make([]QueueEntry, 0, len(eligible))
	for _, issue := range eligible {
		hasGoal := issue.ProjectID != nil && activeGoals[*issue.ProjectID]
		score, breakdown := ScoreIssue(issue, hasGoal, now, e.Config)
		entries = append(entries, QueueEntry{Issue: issue, Score: score, Breakdown: breakdown})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		if entries[i].Issue.CreatedAt != entries[j].Issue.CreatedAt {
			return entries[i].Issue.CreatedAt < entries[j].Issue.CreatedAt
		}
		return entries[i].Issue.ID < entries[j].Issue.ID
	})
	return entries, nil
}

// ClaimNext hands out the top-ranked eligible issue with its prompt.
// The status transition is a conditional write; when a concurrent
// caller wins the top candidate, the loop re-ranks and takes the next
// one, up to the configured attempt cap. A nil result means the queue
// is empty.
func (e Engine) ClaimNext(ctx context.Context, projectID, actorID string) (*DispatchResult, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	attempts := e.Config.Dispatch.ClaimAttempts
	for attempt := 0; attempt < attempts; attempt++ {
		entries, _, err := e.RankQueue(ctx, projectID, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			return nil, nil
		}
		result, err := e.claimOne(ctx, entries[0], actorID)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("claim contention after %d attempts: %w", attempts, repo.ErrConflict)
}

func (e Engine) claimOne(ctx context.Context, entry QueueEntry, actorID string) (*DispatchResult, error) {
	issue := entry.Issue
	match, err := e.MatchTemplate(ctx, issue)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := e.Repo.ClaimIssue(ctx, tx, issue.ID, now); err != nil {
		return nil, err
	}
	issue.Status = "in_progress"
	issue.UpdatedAt = now

	session := domain.DispatchSession{
		ID:        uuid.New().String(),
		IssueID:   issue.ID,
		ActorID:   actorID,
		StartedAt: now,
	}
	payload := events.EventPayload{"actor": actorID}
	if match.Template != nil {
		session.TemplateID = &match.Template.ID
		session.VersionID = &match.Version.ID
		payload["template"] = match.Template.Slug
		payload["version"] = match.Version.Version
		if err := e.Repo.IncrementVersionUsage(ctx, tx, match.Version.ID); err != nil {
			return nil, err
		}
	}
	if err := e.Repo.InsertSession(ctx, tx, session); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "issue.claimed", "issue", issue.ID, actorID, payload); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &DispatchResult{
		Issue:     issue,
		Score:     entry.Score,
		Breakdown: entry.Breakdown,
		Match:     match,
		SessionID: session.ID,
	}, nil
}
