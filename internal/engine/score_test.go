package engine_test

import (
	"testing"
	"time"

	"promptline/internal/config"
	"promptline/internal/domain"
	"promptline/internal/engine"
)

func fixedClock() time.Time {
	return time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
}

func TestScoreBreakdownFixtures(t *testing.T) {
	cfg := config.Default()
	now := fixedClock()
	oneDayAgo := now.Add(-25 * time.Hour).Format(time.RFC3339)

	cases := []struct {
		name     string
		issue    domain.Issue
		goal     bool
		want     int
		wantPart engine.ScoreBreakdown
	}{
		{
			name:     "high priority task one day old",
			issue:    domain.Issue{Priority: 2, Type: "task", CreatedAt: oneDayAgo},
			want:     100,
			wantPart: engine.ScoreBreakdown{PriorityWeight: 75, GoalBonus: 0, AgeBonus: 5, TypeBonus: 20},
		},
		{
			name:     "urgent signal one day old",
			issue:    domain.Issue{Priority: 1, Type: "signal", CreatedAt: oneDayAgo},
			want:     155,
			wantPart: engine.ScoreBreakdown{PriorityWeight: 100, GoalBonus: 0, AgeBonus: 5, TypeBonus: 50},
		},
		{
			name:     "goal bonus applies",
			issue:    domain.Issue{Priority: 2, Type: "task", CreatedAt: oneDayAgo},
			goal:     true,
			want:     120,
			wantPart: engine.ScoreBreakdown{PriorityWeight: 75, GoalBonus: 20, AgeBonus: 5, TypeBonus: 20},
		},
		{
			name:     "no priority fresh issue",
			issue:    domain.Issue{Priority: 0, Type: "monitor", CreatedAt: now.Format(time.RFC3339)},
			want:     10,
			wantPart: engine.ScoreBreakdown{TypeBonus: 10},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			score, parts := engine.ScoreIssue(tc.issue, tc.goal, now, cfg)
			if parts != tc.wantPart {
				t.Fatalf("breakdown = %+v, want %+v", parts, tc.wantPart)
			}
			if score != tc.want {
				t.Fatalf("score = %d, want %d", score, tc.want)
			}
		})
	}
}

func TestScoreDeterminism(t *testing.T) {
	cfg := config.Default()
	now := fixedClock()
	issue := domain.Issue{Priority: 3, Type: "hypothesis", CreatedAt: now.Add(-72 * time.Hour).Format(time.RFC3339)}
	first, firstParts := engine.ScoreIssue(issue, true, now, cfg)
	for i := 0; i < 10; i++ {
		score, parts := engine.ScoreIssue(issue, true, now, cfg)
		if score != first || parts != firstParts {
			t.Fatalf("score drifted across calls: %d vs %d", score, first)
		}
	}
}

func TestAgeBonusCapped(t *testing.T) {
	cfg := config.Default()
	now := fixedClock()
	ancient := domain.Issue{Priority: 4, Type: "task", CreatedAt: now.Add(-90 * 24 * time.Hour).Format(time.RFC3339)}
	_, parts := engine.ScoreIssue(ancient, false, now, cfg)
	if parts.AgeBonus != cfg.Dispatch.AgeBonusCap {
		t.Fatalf("age bonus = %d, want cap %d", parts.AgeBonus, cfg.Dispatch.AgeBonusCap)
	}

	future := domain.Issue{Priority: 4, Type: "task", CreatedAt: now.Add(time.Hour).Format(time.RFC3339)}
	_, parts = engine.ScoreIssue(future, false, now, cfg)
	if parts.AgeBonus != 0 {
		t.Fatalf("age bonus for future timestamp = %d, want 0", parts.AgeBonus)
	}
}
