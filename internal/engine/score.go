package engine

import (
	"time"

	"promptline/internal/config"
	"promptline/internal/domain"
)

// ScoreBreakdown itemizes the additive components of a queue score.
type ScoreBreakdown struct {
	PriorityWeight int `json:"priorityWeight"`
	GoalBonus      int `json:"goalBonus"`
	AgeBonus       int `json:"ageBonus"`
	TypeBonus      int `json:"typeBonus"`
}

// ScoreIssue computes the dispatch priority of an issue. It is a pure
// function of its arguments so it can be tested against fixed fixtures
// with a frozen clock.
func ScoreIssue(issue domain.Issue, hasActiveGoal bool, now time.Time, cfg *config.Config) (int, ScoreBreakdown) {
	var b ScoreBreakdown
	b.PriorityWeight = cfg.Dispatch.PriorityWeights[issue.Priority]
	if hasActiveGoal {
		b.GoalBonus = cfg.Dispatch.GoalBonus
	}
	b.AgeBonus = ageBonus(issue.CreatedAt, now, cfg)
	b.TypeBonus = cfg.Dispatch.TypeBonuses[issue.Type]
	return b.PriorityWeight + b.GoalBonus + b.AgeBonus + b.TypeBonus, b
}

// ageBonus grows with full days waited so low-priority work cannot
// starve forever, capped so age never dominates priority.
func ageBonus(createdAt string, now time.Time, cfg *config.Config) int {
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0
	}
	waited := now.Sub(created)
	if waited <= 0 {
		return 0
	}
	days := int(waited / (24 * time.Hour))
	bonus := days * cfg.Dispatch.AgeBonusPerDay
	if bonus > cfg.Dispatch.AgeBonusCap {
		bonus = cfg.Dispatch.AgeBonusCap
	}
	return bonus
}
