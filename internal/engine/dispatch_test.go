package engine_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"promptline/internal/engine"
)

func TestQueueOrderingByScore(t *testing.T) {
	env := newTestEnv(t)
	low := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "low", Priority: 4, Type: "task"})
	urgent := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "urgent", Priority: 1, Type: "task"})
	signal := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "alert", Priority: 1, Type: "signal"})

	entries, total, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if total != 3 || len(entries) != 3 {
		t.Fatalf("total = %d, len = %d, want 3", total, len(entries))
	}
	wantOrder := []string{signal, urgent, low}
	for i, id := range wantOrder {
		if entries[i].Issue.ID != id {
			t.Fatalf("position %d = %s, want %s", i, entries[i].Issue.Title, id)
		}
	}
	if entries[0].Score <= entries[1].Score || entries[1].Score <= entries[2].Score {
		t.Fatalf("scores not strictly descending: %d %d %d", entries[0].Score, entries[1].Score, entries[2].Score)
	}
}

func TestQueueFIFOTieBreak(t *testing.T) {
	env := newTestEnv(t)
	first := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "first", Priority: 2})
	env.advance(time.Minute)
	second := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "second", Priority: 2})

	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if entries[0].Issue.ID != first || entries[1].Issue.ID != second {
		t.Fatalf("tie-break not FIFO: got %s then %s", entries[0].Issue.Title, entries[1].Issue.Title)
	}
}

func TestQueuePaginationPreservesOrder(t *testing.T) {
	env := newTestEnv(t)
	for i, p := range []int{4, 1, 3, 2, 1} {
		env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "issue", Priority: p, Type: "task"})
		env.advance(time.Duration(i+1) * time.Minute)
	}
	full, total, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if total != 5 {
		t.Fatalf("total = %d, want 5", total)
	}
	var paged []string
	for offset := 0; offset < total; offset += 2 {
		page, pageTotal, err := env.Engine.RankQueue(env.Ctx, "", 2, offset)
		if err != nil {
			t.Fatalf("rank page offset %d: %v", offset, err)
		}
		if pageTotal != total {
			t.Fatalf("page total = %d, want %d", pageTotal, total)
		}
		for _, e := range page {
			paged = append(paged, e.Issue.ID)
		}
	}
	for i := range full {
		if full[i].Issue.ID != paged[i] {
			t.Fatalf("pagination reordered entry %d", i)
		}
	}
}

func TestGoalBonusAppliedInQueue(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, "core", "Core", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	if _, err := env.Engine.CreateGoal(env.Ctx, "core", "ship it", "tester"); err != nil {
		t.Fatalf("create goal: %v", err)
	}
	withGoal := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "aligned", Priority: 2, ProjectID: "core"})
	env.advance(time.Minute)
	without := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "stray", Priority: 2})

	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if entries[0].Issue.ID != withGoal || entries[1].Issue.ID != without {
		t.Fatalf("goal-linked issue not ranked first")
	}
	if entries[0].Breakdown.GoalBonus == 0 || entries[1].Breakdown.GoalBonus != 0 {
		t.Fatalf("goal bonus misapplied: %+v vs %+v", entries[0].Breakdown, entries[1].Breakdown)
	}
}

func TestClaimNextTransitionsAndRecordsSession(t *testing.T) {
	env := newTestEnv(t)
	top := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "top", Priority: 1})
	env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "next", Priority: 3})

	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if res == nil || res.Issue.ID != top {
		t.Fatalf("claimed wrong issue: %+v", res)
	}
	if res.Issue.Status != "in_progress" {
		t.Fatalf("status = %s, want in_progress", res.Issue.Status)
	}
	if res.SessionID == "" {
		t.Fatalf("no session recorded")
	}
	stored, err := env.Engine.Repo.GetIssue(env.Ctx, top)
	if err != nil || stored.Status != "in_progress" {
		t.Fatalf("persisted status = %s (%v)", stored.Status, err)
	}

	// the claimed issue leaves the queue
	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 1 || entries[0].Issue.ID == top {
		t.Fatalf("claimed issue still eligible")
	}
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil {
		t.Fatalf("claim on empty queue: %v", err)
	}
	if res != nil {
		t.Fatalf("expected nil result, got %+v", res)
	}
}

func TestClaimEachIssueAtMostOnce(t *testing.T) {
	env := newTestEnv(t)
	n := 4
	for i := 0; i < n; i++ {
		env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "work", Priority: 2})
		env.advance(time.Second)
	}
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
		if err != nil || res == nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if seen[res.Issue.ID] {
			t.Fatalf("issue %s claimed twice", res.Issue.ID)
		}
		seen[res.Issue.ID] = true
	}
	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil || res != nil {
		t.Fatalf("drained queue should be empty, got %+v (%v)", res, err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	env := newTestEnv(t)
	const claimers = 8
	const backlog = 4
	for i := 0; i < backlog; i++ {
		env.mustCreateIssue(t, engine.IssueCreateOptions{Title: fmt.Sprintf("job %d", i), Priority: 2})
		env.advance(time.Second)
	}

	results := make([]*engine.DispatchResult, claimers)
	errs := make([]error, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = env.Engine.ClaimNext(env.Ctx, "", fmt.Sprintf("agent-%d", n))
		}(i)
	}
	wg.Wait()

	claimed := map[string]int{}
	var granted int
	for i := 0; i < claimers; i++ {
		if errs[i] != nil {
			t.Fatalf("claimer %d: %v", i, errs[i])
		}
		if results[i] == nil {
			continue
		}
		claimed[results[i].Issue.ID]++
		granted++
	}
	if granted != backlog {
		t.Fatalf("granted %d claims, want %d", granted, backlog)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("issue %s claimed %d times", id, n)
		}
	}
	counts, err := env.Engine.Repo.CountIssuesByStatus(env.Ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts["in_progress"] != backlog {
		t.Fatalf("in_progress = %d, want %d", counts["in_progress"], backlog)
	}
}

func TestBlockedIssuesExcluded(t *testing.T) {
	env := newTestEnv(t)
	blocker := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocker", Priority: 3})
	blocked := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocked", Priority: 1})
	if _, err := env.Engine.AddRelation(env.Ctx, blocker, blocked, "blocks", "tester"); err != nil {
		t.Fatalf("relate: %v", err)
	}

	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 1 || entries[0].Issue.ID != blocker {
		t.Fatalf("blocked issue still in queue: %+v", entries)
	}

	// resolving the blocker releases the blocked issue
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: blocker, Status: "done", ActorID: "tester", Force: true}); err != nil {
		t.Fatalf("finish blocker: %v", err)
	}
	entries, _, err = env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 1 || entries[0].Issue.ID != blocked {
		t.Fatalf("blocked issue not released: %+v", entries)
	}
}

func TestBlockedByRelationAlsoGates(t *testing.T) {
	env := newTestEnv(t)
	dependent := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "dependent", Priority: 1})
	dependency := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "dependency", Priority: 3})
	if _, err := env.Engine.AddRelation(env.Ctx, dependent, dependency, "blocked_by", "tester"); err != nil {
		t.Fatalf("relate: %v", err)
	}
	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 1 || entries[0].Issue.ID != dependency {
		t.Fatalf("blocked_by source still in queue: %+v", entries)
	}
}

func TestBlockedFilterDisabled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Dispatch.BlockedFilter = false
	blocker := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocker", Priority: 3})
	blocked := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocked", Priority: 1})
	if _, err := env.Engine.AddRelation(env.Ctx, blocker, blocked, "blocks", "tester"); err != nil {
		t.Fatalf("relate: %v", err)
	}
	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("filter disabled but queue has %d entries", len(entries))
	}
}

func TestAbandonedGoalDropsBonus(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateProject(env.Ctx, "core", "Core", "", "tester"); err != nil {
		t.Fatalf("create project: %v", err)
	}
	goal, err := env.Engine.CreateGoal(env.Ctx, "core", "ship it", "tester")
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	id := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "aligned", Priority: 2, ProjectID: "core"})

	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if entries[0].Issue.ID != id || entries[0].Breakdown.GoalBonus == 0 {
		t.Fatalf("expected goal bonus before abandon: %+v", entries[0].Breakdown)
	}

	if err := env.Engine.UpdateGoalStatus(env.Ctx, goal.ID, "abandoned", "tester"); err != nil {
		t.Fatalf("abandon goal: %v", err)
	}
	entries, _, err = env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if entries[0].Breakdown.GoalBonus != 0 {
		t.Fatalf("goal bonus survived abandon: %+v", entries[0].Breakdown)
	}

	if err := env.Engine.UpdateGoalStatus(env.Ctx, goal.ID, "paused", "tester"); err == nil {
		t.Fatalf("invalid goal status accepted")
	}
	if err := env.Engine.UpdateGoalStatus(env.Ctx, "missing", "achieved", "tester"); err == nil {
		t.Fatalf("unknown goal accepted")
	}
}

func TestRemoveRelationReleasesBlock(t *testing.T) {
	env := newTestEnv(t)
	blocker := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocker", Priority: 3})
	blocked := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "blocked", Priority: 1})
	if _, err := env.Engine.AddRelation(env.Ctx, blocker, blocked, "blocks", "tester"); err != nil {
		t.Fatalf("relate: %v", err)
	}
	entries, _, err := env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("blocked issue still eligible: %+v", entries)
	}

	if err := env.Engine.RemoveRelation(env.Ctx, blocker, blocked, "blocks", "tester"); err != nil {
		t.Fatalf("unrelate: %v", err)
	}
	entries, _, err = env.Engine.RankQueue(env.Ctx, "", 0, 0)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("queue has %d entries after unrelate, want 2", len(entries))
	}
	rels, err := env.Engine.Repo.ListRelations(env.Ctx, blocker)
	if err != nil {
		t.Fatalf("list relations: %v", err)
	}
	if len(rels) != 0 {
		t.Fatalf("relation row survived removal: %+v", rels)
	}
}
