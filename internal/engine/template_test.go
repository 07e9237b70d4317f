package engine_test

import (
	"math"
	"strings"
	"testing"
	"time"

	"promptline/internal/domain"
	"promptline/internal/engine"
	"promptline/internal/repo"
)

// mustTemplate creates a template with a promoted first version so it
// participates in matching.
func mustTemplate(t *testing.T, env *testEnv, slug string, conditions string, specificity int, body string) domain.PromptTemplate {
	t.Helper()
	tmpl, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Slug:          slug,
		ConditionsRaw: []byte(conditions),
		Specificity:   specificity,
		Body:          body,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create template %s: %v", slug, err)
	}
	versions, err := env.Engine.Repo.ListVersions(env.Ctx, tmpl.ID, 0)
	if err != nil || len(versions) != 1 {
		t.Fatalf("list versions of %s: %v", slug, err)
	}
	if _, err := env.Engine.PromoteVersion(env.Ctx, tmpl.ID, versions[0].ID, "tester"); err != nil {
		t.Fatalf("promote %s: %v", slug, err)
	}
	tmpl, err = env.Engine.Repo.GetTemplate(env.Ctx, tmpl.ID)
	if err != nil {
		t.Fatalf("reload template %s: %v", slug, err)
	}
	return tmpl
}

func TestTemplateMatchingPicksMostSpecific(t *testing.T) {
	env := newTestEnv(t)
	generic := mustTemplate(t, env, "generic", "", 0, "work on {{title}}")
	env.advance(time.Minute)
	signals := mustTemplate(t, env, "signals", `{"type":"signal"}`, 10, "triage signal {{title}}")
	env.advance(time.Minute)
	sentry := mustTemplate(t, env, "sentry", `{"type":"signal","signalSource":"sentry"}`, 20, "sentry alert {{signal_source}}")

	signalIssue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Title: "prod error", Type: "signal", Status: "todo", SignalSource: "sentry", ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err := env.Engine.MatchTemplate(env.Ctx, signalIssue)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Template == nil || match.Template.ID != sentry.ID {
		t.Fatalf("matched %+v, want sentry", match.Template)
	}

	taskIssue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "chore", Status: "todo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err = env.Engine.MatchTemplate(env.Ctx, taskIssue)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Template == nil || match.Template.ID != generic.ID {
		t.Fatalf("task issue should fall back to generic, got %+v", match.Template)
	}
	_ = signals
}

func TestTemplateWithoutActiveVersionNeverMatches(t *testing.T) {
	env := newTestEnv(t)
	mustTemplate(t, env, "fallback", "", 0, "fallback {{title}}")
	// highest specificity but never promoted
	if _, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Slug:          "draft-only",
		ConditionsRaw: []byte(`{"type":"task"}`),
		Specificity:   100,
		Body:          "unpublished",
		ActorID:       "tester",
	}); err != nil {
		t.Fatalf("create template: %v", err)
	}
	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "t", Status: "todo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err := env.Engine.MatchTemplate(env.Ctx, issue)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Template == nil || match.Template.Slug != "fallback" {
		t.Fatalf("draft-only template must not match, got %+v", match.Template)
	}
}

func TestTemplateSpecificityTieBreakFIFO(t *testing.T) {
	env := newTestEnv(t)
	older := mustTemplate(t, env, "older", `{"type":"task"}`, 10, "a")
	env.advance(time.Minute)
	mustTemplate(t, env, "newer", `{"type":"task"}`, 10, "b")

	issue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{Title: "t", Status: "todo", ActorID: "tester"})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err := env.Engine.MatchTemplate(env.Ctx, issue)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Template == nil || match.Template.ID != older.ID {
		t.Fatalf("tie must go to the earlier registration, got %+v", match.Template)
	}
}

func TestTemplateConditionsLabelsConfidenceFailures(t *testing.T) {
	env := newTestEnv(t)
	mustTemplate(t, env, "confident", `{"type":"hypothesis","minConfidence":0.7,"labels":["ml","infra"]}`, 10, "x")

	conf := 0.9
	matchIssue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Title: "high", Type: "hypothesis", Status: "todo", Confidence: &conf, Labels: []string{"infra"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err := env.Engine.MatchTemplate(env.Ctx, matchIssue)
	if err != nil || match.Template == nil {
		t.Fatalf("expected match: %v %+v", err, match)
	}

	low := 0.4
	missIssue, err := env.Engine.CreateIssue(env.Ctx, engine.IssueCreateOptions{
		Title: "low", Type: "hypothesis", Status: "todo", Confidence: &low, Labels: []string{"infra"}, ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	match, err = env.Engine.MatchTemplate(env.Ctx, missIssue)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if match.Template != nil {
		t.Fatalf("low confidence must not match")
	}
	if match.Message == "" {
		t.Fatalf("empty outcome should carry an explanation")
	}
}

func TestHasFailedSessionsCondition(t *testing.T) {
	env := newTestEnv(t)
	mustTemplate(t, env, "retry", `{"hasFailedSessions":true}`, 50, "try again: {{title}}")
	mustTemplate(t, env, "fresh", "", 0, "first try: {{title}}")

	id := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "flaky"})
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, id)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	match, err := env.Engine.MatchTemplate(env.Ctx, issue)
	if err != nil || match.Template == nil || match.Template.Slug != "fresh" {
		t.Fatalf("unclaimed issue should match fresh, got %+v (%v)", match.Template, err)
	}

	// claim then abandon, leaving a failed session behind
	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil || res == nil || res.Issue.ID != id {
		t.Fatalf("claim: %v", err)
	}
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: id, Status: "todo", ActorID: "agent-1"}); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	issue, err = env.Engine.Repo.GetIssue(env.Ctx, id)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	match, err = env.Engine.MatchTemplate(env.Ctx, issue)
	if err != nil || match.Template == nil || match.Template.Slug != "retry" {
		t.Fatalf("failed issue should match retry, got %+v (%v)", match.Template, err)
	}
}

func TestRenderPromptPlaceholders(t *testing.T) {
	source := "sentry"
	issue := domain.Issue{
		ID: "abc", Number: 7, Title: "crash loop", Type: "signal",
		Status: "todo", Priority: 1, Labels: []string{"prod", "urgent"},
		SignalSource: &source,
	}
	body := "Issue #{{number}} ({{type}}): {{title}} from {{signal_source}} labels=[{{labels}}] missing={{hypothesis}} keep={{unknown}}"
	got := engine.RenderPrompt(body, issue)
	want := "Issue #7 (signal): crash loop from sentry labels=[prod, urgent] missing= keep={{unknown}}"
	if got != want {
		t.Fatalf("rendered %q, want %q", got, want)
	}
}

func TestPromoteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	tmpl := mustTemplate(t, env, "lifecycle", "", 0, "v1 body")
	v2, err := env.Engine.CreateVersion(env.Ctx, tmpl.ID, "v2 body", "tester")
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	if v2.Version != 2 || v2.Status != "draft" {
		t.Fatalf("v2 = %+v", v2)
	}

	promoted, err := env.Engine.PromoteVersion(env.Ctx, tmpl.ID, v2.ID, "tester")
	if err != nil {
		t.Fatalf("promote v2: %v", err)
	}
	if promoted.Status != "active" {
		t.Fatalf("promoted status = %s", promoted.Status)
	}

	versions, err := env.Engine.Repo.ListVersions(env.Ctx, tmpl.ID, 0)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	active := 0
	for _, v := range versions {
		if v.Status == "active" {
			active++
			if v.ID != v2.ID {
				t.Fatalf("wrong active version %d", v.Version)
			}
		}
		if v.Version == 1 && v.Status != "retired" {
			t.Fatalf("v1 status = %s, want retired", v.Status)
		}
	}
	if active != 1 {
		t.Fatalf("active versions = %d, want 1", active)
	}
	reloaded, err := env.Engine.Repo.GetTemplate(env.Ctx, tmpl.ID)
	if err != nil || reloaded.ActiveVersionID == nil || *reloaded.ActiveVersionID != v2.ID {
		t.Fatalf("pointer not advanced: %+v (%v)", reloaded.ActiveVersionID, err)
	}

	// re-promoting the active version is rejected
	if _, err := env.Engine.PromoteVersion(env.Ctx, tmpl.ID, v2.ID, "tester"); err == nil {
		t.Fatalf("expected error promoting active version")
	}
	// a retired version can come back
	retired := versions[len(versions)-1]
	if retired.Version != 1 {
		for _, v := range versions {
			if v.Version == 1 {
				retired = v
			}
		}
	}
	back, err := env.Engine.PromoteVersion(env.Ctx, tmpl.ID, retired.ID, "tester")
	if err != nil || back.Status != "active" {
		t.Fatalf("re-promote retired: %v", err)
	}
}

func TestPromoteRejectsForeignVersion(t *testing.T) {
	env := newTestEnv(t)
	a := mustTemplate(t, env, "one", "", 0, "a")
	b := mustTemplate(t, env, "two", "", 0, "b")
	bVersions, err := env.Engine.Repo.ListVersions(env.Ctx, b.ID, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := env.Engine.PromoteVersion(env.Ctx, a.ID, bVersions[0].ID, "tester"); err == nil {
		t.Fatalf("expected cross-template promote to fail")
	}
}

func TestPromotePointerCompareAndSet(t *testing.T) {
	env := newTestEnv(t)
	tmpl := mustTemplate(t, env, "cas", "", 0, "v1")
	v2, err := env.Engine.CreateVersion(env.Ctx, tmpl.ID, "v2", "tester")
	if err != nil {
		t.Fatalf("create v2: %v", err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	// stale prev pointer must lose
	stale := "not-the-current-pointer"
	err = env.Engine.Repo.SetActiveVersionPointer(env.Ctx, tx, tmpl.ID, &stale, v2.ID, env.clock.Format(time.RFC3339))
	if err != repo.ErrConflict {
		t.Fatalf("stale CAS = %v, want ErrConflict", err)
	}
}

func TestSubmitReviewEWMA(t *testing.T) {
	env := newTestEnv(t)
	tmpl := mustTemplate(t, env, "reviewed", "", 0, "body")
	versions, _ := env.Engine.Repo.ListVersions(env.Ctx, tmpl.ID, 0)
	v := versions[0]
	issueID := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "work"})

	// first review seeds the score with the raw sample
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.ReviewOptions{
		VersionID: v.ID, IssueID: issueID, Clarity: 5, Completeness: 4, Relevance: 3, ActorID: "agent-1",
	}); err != nil {
		t.Fatalf("first review: %v", err)
	}
	got, err := env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil || got.ReviewScore == nil {
		t.Fatalf("score missing: %v", err)
	}
	if math.Abs(*got.ReviewScore-4.0) > 1e-9 {
		t.Fatalf("seed score = %f, want 4.0", *got.ReviewScore)
	}
	if got.TotalReviews != 1 {
		t.Fatalf("total reviews = %d", got.TotalReviews)
	}

	// subsequent reviews are smoothed; a single sample moves the
	// score by at most alpha times the max sample delta
	alpha := env.Engine.Config.Review.Alpha
	prev := *got.ReviewScore
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.ReviewOptions{
		VersionID: v.ID, IssueID: issueID, Clarity: 1, Completeness: 1, Relevance: 1, ActorID: "agent-1",
	}); err != nil {
		t.Fatalf("second review: %v", err)
	}
	got, err = env.Engine.Repo.GetVersion(env.Ctx, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	want := alpha*1.0 + (1-alpha)*prev
	if math.Abs(*got.ReviewScore-want) > 1e-9 {
		t.Fatalf("smoothed score = %f, want %f", *got.ReviewScore, want)
	}
	if delta := math.Abs(*got.ReviewScore - prev); delta > alpha*4+1e-9 {
		t.Fatalf("score moved by %f, beyond the smoothing bound %f", delta, alpha*4)
	}
	if got.AvgClarity == nil || math.Abs(*got.AvgClarity-3.0) > 1e-9 {
		t.Fatalf("avg clarity = %+v, want 3.0", got.AvgClarity)
	}
}

func TestSubmitReviewValidation(t *testing.T) {
	env := newTestEnv(t)
	tmpl := mustTemplate(t, env, "strict", "", 0, "body")
	versions, _ := env.Engine.Repo.ListVersions(env.Ctx, tmpl.ID, 0)
	issueID := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "work"})

	bad := []engine.ReviewOptions{
		{VersionID: versions[0].ID, IssueID: issueID, Clarity: 0, Completeness: 3, Relevance: 3},
		{VersionID: versions[0].ID, IssueID: issueID, Clarity: 3, Completeness: 6, Relevance: 3},
		{VersionID: versions[0].ID, IssueID: issueID, Clarity: 3, Completeness: 3, Relevance: 3, AuthorType: "robot"},
		{VersionID: versions[0].ID, IssueID: "missing", Clarity: 3, Completeness: 3, Relevance: 3},
		{VersionID: "missing", IssueID: issueID, Clarity: 3, Completeness: 3, Relevance: 3},
	}
	for i, opts := range bad {
		opts.ActorID = "agent-1"
		if _, err := env.Engine.SubmitReview(env.Ctx, opts); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
}

func TestTemplateHealthNeedsAttention(t *testing.T) {
	env := newTestEnv(t)

	// healthy: claimed, completed, well reviewed
	healthy := mustTemplate(t, env, "healthy", `{"type":"task"}`, 10, "do {{title}}")
	issueID := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "good run", Type: "task"})
	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil || res == nil || res.Issue.ID != issueID {
		t.Fatalf("claim: %v", err)
	}
	env.advance(30 * time.Minute)
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: issueID, Status: "done", ActorID: "agent-1"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.ReviewOptions{
		VersionID: res.Match.Version.ID, IssueID: issueID, Clarity: 4, Completeness: 4, Relevance: 4, ActorID: "agent-1",
	}); err != nil {
		t.Fatalf("review: %v", err)
	}

	// degraded: poorly reviewed
	degraded := mustTemplate(t, env, "degraded", `{"type":"monitor"}`, 10, "check {{title}}")
	monID := env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "bad run", Type: "monitor"})
	res2, err := env.Engine.ClaimNext(env.Ctx, "", "agent-2")
	if err != nil || res2 == nil || res2.Issue.ID != monID {
		t.Fatalf("claim monitor: %v", err)
	}
	if _, err := env.Engine.UpdateIssue(env.Ctx, engine.IssueUpdateOptions{ID: monID, Status: "done", ActorID: "agent-2"}); err != nil {
		t.Fatalf("complete monitor: %v", err)
	}
	if _, err := env.Engine.SubmitReview(env.Ctx, engine.ReviewOptions{
		VersionID: res2.Match.Version.ID, IssueID: monID, Clarity: 2, Completeness: 2, Relevance: 2, ActorID: "agent-2",
	}); err != nil {
		t.Fatalf("review monitor: %v", err)
	}

	// never promoted
	if _, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Slug: "dormant", Body: "unused", ActorID: "tester",
	}); err != nil {
		t.Fatalf("create dormant: %v", err)
	}

	rows, err := env.Engine.TemplateHealth(env.Ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	byks := map[string]domain.TemplateHealth{}
	for _, h := range rows {
		byks[h.Slug] = h
	}
	if h := byks["healthy"]; h.NeedsAttention {
		t.Fatalf("healthy template flagged: %+v", h)
	} else if h.TemplateID != healthy.ID {
		t.Fatalf("health row mismatch")
	}
	if h := byks["degraded"]; !h.NeedsAttention {
		t.Fatalf("degraded template not flagged: %+v", h)
	} else if h.TemplateID != degraded.ID {
		t.Fatalf("health row mismatch")
	}
	if h := byks["dormant"]; !h.NeedsAttention || h.ActiveVersion != nil {
		t.Fatalf("dormant template not flagged: %+v", h)
	}
}

func TestClaimIncrementsUsageAndSessionLinks(t *testing.T) {
	env := newTestEnv(t)
	mustTemplate(t, env, "tracked", "", 0, "run {{title}}")
	env.mustCreateIssue(t, engine.IssueCreateOptions{Title: "tracked work"})

	res, err := env.Engine.ClaimNext(env.Ctx, "", "agent-1")
	if err != nil || res == nil {
		t.Fatalf("claim: %v", err)
	}
	if res.Match.Template == nil || res.Match.Version == nil {
		t.Fatalf("claim did not resolve a prompt: %+v", res.Match)
	}
	if !strings.Contains(res.Match.Prompt, "tracked work") {
		t.Fatalf("prompt not rendered: %q", res.Match.Prompt)
	}
	v, err := env.Engine.Repo.GetVersion(env.Ctx, res.Match.Version.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v.UsageCount != 1 {
		t.Fatalf("usage count = %d, want 1", v.UsageCount)
	}
}

func TestCreateTemplateRejectsUnknownConditionField(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTemplate(env.Ctx, engine.TemplateCreateOptions{
		Slug:          "bad",
		ConditionsRaw: []byte(`{"assignee":"bob"}`),
		ActorID:       "tester",
	}); err == nil {
		t.Fatalf("expected unknown condition field to be rejected")
	}
}
