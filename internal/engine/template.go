package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/repo"
)

// MatchResult is the outcome of resolving the best prompt template for
// an issue. Template is nil when nothing matched; Message explains
// why. That is a successful empty outcome, not an error.
type MatchResult struct {
	Template *domain.PromptTemplate `json:"template,omitempty"`
	Version  *domain.PromptVersion  `json:"version,omitempty"`
	Prompt   string                 `json:"prompt,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

// MatchTemplate picks the single best template for an issue: every
// condition a template declares must hold, templates without an active
// version are excluded, and ties break by specificity descending then
// oldest registered.
func (e Engine) MatchTemplate(ctx context.Context, issue domain.Issue) (MatchResult, error) {
	templates, err := e.Repo.MatchableTemplates(ctx)
	if err != nil {
		return MatchResult{}, err
	}
	hasFailed, err := e.Repo.IssueHasFailedSessions(ctx, issue.ID)
	if err != nil {
		return MatchResult{}, err
	}
	for idx := range templates {
		t := templates[idx]
		if !conditionsMatch(t.Conditions, issue, hasFailed) {
			continue
		}
		version, err := e.Repo.GetVersion(ctx, *t.ActiveVersionID)
		if err != nil {
			return MatchResult{}, fmt.Errorf("active version of template %s: %w", t.Slug, err)
		}
		return MatchResult{
			Template: &t,
			Version:  &version,
			Prompt:   RenderPrompt(version.Body, issue),
		}, nil
	}
	return MatchResult{Message: fmt.Sprintf("no prompt template matches issue #%d (%s)", issue.Number, issue.Type)}, nil
}

func conditionsMatch(c domain.TemplateConditions, issue domain.Issue, hasFailed bool) bool {
	if c.Type != nil && *c.Type != issue.Type {
		return false
	}
	if c.SignalSource != nil {
		if issue.SignalSource == nil || *issue.SignalSource != *c.SignalSource {
			return false
		}
	}
	if len(c.Labels) > 0 && !labelsIntersect(c.Labels, issue.Labels) {
		return false
	}
	if c.ProjectID != nil {
		if issue.ProjectID == nil || *issue.ProjectID != *c.ProjectID {
			return false
		}
	}
	if c.HasFailedSessions != nil && *c.HasFailedSessions != hasFailed {
		return false
	}
	if c.MinConfidence != nil {
		if issue.Confidence == nil || *issue.Confidence < *c.MinConfidence {
			return false
		}
	}
	return true
}

func labelsIntersect(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

// RenderPrompt substitutes {{field}} placeholders in a version body
// with issue field values. Unknown placeholders are left untouched.
func RenderPrompt(body string, issue domain.Issue) string {
	pairs := []string{
		"{{id}}", issue.ID,
		"{{number}}", strconv.Itoa(issue.Number),
		"{{title}}", issue.Title,
		"{{description}}", issue.Description,
		"{{type}}", issue.Type,
		"{{status}}", issue.Status,
		"{{priority}}", strconv.Itoa(issue.Priority),
		"{{project_id}}", derefString(issue.ProjectID),
		"{{labels}}", strings.Join(issue.Labels, ", "),
		"{{signal_source}}", derefString(issue.SignalSource),
		"{{signal_payload}}", derefString(issue.SignalPayload),
		"{{hypothesis}}", derefString(issue.Hypothesis),
		"{{confidence}}", formatConfidence(issue.Confidence),
		"{{commit_ref}}", derefString(issue.CommitRef),
		"{{pr_ref}}", derefString(issue.PRRef),
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatConfidence(c *float64) string {
	if c == nil {
		return ""
	}
	return strconv.FormatFloat(*c, 'f', 2, 64)
}

// TemplateCreateOptions are parameters for registering a template.
type TemplateCreateOptions struct {
	Slug          string
	Name          string
	ConditionsRaw []byte
	Specificity   int
	ProjectID     string
	Body          string
	ActorID       string
}

// CreateTemplate registers a template. When Body is non-empty an
// initial draft version is created alongside it.
func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.PromptTemplate, error) {
	if opts.Slug == "" {
		return domain.PromptTemplate{}, errors.New("slug is required")
	}
	if opts.Name == "" {
		opts.Name = opts.Slug
	}
	conditions, err := repo.ValidateConditionsJSON(opts.ConditionsRaw)
	if err != nil {
		return domain.PromptTemplate{}, err
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
			return domain.PromptTemplate{}, err
		}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.PromptTemplate{
		ID:          uuid.New().String(),
		Slug:        opts.Slug,
		Name:        opts.Name,
		Conditions:  conditions,
		Specificity: opts.Specificity,
		ProjectID:   optionalString(opts.ProjectID),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplate(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, "template.created", "template", t.ID, opts.ActorID, events.EventPayload{"slug": t.Slug}); err != nil {
		return t, err
	}
	if opts.Body != "" {
		v := domain.PromptVersion{
			ID:         uuid.New().String(),
			TemplateID: t.ID,
			Status:     "draft",
			Body:       opts.Body,
			CreatedAt:  now,
		}
		if _, err := e.Repo.InsertVersion(ctx, tx, v); err != nil {
			return t, err
		}
		if err := e.Events.Append(ctx, tx, "template.version.created", "version", v.ID, opts.ActorID, events.EventPayload{
			"template": t.Slug,
			"version":  1,
		}); err != nil {
			return t, err
		}
	}
	return t, tx.Commit()
}

// CreateVersion adds a new draft version to a template.
func (e Engine) CreateVersion(ctx context.Context, templateID, body, actorID string) (domain.PromptVersion, error) {
	if body == "" {
		return domain.PromptVersion{}, errors.New("body is required")
	}
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.PromptVersion{}, err
	}
	v := domain.PromptVersion{
		ID:         uuid.New().String(),
		TemplateID: t.ID,
		Status:     "draft",
		Body:       body,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()
	v, err = e.Repo.InsertVersion(ctx, tx, v)
	if err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "template.version.created", "version", v.ID, actorID, events.EventPayload{
		"template": t.Slug,
		"version":  v.Version,
	}); err != nil {
		return v, err
	}
	return v, tx.Commit()
}

// PromoteVersion activates a draft or retired version, retiring the
// previously active one. The template's active pointer is advanced
// with a compare-and-set so concurrent promotes cannot both win.
func (e Engine) PromoteVersion(ctx context.Context, templateID, versionID, actorID string) (domain.PromptVersion, error) {
	t, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return domain.PromptVersion{}, err
	}
	v, err := e.Repo.GetVersion(ctx, versionID)
	if err != nil {
		return domain.PromptVersion{}, err
	}
	if v.TemplateID != t.ID {
		return v, fmt.Errorf("version %s does not belong to template %s", versionID, templateID)
	}
	if v.Status == "active" {
		return v, fmt.Errorf("version %d is already active", v.Version)
	}
	now := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	if err := e.Repo.SetActiveVersionPointer(ctx, tx, t.ID, t.ActiveVersionID, v.ID, now); err != nil {
		return v, err
	}
	if t.ActiveVersionID != nil {
		if err := e.Repo.SetVersionStatus(ctx, tx, *t.ActiveVersionID, "retired"); err != nil {
			return v, err
		}
	}
	if err := e.Repo.SetVersionStatus(ctx, tx, v.ID, "active"); err != nil {
		return v, err
	}
	if err := e.Events.Append(ctx, tx, "template.version.promoted", "version", v.ID, actorID, events.EventPayload{
		"template": t.Slug,
		"version":  v.Version,
	}); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, err
	}
	v.Status = "active"
	return v, nil
}

// ReviewOptions are parameters for submitting a prompt quality review.
type ReviewOptions struct {
	VersionID    string
	IssueID      string
	Clarity      int
	Completeness int
	Relevance    int
	Feedback     string
	AuthorType   string
	ActorID      string
}

// SubmitReview records an immutable review and folds it into the
// version's smoothed composite score and outcome statistics.
func (e Engine) SubmitReview(ctx context.Context, opts ReviewOptions) (domain.PromptReview, error) {
	if e.Config == nil {
		return domain.PromptReview{}, errors.New("config not loaded")
	}
	for name, score := range map[string]int{
		"clarity":      opts.Clarity,
		"completeness": opts.Completeness,
		"relevance":    opts.Relevance,
	} {
		if score < 1 || score > 5 {
			return domain.PromptReview{}, fmt.Errorf("invalid %s score %d: must be between 1 and 5", name, score)
		}
	}
	if opts.AuthorType == "" {
		opts.AuthorType = "agent"
	}
	if opts.AuthorType != "human" && opts.AuthorType != "agent" {
		return domain.PromptReview{}, fmt.Errorf("invalid author type %s", opts.AuthorType)
	}
	if _, err := e.Repo.GetIssue(ctx, opts.IssueID); err != nil {
		return domain.PromptReview{}, err
	}
	rev := domain.PromptReview{
		ID:           uuid.New().String(),
		VersionID:    opts.VersionID,
		IssueID:      opts.IssueID,
		Clarity:      opts.Clarity,
		Completeness: opts.Completeness,
		Relevance:    opts.Relevance,
		Feedback:     opts.Feedback,
		AuthorType:   opts.AuthorType,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rev, err
	}
	defer tx.Rollback()

	// Read the current score inside the transaction so concurrent
	// reviews fold in sequentially rather than losing updates.
	v, err := e.Repo.GetVersionTx(ctx, tx, opts.VersionID)
	if err != nil {
		return rev, err
	}
	sample := float64(opts.Clarity+opts.Completeness+opts.Relevance) / 3
	newScore := sample
	if v.ReviewScore != nil {
		alpha := e.Config.Review.Alpha
		newScore = alpha*sample + (1-alpha)**v.ReviewScore
	}
	if err := e.Repo.InsertReview(ctx, tx, rev); err != nil {
		return rev, err
	}
	if err := e.Repo.ApplyReviewSample(ctx, tx, v.ID, newScore, opts.Clarity, opts.Completeness, opts.Relevance); err != nil {
		return rev, err
	}
	if err := e.Repo.RecomputeVersionOutcomes(ctx, tx, v.ID); err != nil {
		return rev, err
	}
	if err := e.Events.Append(ctx, tx, "review.submitted", "version", v.ID, opts.ActorID, events.EventPayload{
		"issue":  opts.IssueID,
		"sample": sample,
		"score":  newScore,
	}); err != nil {
		return rev, err
	}
	return rev, tx.Commit()
}

// TemplateHealth derives the per-template attention signal for
// dashboards: degraded quality or completion, or absence of any
// active version or data, flags the template.
func (e Engine) TemplateHealth(ctx context.Context) ([]domain.TemplateHealth, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	rows, err := e.Repo.TemplateHealthRows(ctx)
	if err != nil {
		return nil, err
	}
	for idx := range rows {
		h := &rows[idx]
		switch {
		case h.ActiveVersion == nil:
			h.NeedsAttention = true
		case h.CompositeScore == nil || h.CompletionRate == nil:
			h.NeedsAttention = true
		case *h.CompositeScore < e.Config.Review.AttentionScore:
			h.NeedsAttention = true
		case *h.CompletionRate < e.Config.Review.AttentionCompletion:
			h.NeedsAttention = true
		}
	}
	return rows, nil
}
