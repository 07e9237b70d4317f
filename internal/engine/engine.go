package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"promptline/internal/config"
	"promptline/internal/domain"
	"promptline/internal/events"
	"promptline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func validIssueType(t string) bool {
	switch t {
	case "signal", "hypothesis", "plan", "task", "monitor":
		return true
	}
	return false
}

// IssueCreateOptions are parameters for creating an issue.
type IssueCreateOptions struct {
	ID            string
	Title         string
	Description   string
	Type          string
	Status        string
	Priority      int
	ProjectID     string
	ParentID      string
	Labels        []string
	SignalSource  string
	SignalPayload string
	Hypothesis    string
	Confidence    *float64
	ActorID       string
}

func (e Engine) CreateIssue(ctx context.Context, opts IssueCreateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.Issue{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	if !validIssueType(opts.Type) {
		return domain.Issue{}, fmt.Errorf("invalid issue type %s", opts.Type)
	}
	if opts.Priority < 0 || opts.Priority > 4 {
		return domain.Issue{}, fmt.Errorf("invalid priority %d", opts.Priority)
	}
	if opts.Status == "" {
		opts.Status = "triage"
	}
	switch opts.Status {
	case "triage", "backlog", "todo":
	default:
		return domain.Issue{}, fmt.Errorf("invalid initial status %s", opts.Status)
	}
	if opts.Confidence != nil && (*opts.Confidence < 0 || *opts.Confidence > 1) {
		return domain.Issue{}, errors.New("confidence must be in [0,1]")
	}
	if opts.ProjectID != "" {
		if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
			return domain.Issue{}, err
		}
	}
	if opts.ParentID != "" {
		if _, err := e.Repo.GetIssue(ctx, opts.ParentID); err != nil {
			return domain.Issue{}, err
		}
	}
	id := opts.ID
	now := e.now().UTC().Format(time.RFC3339)
	if id == "" {
		id = uuid.New().String()
	}
	i := domain.Issue{
		ID:            id,
		Title:         opts.Title,
		Description:   opts.Description,
		Type:          opts.Type,
		Status:        opts.Status,
		Priority:      opts.Priority,
		ProjectID:     optionalString(opts.ProjectID),
		ParentID:      optionalString(opts.ParentID),
		Labels:        opts.Labels,
		SignalSource:  optionalString(opts.SignalSource),
		SignalPayload: optionalString(opts.SignalPayload),
		Hypothesis:    optionalString(opts.Hypothesis),
		Confidence:    opts.Confidence,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()

	i, err = e.Repo.InsertIssue(ctx, tx, i)
	if err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.created", "issue", i.ID, opts.ActorID, events.EventPayload{
		"number": i.Number,
		"title":  i.Title,
		"type":   i.Type,
		"status": i.Status,
	}); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return i, nil
}

// IssueUpdateOptions encapsulates allowed updates.
type IssueUpdateOptions struct {
	ID         string
	Status     string
	Priority   *int
	Title      string
	Labels     []string
	SetLabels  bool
	ProjectID  *string
	CommitRef  *string
	PRRef      *string
	Confidence *float64
	ActorID    string
	Force      bool
}

func (e Engine) UpdateIssue(ctx context.Context, opts IssueUpdateOptions) (domain.Issue, error) {
	if e.Config == nil {
		return domain.Issue{}, errors.New("config not loaded")
	}
	i, err := e.Repo.GetIssue(ctx, opts.ID)
	if err != nil {
		return i, err
	}
	original := i
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return i, err
	}
	defer tx.Rollback()

	if opts.Title != "" {
		i.Title = opts.Title
	}
	if opts.Priority != nil {
		if *opts.Priority < 0 || *opts.Priority > 4 {
			return i, fmt.Errorf("invalid priority %d", *opts.Priority)
		}
		i.Priority = *opts.Priority
	}
	if opts.SetLabels {
		i.Labels = opts.Labels
	}
	if opts.ProjectID != nil {
		if *opts.ProjectID == "" {
			i.ProjectID = nil
		} else {
			if _, err := e.Repo.GetProject(ctx, *opts.ProjectID); err != nil {
				return i, err
			}
			i.ProjectID = opts.ProjectID
		}
	}
	if opts.CommitRef != nil {
		i.CommitRef = opts.CommitRef
	}
	if opts.PRRef != nil {
		i.PRRef = opts.PRRef
	}
	if opts.Confidence != nil {
		if *opts.Confidence < 0 || *opts.Confidence > 1 {
			return i, errors.New("confidence must be in [0,1]")
		}
		i.Confidence = opts.Confidence
	}
	var closedVersions []string
	if opts.Status != "" && opts.Status != i.Status {
		if err := ensureIssueTransition(i.Status, opts.Status, opts.Force); err != nil {
			return i, err
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		if outcome := sessionOutcome(i.Status, opts.Status); outcome != "" {
			closedVersions, err = e.Repo.CloseOpenSessions(ctx, tx, i.ID, outcome, nowStr)
			if err != nil {
				return i, err
			}
		}
		i.Status = opts.Status
		if opts.Status == "done" || opts.Status == "canceled" {
			i.CompletedAt = &nowStr
		}
	}
	i.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateIssue(ctx, tx, i); err != nil {
		return i, err
	}
	for _, versionID := range closedVersions {
		if err := e.Repo.RecomputeVersionOutcomes(ctx, tx, versionID); err != nil {
			return i, err
		}
	}
	if err := e.Events.Append(ctx, tx, "issue.updated", "issue", i.ID, opts.ActorID, events.EventPayload{
		"from_status": original.Status,
		"to_status":   i.Status,
	}); err != nil {
		return i, err
	}
	if err := tx.Commit(); err != nil {
		return i, err
	}
	return i, nil
}

func ensureIssueTransition(oldStatus, newStatus string, force bool) error {
	if force {
		return nil
	}
	switch oldStatus {
	case "triage":
		if newStatus == "backlog" || newStatus == "todo" || newStatus == "canceled" {
			return nil
		}
	case "backlog":
		if newStatus == "triage" || newStatus == "todo" || newStatus == "in_progress" || newStatus == "canceled" {
			return nil
		}
	case "todo":
		if newStatus == "backlog" || newStatus == "in_progress" || newStatus == "canceled" {
			return nil
		}
	case "in_progress":
		if newStatus == "todo" || newStatus == "backlog" || newStatus == "done" || newStatus == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("invalid issue status transition %s -> %s", oldStatus, newStatus)
}

// sessionOutcome maps a status transition to the outcome stamped on
// the issue's open dispatch sessions. A claimed issue going back to
// the backlog means the agent gave up on this prompt.
func sessionOutcome(oldStatus, newStatus string) string {
	if oldStatus != "in_progress" {
		return ""
	}
	switch newStatus {
	case "done":
		return "done"
	case "canceled":
		return "canceled"
	case "todo", "backlog":
		return "failed"
	}
	return ""
}

func validRelationType(t string) bool {
	switch t {
	case "blocks", "blocked_by", "related", "duplicate":
		return true
	}
	return false
}

// AddRelation links two issues with a typed directed edge.
func (e Engine) AddRelation(ctx context.Context, sourceID, targetID, relType, actorID string) (domain.IssueRelation, error) {
	if !validRelationType(relType) {
		return domain.IssueRelation{}, fmt.Errorf("invalid relation type %s", relType)
	}
	if sourceID == targetID {
		return domain.IssueRelation{}, errors.New("relation source and target must differ")
	}
	if _, err := e.Repo.GetIssue(ctx, sourceID); err != nil {
		return domain.IssueRelation{}, err
	}
	if _, err := e.Repo.GetIssue(ctx, targetID); err != nil {
		return domain.IssueRelation{}, err
	}
	rel := domain.IssueRelation{
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      relType,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rel, err
	}
	defer tx.Rollback()
	if err := e.Repo.AddRelation(ctx, tx, rel); err != nil {
		return rel, err
	}
	if err := e.Events.Append(ctx, tx, "issue.related", "issue", sourceID, actorID, events.EventPayload{
		"target": targetID,
		"type":   relType,
	}); err != nil {
		return rel, err
	}
	return rel, tx.Commit()
}

func (e Engine) RemoveRelation(ctx context.Context, sourceID, targetID, relType, actorID string) error {
	if !validRelationType(relType) {
		return fmt.Errorf("invalid relation type %s", relType)
	}
	if _, err := e.Repo.GetIssue(ctx, sourceID); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.RemoveRelation(ctx, tx, sourceID, targetID, relType); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "issue.unrelated", "issue", sourceID, actorID, events.EventPayload{
		"target": targetID,
		"type":   relType,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) CreateProject(ctx context.Context, id, name, description, actorID string) (domain.Project, error) {
	if id == "" {
		id = uuid.New().String()
	}
	if name == "" {
		name = id
	}
	p := domain.Project{
		ID:          id,
		Name:        name,
		Status:      "active",
		Description: description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,status,description,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.Name, p.Status, nullableArg(p.Description), p.CreatedAt); err != nil {
		return p, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", "project", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
		return p, err
	}
	return p, tx.Commit()
}

func (e Engine) CreateGoal(ctx context.Context, projectID, name, actorID string) (domain.Goal, error) {
	if name == "" {
		return domain.Goal{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return domain.Goal{}, err
	}
	g := domain.Goal{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Name:      name,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return g, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO goals(id,project_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Name, g.Status, g.CreatedAt); err != nil {
		return g, err
	}
	if err := e.Events.Append(ctx, tx, "goal.created", "goal", g.ID, actorID, events.EventPayload{
		"project": projectID,
		"name":    name,
	}); err != nil {
		return g, err
	}
	return g, tx.Commit()
}

func (e Engine) UpdateGoalStatus(ctx context.Context, goalID, status, actorID string) error {
	switch status {
	case "active", "achieved", "abandoned":
	default:
		return fmt.Errorf("invalid goal status %s", status)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateGoalStatus(ctx, tx, goalID, status); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "goal.updated", "goal", goalID, actorID, events.EventPayload{
		"status": status,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableArg(v string) any {
	if v == "" {
		return nil
	}
	return v
}
