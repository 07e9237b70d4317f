package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"promptline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict signals a lost compare-and-set race on a claim or a
// promote.
var ErrConflict = errors.New("conflict")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func marshalLabels(labels []string) any {
	if len(labels) == 0 {
		return nil
	}
	b, _ := json.Marshal(labels)
	return string(b)
}

// --- projects & goals ---

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,status,description,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.Status, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,status,COALESCE(description,''),created_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) ListGoals(ctx context.Context, projectID string) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,status,created_at FROM goals WHERE project_id=? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Goal
	for rows.Next() {
		var g domain.Goal
		if err := rows.Scan(&g.ID, &g.ProjectID, &g.Name, &g.Status, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) UpdateGoalStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE goals SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProjectsWithActiveGoals returns the set of project IDs that have at
// least one goal in status active.
func (r Repo) ProjectsWithActiveGoals(ctx context.Context) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT project_id FROM goals WHERE status='active'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

// --- issues ---

const issueColumns = `id,number,title,description,type,status,priority,project_id,parent_id,labels_json,signal_source,signal_payload_json,hypothesis,confidence,commit_ref,pr_ref,created_at,updated_at,completed_at`

func scanIssueRow(scan func(dest ...any) error) (domain.Issue, error) {
	var i domain.Issue
	var description, projectID, parentID, labels, signalSource, signalPayload, hypothesis, commitRef, prRef, completedAt sql.NullString
	var confidence sql.NullFloat64
	err := scan(&i.ID, &i.Number, &i.Title, &description, &i.Type, &i.Status, &i.Priority,
		&projectID, &parentID, &labels, &signalSource, &signalPayload, &hypothesis, &confidence,
		&commitRef, &prRef, &i.CreatedAt, &i.UpdatedAt, &completedAt)
	if err != nil {
		return i, err
	}
	if description.Valid {
		i.Description = description.String
	}
	if projectID.Valid {
		i.ProjectID = &projectID.String
	}
	if parentID.Valid {
		i.ParentID = &parentID.String
	}
	if labels.Valid && labels.String != "" {
		_ = json.Unmarshal([]byte(labels.String), &i.Labels)
	}
	if signalSource.Valid {
		i.SignalSource = &signalSource.String
	}
	if signalPayload.Valid {
		i.SignalPayload = &signalPayload.String
	}
	if hypothesis.Valid {
		i.Hypothesis = &hypothesis.String
	}
	if confidence.Valid {
		i.Confidence = &confidence.Float64
	}
	if commitRef.Valid {
		i.CommitRef = &commitRef.String
	}
	if prRef.Valid {
		i.PRRef = &prRef.String
	}
	if completedAt.Valid {
		i.CompletedAt = &completedAt.String
	}
	return i, nil
}

// InsertIssue stores an issue and allocates its sequential display
// number inside the caller's transaction.
func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) (domain.Issue, error) {
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(number),0)+1 FROM issues`).Scan(&i.Number); err != nil {
		return i, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.Number, i.Title, nullable(i.Description), i.Type, i.Status, i.Priority,
		nullableStringPtr(i.ProjectID), nullableStringPtr(i.ParentID), marshalLabels(i.Labels),
		nullableStringPtr(i.SignalSource), nullableStringPtr(i.SignalPayload), nullableStringPtr(i.Hypothesis),
		nullableFloatPtr(i.Confidence), nullableStringPtr(i.CommitRef), nullableStringPtr(i.PRRef),
		i.CreatedAt, i.UpdatedAt, nullableStringPtr(i.CompletedAt))
	return i, err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	i, err := scanIssueRow(row.Scan)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	return i, err
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, type=?, status=?, priority=?, project_id=?, parent_id=?, labels_json=?, signal_source=?, signal_payload_json=?, hypothesis=?, confidence=?, commit_ref=?, pr_ref=?, updated_at=?, completed_at=? WHERE id=?`,
		i.Title, nullable(i.Description), i.Type, i.Status, i.Priority,
		nullableStringPtr(i.ProjectID), nullableStringPtr(i.ParentID), marshalLabels(i.Labels),
		nullableStringPtr(i.SignalSource), nullableStringPtr(i.SignalPayload), nullableStringPtr(i.Hypothesis),
		nullableFloatPtr(i.Confidence), nullableStringPtr(i.CommitRef), nullableStringPtr(i.PRRef),
		i.UpdatedAt, nullableStringPtr(i.CompletedAt), i.ID)
	return err
}

type IssueFilters struct {
	ProjectID string
	Status    string
	Type      string
	Limit     int
	Offset    int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssueRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// blockedClause excludes issues that are the target of an unresolved
// blocks edge, or the source of an unresolved blocked_by edge.
const blockedClause = `NOT EXISTS (
		SELECT 1 FROM issue_relations rel
		JOIN issues blocker ON blocker.id = rel.source_id
		WHERE rel.type='blocks' AND rel.target_id = issues.id
		  AND blocker.status NOT IN ('done','canceled')
	) AND NOT EXISTS (
		SELECT 1 FROM issue_relations rel
		JOIN issues blocker ON blocker.id = rel.target_id
		WHERE rel.type='blocked_by' AND rel.source_id = issues.id
		  AND blocker.status NOT IN ('done','canceled')
	)`

// EligibleIssues returns the dispatch-eligible set: status todo or
// backlog, optionally scoped to a project, optionally filtered by
// blocking relations. Ordering is left to the ranker.
func (r Repo) EligibleIssues(ctx context.Context, projectID string, blockedFilter bool) ([]domain.Issue, error) {
	clauses := []string{"status IN ('todo','backlog')"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if blockedFilter {
		clauses = append(clauses, blockedClause)
	}
	query := `SELECT ` + issueColumns + ` FROM issues WHERE ` + strings.Join(clauses, " AND ")
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssueRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// ClaimIssue conditionally transitions an issue out of the eligible
// pool. Returns ErrConflict when another caller won the race.
func (r Repo) ClaimIssue(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status='in_progress', updated_at=? WHERE id=? AND status IN ('todo','backlog')`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) CountIssuesByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	query := `SELECT status, count(*) FROM issues`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- relations ---

func (r Repo) AddRelation(ctx context.Context, tx *sql.Tx, rel domain.IssueRelation) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_relations(source_id,target_id,type,created_at) VALUES (?,?,?,?)`,
		rel.SourceID, rel.TargetID, rel.Type, rel.CreatedAt)
	return err
}

func (r Repo) RemoveRelation(ctx context.Context, tx *sql.Tx, sourceID, targetID, relType string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM issue_relations WHERE source_id=? AND target_id=? AND type=?`, sourceID, targetID, relType)
	return err
}

func (r Repo) ListRelations(ctx context.Context, issueID string) ([]domain.IssueRelation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT source_id,target_id,type,created_at FROM issue_relations WHERE source_id=? OR target_id=? ORDER BY created_at`, issueID, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueRelation
	for rows.Next() {
		var rel domain.IssueRelation
		if err := rows.Scan(&rel.SourceID, &rel.TargetID, &rel.Type, &rel.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rel)
	}
	return res, rows.Err()
}

// --- dispatch sessions ---

func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.DispatchSession) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO dispatch_sessions(id,issue_id,template_id,version_id,actor_id,started_at) VALUES (?,?,?,?,?,?)`,
		s.ID, s.IssueID, nullableStringPtr(s.TemplateID), nullableStringPtr(s.VersionID), s.ActorID, s.StartedAt)
	return err
}

// CloseOpenSessions stamps an outcome on every open session of an
// issue and returns the distinct version IDs whose statistics must be
// recomputed.
func (r Repo) CloseOpenSessions(ctx context.Context, tx *sql.Tx, issueID, outcome, completedAt string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT version_id FROM dispatch_sessions WHERE issue_id=? AND outcome IS NULL AND version_id IS NOT NULL`, issueID)
	if err != nil {
		return nil, err
	}
	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, err
		}
		versions = append(versions, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `UPDATE dispatch_sessions
		SET outcome=?, completed_at=?,
		    duration_ms=CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		WHERE issue_id=? AND outcome IS NULL`, outcome, completedAt, completedAt, issueID)
	return versions, err
}

// IssueHasFailedSessions reports whether a prior dispatch of the issue
// ended in failure.
func (r Repo) IssueHasFailedSessions(ctx context.Context, issueID string) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM dispatch_sessions WHERE issue_id=? AND outcome='failed' LIMIT 1`, issueID)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
