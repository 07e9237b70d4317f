package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"promptline/internal/domain"
)

const templateColumns = `id,slug,name,conditions_json,specificity,project_id,active_version_id,created_at,updated_at`

func scanTemplateRow(scan func(dest ...any) error) (domain.PromptTemplate, error) {
	var t domain.PromptTemplate
	var conditions string
	var projectID, activeVersionID sql.NullString
	err := scan(&t.ID, &t.Slug, &t.Name, &conditions, &t.Specificity, &projectID, &activeVersionID, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if conditions != "" {
		if err := json.Unmarshal([]byte(conditions), &t.Conditions); err != nil {
			return t, fmt.Errorf("template %s conditions: %w", t.ID, err)
		}
	}
	if projectID.Valid {
		t.ProjectID = &projectID.String
	}
	if activeVersionID.Valid {
		t.ActiveVersionID = &activeVersionID.String
	}
	return t, nil
}

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.PromptTemplate) error {
	conditions, err := json.Marshal(t.Conditions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO prompt_templates(id,slug,name,conditions_json,specificity,project_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		t.ID, t.Slug, t.Name, string(conditions), t.Specificity, nullableStringPtr(t.ProjectID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.PromptTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE id=?`, id)
	t, err := scanTemplateRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTemplateBySlug(ctx context.Context, slug string) (domain.PromptTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE slug=?`, slug)
	t, err := scanTemplateRow(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context, limit, offset int) ([]domain.PromptTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM prompt_templates ORDER BY created_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptTemplate
	for rows.Next() {
		t, err := scanTemplateRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTemplates(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM prompt_templates`).Scan(&n)
	return n, err
}

// MatchableTemplates returns templates that have an active version,
// ordered so the matcher tie-break (specificity desc, then oldest
// registered) falls out of iteration order.
func (r Repo) MatchableTemplates(ctx context.Context) ([]domain.PromptTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE active_version_id IS NOT NULL ORDER BY specificity DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptTemplate
	for rows.Next() {
		t, err := scanTemplateRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// SetActiveVersionPointer performs the compare-and-set on the
// template's active version pointer. prev is the pointer value the
// caller read; a mismatch means a concurrent promote won the race.
func (r Repo) SetActiveVersionPointer(ctx context.Context, tx *sql.Tx, templateID string, prev *string, next string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE prompt_templates SET active_version_id=?, updated_at=? WHERE id=? AND COALESCE(active_version_id,'')=COALESCE(?,'')`,
		next, now, templateID, nullableStringPtr(prev))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// --- versions ---

const versionColumns = `id,template_id,version,status,body,usage_count,total_reviews,clarity_sum,completeness_sum,relevance_sum,completion_rate,avg_duration_ms,review_score,created_at`

func scanVersionRow(scan func(dest ...any) error) (domain.PromptVersion, error) {
	var v domain.PromptVersion
	var claritySum, completenessSum, relevanceSum int
	var completionRate, reviewScore sql.NullFloat64
	var avgDuration sql.NullInt64
	err := scan(&v.ID, &v.TemplateID, &v.Version, &v.Status, &v.Body, &v.UsageCount, &v.TotalReviews,
		&claritySum, &completenessSum, &relevanceSum, &completionRate, &avgDuration, &reviewScore, &v.CreatedAt)
	if err != nil {
		return v, err
	}
	if completionRate.Valid {
		v.CompletionRate = &completionRate.Float64
	}
	if avgDuration.Valid {
		v.AvgDurationMs = &avgDuration.Int64
	}
	if reviewScore.Valid {
		v.ReviewScore = &reviewScore.Float64
	}
	if v.TotalReviews > 0 {
		n := float64(v.TotalReviews)
		clarity := float64(claritySum) / n
		completeness := float64(completenessSum) / n
		relevance := float64(relevanceSum) / n
		v.AvgClarity = &clarity
		v.AvgCompleteness = &completeness
		v.AvgRelevance = &relevance
	}
	return v, nil
}

// InsertVersion stores a draft version, allocating the next version
// number for the template inside the caller's transaction.
func (r Repo) InsertVersion(ctx context.Context, tx *sql.Tx, v domain.PromptVersion) (domain.PromptVersion, error) {
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version),0)+1 FROM prompt_versions WHERE template_id=?`, v.TemplateID).Scan(&v.Version); err != nil {
		return v, err
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO prompt_versions(id,template_id,version,status,body,created_at) VALUES (?,?,?,?,?,?)`,
		v.ID, v.TemplateID, v.Version, v.Status, v.Body, v.CreatedAt)
	return v, err
}

func (r Repo) GetVersion(ctx context.Context, id string) (domain.PromptVersion, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM prompt_versions WHERE id=?`, id)
	v, err := scanVersionRow(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) GetVersionTx(ctx context.Context, tx *sql.Tx, id string) (domain.PromptVersion, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM prompt_versions WHERE id=?`, id)
	v, err := scanVersionRow(row.Scan)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	return v, err
}

func (r Repo) ListVersions(ctx context.Context, templateID string, limit int) ([]domain.PromptVersion, error) {
	query := `SELECT ` + versionColumns + ` FROM prompt_versions WHERE template_id=? ORDER BY version DESC`
	args := []any{templateID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptVersion
	for rows.Next() {
		v, err := scanVersionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) SetVersionStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementVersionUsage(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET usage_count=usage_count+1 WHERE id=?`, id)
	return err
}

// --- reviews ---

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rev domain.PromptReview) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO prompt_reviews(id,version_id,issue_id,clarity,completeness,relevance,feedback,author_type,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rev.ID, rev.VersionID, rev.IssueID, rev.Clarity, rev.Completeness, rev.Relevance, nullable(rev.Feedback), rev.AuthorType, rev.CreatedAt)
	return err
}

func (r Repo) ListReviews(ctx context.Context, versionID string, limit int) ([]domain.PromptReview, error) {
	query := `SELECT id,version_id,issue_id,clarity,completeness,relevance,COALESCE(feedback,''),author_type,created_at FROM prompt_reviews WHERE version_id=? ORDER BY created_at DESC`
	args := []any{versionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PromptReview
	for rows.Next() {
		var rev domain.PromptReview
		if err := rows.Scan(&rev.ID, &rev.VersionID, &rev.IssueID, &rev.Clarity, &rev.Completeness, &rev.Relevance, &rev.Feedback, &rev.AuthorType, &rev.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rev)
	}
	return res, rows.Err()
}

// ApplyReviewSample folds one review into a version's aggregates as a
// single atomic update.
func (r Repo) ApplyReviewSample(ctx context.Context, tx *sql.Tx, versionID string, newScore float64, clarity, completeness, relevance int) error {
	res, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET
		review_score=?,
		total_reviews=total_reviews+1,
		clarity_sum=clarity_sum+?,
		completeness_sum=completeness_sum+?,
		relevance_sum=relevance_sum+?
		WHERE id=?`, newScore, clarity, completeness, relevance, versionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecomputeVersionOutcomes refreshes completion_rate and
// avg_duration_ms from the closed dispatch sessions of a version.
func (r Repo) RecomputeVersionOutcomes(ctx context.Context, tx *sql.Tx, versionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET
		completion_rate=(
			SELECT CAST(SUM(CASE WHEN outcome='done' THEN 1 ELSE 0 END) AS REAL)/COUNT(*)
			FROM dispatch_sessions WHERE version_id=? AND outcome IS NOT NULL
		),
		avg_duration_ms=(
			SELECT CAST(AVG(duration_ms) AS INTEGER)
			FROM dispatch_sessions WHERE version_id=? AND outcome='done' AND duration_ms IS NOT NULL
		)
		WHERE id=?`, versionID, versionID, versionID)
	return err
}

// TemplateHealthRows joins each template with its active version's
// quality aggregates for the dashboard view.
func (r Repo) TemplateHealthRows(ctx context.Context) ([]domain.TemplateHealth, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id, t.slug, t.name,
		v.version, v.review_score, v.completion_rate, v.usage_count, v.total_reviews
		FROM prompt_templates t
		LEFT JOIN prompt_versions v ON v.id = t.active_version_id
		ORDER BY t.created_at ASC, t.id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TemplateHealth
	for rows.Next() {
		var h domain.TemplateHealth
		var version sql.NullInt64
		var score, completion sql.NullFloat64
		var usage, reviews sql.NullInt64
		if err := rows.Scan(&h.TemplateID, &h.Slug, &h.Name, &version, &score, &completion, &usage, &reviews); err != nil {
			return nil, err
		}
		if version.Valid {
			n := int(version.Int64)
			h.ActiveVersion = &n
		}
		if score.Valid {
			h.CompositeScore = &score.Float64
		}
		if completion.Valid {
			h.CompletionRate = &completion.Float64
		}
		if usage.Valid {
			h.UsageCount = int(usage.Int64)
		}
		if reviews.Valid {
			h.TotalReviews = int(reviews.Int64)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ValidateConditionsJSON rejects condition objects referencing unknown
// issue fields before any mutation.
func ValidateConditionsJSON(raw []byte) (domain.TemplateConditions, error) {
	var c domain.TemplateConditions
	if len(raw) == 0 {
		return c, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("invalid conditions: %w", err)
	}
	return c, nil
}
