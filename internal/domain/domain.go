package domain

type Project struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"active,paused,archived"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Goal struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,achieved,abandoned"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Issue struct {
	ID            string   `json:"id"`
	Number        int      `json:"number"`
	Title         string   `json:"title"`
	Description   string   `json:"description,omitempty"`
	Type          string   `json:"type" enum:"signal,hypothesis,plan,task,monitor"`
	Status        string   `json:"status" enum:"triage,backlog,todo,in_progress,done,canceled"`
	Priority      int      `json:"priority" minimum:"0" maximum:"4"`
	ProjectID     *string  `json:"project_id,omitempty"`
	ParentID      *string  `json:"parent_id,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	SignalSource  *string  `json:"signal_source,omitempty"`
	SignalPayload *string  `json:"signal_payload,omitempty"`
	Hypothesis    *string  `json:"hypothesis,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	CommitRef     *string  `json:"commit_ref,omitempty"`
	PRRef         *string  `json:"pr_ref,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type IssueRelation struct {
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Type      string `json:"type" enum:"blocks,blocked_by,related,duplicate"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TemplateConditions is the structured predicate restricting which
// issues a template may be selected for. A key that is nil is not
// checked; an empty object matches every issue.
type TemplateConditions struct {
	Type              *string  `json:"type,omitempty"`
	SignalSource      *string  `json:"signalSource,omitempty"`
	Labels            []string `json:"labels,omitempty"`
	ProjectID         *string  `json:"projectId,omitempty"`
	HasFailedSessions *bool    `json:"hasFailedSessions,omitempty"`
	MinConfidence     *float64 `json:"minConfidence,omitempty"`
}

type PromptTemplate struct {
	ID              string             `json:"id"`
	Slug            string             `json:"slug"`
	Name            string             `json:"name"`
	Conditions      TemplateConditions `json:"conditions"`
	Specificity     int                `json:"specificity"`
	ProjectID       *string            `json:"project_id,omitempty"`
	ActiveVersionID *string            `json:"active_version_id,omitempty"`
	CreatedAt       string             `json:"created_at" format:"date-time"`
	UpdatedAt       string             `json:"updated_at" format:"date-time"`
}

type PromptVersion struct {
	ID              string   `json:"id"`
	TemplateID      string   `json:"template_id"`
	Version         int      `json:"version"`
	Status          string   `json:"status" enum:"draft,active,retired"`
	Body            string   `json:"body"`
	UsageCount      int      `json:"usage_count"`
	TotalReviews    int      `json:"total_reviews"`
	CompletionRate  *float64 `json:"completion_rate,omitempty"`
	AvgDurationMs   *int64   `json:"avg_duration_ms,omitempty"`
	ReviewScore     *float64 `json:"review_score,omitempty"`
	AvgClarity      *float64 `json:"avg_clarity,omitempty"`
	AvgCompleteness *float64 `json:"avg_completeness,omitempty"`
	AvgRelevance    *float64 `json:"avg_relevance,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
}

type PromptReview struct {
	ID           string `json:"id"`
	VersionID    string `json:"version_id"`
	IssueID      string `json:"issue_id"`
	Clarity      int    `json:"clarity" minimum:"1" maximum:"5"`
	Completeness int    `json:"completeness" minimum:"1" maximum:"5"`
	Relevance    int    `json:"relevance" minimum:"1" maximum:"5"`
	Feedback     string `json:"feedback,omitempty"`
	AuthorType   string `json:"author_type" enum:"human,agent"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// DispatchSession records one successful claim: which version was
// handed out for which issue, and how the work ended.
type DispatchSession struct {
	ID          string  `json:"id"`
	IssueID     string  `json:"issue_id"`
	TemplateID  *string `json:"template_id,omitempty"`
	VersionID   *string `json:"version_id,omitempty"`
	ActorID     string  `json:"actor_id"`
	Outcome     *string `json:"outcome,omitempty" enum:"done,canceled,failed"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
	DurationMs  *int64  `json:"duration_ms,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TemplateHealth is the dashboard view deriving a per-template quality
// signal from its active version.
type TemplateHealth struct {
	TemplateID     string   `json:"template_id"`
	Slug           string   `json:"slug"`
	Name           string   `json:"name"`
	ActiveVersion  *int     `json:"active_version,omitempty"`
	CompositeScore *float64 `json:"composite_score,omitempty"`
	CompletionRate *float64 `json:"completion_rate,omitempty"`
	UsageCount     int      `json:"usage_count"`
	TotalReviews   int      `json:"total_reviews"`
	NeedsAttention bool     `json:"needs_attention"`
}
