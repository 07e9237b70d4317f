package server

import (
	"encoding/json"

	"promptline/internal/domain"
	"promptline/internal/engine"
)

// Request payloads

type CreateIssueRequest struct {
	ID            *string  `json:"id,omitempty"`
	Title         string   `json:"title"`
	Description   *string  `json:"description,omitempty"`
	Type          string   `json:"type,omitempty" enum:"signal,hypothesis,plan,task,monitor"`
	Status        string   `json:"status,omitempty" enum:"triage,backlog,todo"`
	Priority      int      `json:"priority,omitempty" minimum:"0" maximum:"4"`
	ProjectID     *string  `json:"project_id,omitempty"`
	ParentID      *string  `json:"parent_id,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	SignalSource  *string  `json:"signal_source,omitempty"`
	SignalPayload *string  `json:"signal_payload,omitempty"`
	Hypothesis    *string  `json:"hypothesis,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

type UpdateIssueRequest struct {
	Status     *string  `json:"status,omitempty" enum:"triage,backlog,todo,in_progress,done,canceled"`
	Priority   *int     `json:"priority,omitempty" minimum:"0" maximum:"4"`
	Title      *string  `json:"title,omitempty"`
	Labels     []string `json:"labels,omitempty"`
	ProjectID  *string  `json:"project_id,omitempty"`
	CommitRef  *string  `json:"commit_ref,omitempty"`
	PRRef      *string  `json:"pr_ref,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Force      bool     `json:"force,omitempty"`
}

type CreateRelationRequest struct {
	TargetID string `json:"target_id"`
	Type     string `json:"type" enum:"blocks,blocked_by,related,duplicate"`
}

type CreateProjectRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
}

type CreateGoalRequest struct {
	Name string `json:"name"`
}

type UpdateGoalRequest struct {
	Status string `json:"status" enum:"active,achieved,abandoned"`
}

type CreateTemplateRequest struct {
	Slug        string          `json:"slug"`
	Name        string          `json:"name,omitempty"`
	Conditions  json.RawMessage `json:"conditions,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Specificity int             `json:"specificity,omitempty"`
	ProjectID   *string         `json:"project_id,omitempty"`
	Body        string          `json:"body,omitempty"`
}

type CreateVersionRequest struct {
	Body string `json:"body"`
}

type CreateReviewRequest struct {
	IssueID      string  `json:"issue_id"`
	Clarity      int     `json:"clarity" minimum:"1" maximum:"5"`
	Completeness int     `json:"completeness" minimum:"1" maximum:"5"`
	Relevance    int     `json:"relevance" minimum:"1" maximum:"5"`
	Feedback     *string `json:"feedback,omitempty"`
	AuthorType   string  `json:"author_type,omitempty" enum:"human,agent"`
}

// Response payloads

type QueueResponse struct {
	Entries []engine.QueueEntry `json:"data"`
	Total   int                 `json:"total"`
}

type IssueListResponse struct {
	Issues []domain.Issue `json:"data"`
}

type TemplateListResponse struct {
	Templates []domain.PromptTemplate `json:"data"`
	Total     int                     `json:"total"`
}

type TemplateDetailResponse struct {
	Template domain.PromptTemplate  `json:"template"`
	Versions []domain.PromptVersion `json:"versions"`
}

type HealthReportResponse struct {
	Templates []domain.TemplateHealth `json:"templates"`
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Cursor int64          `json:"cursor"`
}

func issueCreateOptions(req CreateIssueRequest, actorID string) engine.IssueCreateOptions {
	opts := engine.IssueCreateOptions{
		Title:      req.Title,
		Type:       req.Type,
		Status:     req.Status,
		Priority:   req.Priority,
		Labels:     req.Labels,
		Confidence: req.Confidence,
		ActorID:    actorID,
	}
	if req.ID != nil {
		opts.ID = *req.ID
	}
	if req.Description != nil {
		opts.Description = *req.Description
	}
	if req.ProjectID != nil {
		opts.ProjectID = *req.ProjectID
	}
	if req.ParentID != nil {
		opts.ParentID = *req.ParentID
	}
	if req.SignalSource != nil {
		opts.SignalSource = *req.SignalSource
	}
	if req.SignalPayload != nil {
		opts.SignalPayload = *req.SignalPayload
	}
	if req.Hypothesis != nil {
		opts.Hypothesis = *req.Hypothesis
	}
	return opts
}

func issueUpdateOptions(id string, req UpdateIssueRequest, actorID string) engine.IssueUpdateOptions {
	opts := engine.IssueUpdateOptions{
		ID:         id,
		Priority:   req.Priority,
		ProjectID:  req.ProjectID,
		CommitRef:  req.CommitRef,
		PRRef:      req.PRRef,
		Confidence: req.Confidence,
		ActorID:    actorID,
		Force:      req.Force,
	}
	if req.Status != nil {
		opts.Status = *req.Status
	}
	if req.Title != nil {
		opts.Title = *req.Title
	}
	if req.Labels != nil {
		opts.Labels = req.Labels
		opts.SetLabels = true
	}
	return opts
}
