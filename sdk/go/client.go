package promptlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Promptline HTTP API client, aimed at agent
// workers: claim work, report outcomes, review prompts.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID       string `json:"id"`
	Number   int    `json:"number"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

// ScoreBreakdown itemizes a queue score.
type ScoreBreakdown struct {
	PriorityWeight int `json:"priorityWeight"`
	GoalBonus      int `json:"goalBonus"`
	AgeBonus       int `json:"ageBonus"`
	TypeBonus      int `json:"typeBonus"`
}

// QueueEntry is one row of the ranked queue.
type QueueEntry struct {
	Issue     Issue          `json:"issue"`
	Score     int            `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// Template identifies the prompt template behind a dispatch.
type Template struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// Version identifies a prompt version.
type Version struct {
	ID         string `json:"id"`
	TemplateID string `json:"template_id"`
	Version    int    `json:"version"`
	Status     string `json:"status"`
}

// Match is the resolved prompt attached to a dispatch.
type Match struct {
	Template *Template `json:"template,omitempty"`
	Version  *Version  `json:"version,omitempty"`
	Prompt   string    `json:"prompt,omitempty"`
	Message  string    `json:"message,omitempty"`
}

// Dispatch is the answer to a claim: the issue, why it won, and the
// prompt to run. A nil Dispatch means the queue was empty.
type Dispatch struct {
	Issue     Issue          `json:"issue"`
	Score     int            `json:"score"`
	Breakdown ScoreBreakdown `json:"breakdown"`
	Match     Match          `json:"match"`
	SessionID string         `json:"session_id"`
}

// Review is a submitted prompt quality review.
type Review struct {
	ID        string `json:"id"`
	VersionID string `json:"version_id"`
	IssueID   string `json:"issue_id"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Queue returns the ranked dispatch queue.
func (c *Client) Queue(ctx context.Context, projectID string, limit, offset int) ([]QueueEntry, int, error) {
	endpoint := fmt.Sprintf("v0/dispatch/queue?limit=%d&offset=%d", limit, offset)
	if projectID != "" {
		endpoint += "&project_id=" + url.QueryEscape(projectID)
	}
	var resp struct {
		Entries []QueueEntry `json:"data"`
		Total   int          `json:"total"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, resp.Total, err
}

// Next claims the top eligible issue. A nil result means the queue is
// empty; keep polling or back off.
func (c *Client) Next(ctx context.Context, projectID string) (*Dispatch, error) {
	endpoint := "v0/dispatch/next"
	if projectID != "" {
		endpoint += "?project_id=" + url.QueryEscape(projectID)
	}
	var resp Dispatch
	found, err := c.doMaybe(ctx, http.MethodPost, endpoint, nil, &resp)
	if err != nil || !found {
		return nil, err
	}
	return &resp, nil
}

// UpdateIssue transitions an issue, closing its dispatch session when
// it leaves in_progress.
func (c *Client) UpdateIssue(ctx context.Context, issueID, status string) (Issue, error) {
	var resp Issue
	endpoint := fmt.Sprintf("v0/issues/%s", url.PathEscape(issueID))
	err := c.do(ctx, http.MethodPatch, endpoint, map[string]any{"status": status}, &resp)
	return resp, err
}

// CreateIssue files a new issue.
func (c *Client) CreateIssue(ctx context.Context, title, issueType, status string, priority int) (Issue, error) {
	body := map[string]any{
		"title":    title,
		"type":     issueType,
		"status":   status,
		"priority": priority,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, "v0/issues", body, &resp)
	return resp, err
}

// SubmitReview rates the prompt version used for an issue.
func (c *Client) SubmitReview(ctx context.Context, versionID, issueID string, clarity, completeness, relevance int, feedback string) (Review, error) {
	body := map[string]any{
		"issue_id":     issueID,
		"clarity":      clarity,
		"completeness": completeness,
		"relevance":    relevance,
	}
	if feedback != "" {
		body["feedback"] = feedback
	}
	var resp Review
	endpoint := fmt.Sprintf("v0/versions/%s/reviews", url.PathEscape(versionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	_, err := c.doMaybe(ctx, method, endpoint, body, out)
	return err
}

// doMaybe reports false without error on 204 responses.
func (c *Client) doMaybe(ctx context.Context, method, endpoint string, body, out any) (bool, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return false, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return false, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return true, json.NewDecoder(resp.Body).Decode(out)
	}
	return true, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
