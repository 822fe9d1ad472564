package reqlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is a minimal reqline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// MaxRetries bounds retries of GET requests on transport errors and 5xx.
	MaxRetries uint64
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:    baseURL,
		ProjectID:  projectID,
		Timeout:    10 * time.Second,
		MaxRetries: 2,
	}
}

// Requirement is the API requirement model (partial).
type Requirement struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	Title           string       `json:"title"`
	Kind            string       `json:"kind"`
	Priority        string       `json:"priority"`
	AggregateStatus string       `json:"aggregate_status"`
	OverallReview   string       `json:"overall_review"`
	PlannedVersion  *string      `json:"planned_version,omitempty"`
	Subtasks        []Subtask    `json:"subtasks"`
	ReviewLevel1    ReviewLevel  `json:"review_level_1"`
	ReviewLevel2    *ReviewLevel `json:"review_level_2,omitempty"`
}

type Subtask struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phase             string     `json:"phase"`
	Status            string     `json:"status"`
	ExecutorID        *string    `json:"executor_id,omitempty"`
	EstimatedStart    *time.Time `json:"estimated_start,omitempty"`
	EstimatedEnd      *time.Time `json:"estimated_end,omitempty"`
	ActualStart       *time.Time `json:"actual_start,omitempty"`
	ActualEnd         *time.Time `json:"actual_end,omitempty"`
	EstimatedDuration int        `json:"estimated_duration"`
	ActualDuration    int        `json:"actual_duration"`
	DelayStatus       string     `json:"delay_status"`
}

type ReviewLevel struct {
	Level      int     `json:"level"`
	ReviewerID *string `json:"reviewer_id,omitempty"`
	Status     string  `json:"status"`
	Opinion    string  `json:"opinion,omitempty"`
}

// NewRequirement is the create payload. Empty fields take project defaults.
type NewRequirement struct {
	Title        string   `json:"title"`
	Kind         string   `json:"kind,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	ReviewLevels int      `json:"review_levels,omitempty"`
	Reviewer1    string   `json:"reviewer_1,omitempty"`
	Reviewer2    string   `json:"reviewer_2,omitempty"`
	Subtasks     []string `json:"subtasks,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code is the error envelope's code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// IsReviewGateClosed reports whether err is a refused version assignment.
func IsReviewGateClosed(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "review_gate_closed"
}

// CreateRequirement creates a requirement in the client's project.
func (c *Client) CreateRequirement(ctx context.Context, in NewRequirement) (Requirement, error) {
	var resp Requirement
	err := c.do(ctx, http.MethodPost, c.projectPath("requirements"), in, &resp)
	return resp, err
}

func (c *Client) GetRequirement(ctx context.Context, id string) (Requirement, error) {
	var resp Requirement
	err := c.do(ctx, http.MethodGet, c.projectPath("requirements/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// ListRequirements lists requirements, optionally filtered by aggregate
// status.
func (c *Client) ListRequirements(ctx context.Context, aggregateStatus string) ([]Requirement, error) {
	endpoint := c.projectPath("requirements")
	if aggregateStatus != "" {
		endpoint += "?aggregate_status=" + url.QueryEscape(aggregateStatus)
	}
	var resp struct {
		Items []Requirement `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// EditSubtask patches subtask fields, e.g. {"status": "completed"}. Keys
// follow the API: name, status, executor_id, department_id, estimated_start,
// estimated_end, actual_start, actual_end.
func (c *Client) EditSubtask(ctx context.Context, requirementID, subtaskID string, fields map[string]string) (Requirement, error) {
	var resp Requirement
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s/subtasks/%s", url.PathEscape(requirementID), url.PathEscape(subtaskID)))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp, err
}

// SetReview records a review decision on a level as the authenticated actor.
func (c *Client) SetReview(ctx context.Context, requirementID string, level int, status, opinion string) (Requirement, error) {
	body := map[string]string{"status": status}
	if opinion != "" {
		body["opinion"] = opinion
	}
	var resp Requirement
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s/reviews/%d", url.PathEscape(requirementID), level))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// AssignVersion sets the planned version. See IsReviewGateClosed.
func (c *Client) AssignVersion(ctx context.Context, requirementID, version string) (Requirement, error) {
	var resp Requirement
	endpoint := c.projectPath(fmt.Sprintf("requirements/%s/version", url.PathEscape(requirementID)))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]string{"version": version}, &resp)
	return resp, err
}

// PendingReviews lists requirements waiting on the authenticated actor.
func (c *Client) PendingReviews(ctx context.Context) ([]Requirement, error) {
	var resp struct {
		Items []Requirement `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("reviews/pending"), nil, &resp)
	return resp.Items, err
}

// Classify returns the phase the project assigns to a subtask name.
func (c *Client) Classify(ctx context.Context, name string) (string, error) {
	var resp struct {
		Phase string `json:"phase"`
	}
	err := c.do(ctx, http.MethodGet, c.projectPath("classify?name="+url.QueryEscape(name)), nil, &resp)
	return resp.Phase, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.projectPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return err
		}
	}
	attempt := func() error {
		err := c.once(ctx, method, endpoint, payload, out)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if method != http.MethodGet || c.MaxRetries == 0 {
		return c.once(ctx, method, endpoint, payload, out)
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.MaxRetries)
	return backoff.Retry(attempt, backoff.WithContext(bo, ctx))
}

func (c *Client) once(ctx context.Context, method, endpoint string, payload []byte, out any) error {
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
