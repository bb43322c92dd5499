// Package signoffsdk is a small client for the Signoff approver API.
package signoffsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client talks to a signoff serve instance. Set APIKey or BearerToken.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Plan is the API plan model. Params are redacted by the server.
type Plan struct {
	ID             string         `json:"plan_id"`
	SourceIntakeID string         `json:"source_intake_id,omitempty"`
	Objective      string         `json:"objective"`
	RiskLevel      string         `json:"risk_level"`
	Category       string         `json:"category"`
	Server         string         `json:"server"`
	Operation      string         `json:"operation"`
	Params         map[string]any `json:"params,omitempty"`
	OperationHash  string         `json:"operation_hash"`
	Status         string         `json:"status"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      string         `json:"created_at"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	DecidedAt      string         `json:"decided_at,omitempty"`
}

// IntakeRecord is the API intake model (partial).
type IntakeRecord struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	ExternalID string `json:"external_id"`
	ReceivedAt string `json:"received_at"`
	Excerpt    string `json:"excerpt"`
	Status     string `json:"status"`
	Priority   string `json:"priority"`
}

// Decision is the server's acknowledgement of a submitted verdict. The
// approval gate applies it asynchronously.
type Decision struct {
	PlanID  string `json:"plan_id"`
	Verdict string `json:"verdict"`
	ActorID string `json:"actor_id"`
	Status  string `json:"status"`
}

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type Status struct {
	Plans           map[string]int `json:"plans"`
	Intake          map[string]int `json:"intake"`
	PendingApproval int            `json:"pending_approval"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListPlans returns plans, optionally filtered by status.
func (c *Client) ListPlans(ctx context.Context, status string, limit int) ([]Plan, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []Plan `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("plans", q), nil, &resp)
	return resp.Items, err
}

// PendingPlans returns plans waiting for a verdict.
func (c *Client) PendingPlans(ctx context.Context) ([]Plan, error) {
	return c.ListPlans(ctx, "pending_approval", 0)
}

func (c *Client) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var resp Plan
	err := c.do(ctx, http.MethodGet, "plans/"+url.PathEscape(planID), nil, &resp)
	return resp, err
}

// Approve submits an approve verdict.
func (c *Client) Approve(ctx context.Context, planID, note string) (Decision, error) {
	return c.SubmitDecision(ctx, planID, "approve", note)
}

// Reject submits a reject verdict.
func (c *Client) Reject(ctx context.Context, planID, note string) (Decision, error) {
	return c.SubmitDecision(ctx, planID, "reject", note)
}

// SubmitDecision posts verdict ("approve" or "reject") for a pending plan.
func (c *Client) SubmitDecision(ctx context.Context, planID, verdict, note string) (Decision, error) {
	body := map[string]any{"verdict": verdict}
	if note != "" {
		body["note"] = note
	}
	var resp Decision
	err := c.do(ctx, http.MethodPost, "plans/"+url.PathEscape(planID)+"/decision", body, &resp)
	return resp, err
}

func (c *Client) ListIntake(ctx context.Context, source, status string, limit int) ([]IntakeRecord, error) {
	q := url.Values{}
	if source != "" {
		q.Set("source", source)
	}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp struct {
		Items []IntakeRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, withQuery("intake", q), nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns one page of events, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(endpoint), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
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
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) url(endpoint string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base + "/" + strings.TrimLeft(endpoint, "/")
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
