package wagerlinesdk

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

// Client is a minimal wagerline HTTP API client.
type Client struct {
	BaseURL     string
	UserID      string
	BearerToken string
	APIKey      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, userID string) *Client {
	return &Client{
		BaseURL: baseURL,
		UserID:  userID,
		Timeout: 10 * time.Second,
	}
}

// Amounts travel as JSON numbers and are kept exact as json.Number.

type Milestone struct {
	ID        string      `json:"milestoneId,omitempty"`
	Name      string      `json:"milestoneName"`
	Type      string      `json:"type"`
	Completed bool        `json:"completion,omitempty"`
	Counter   int         `json:"milestoneCounter,omitempty"`
	Deadline  time.Time   `json:"milestoneDeadline"`
	Value     json.Number `json:"monetaryValue"`
}

type Rule struct {
	ID          string      `json:"ruleId,omitempty"`
	UserID      string      `json:"userId,omitempty"`
	Type        string      `json:"ruleType"`
	Name        string      `json:"ruleName"`
	Objective   string      `json:"generalObjective"`
	TotalAmount json.Number `json:"totalAmount"`
	Deadline    time.Time   `json:"deadline"`
	Status      string      `json:"status,omitempty"`
	Milestones  []Milestone `json:"milestones,omitempty"`
	Version     int64       `json:"version,omitempty"`
}

// MilestonePatch carries the fields to change; nil fields are left alone.
type MilestonePatch struct {
	Name     *string      `json:"milestoneName,omitempty"`
	Type     *string      `json:"type,omitempty"`
	Deadline *time.Time   `json:"milestoneDeadline,omitempty"`
	Value    *json.Number `json:"monetaryValue,omitempty"`
}

// Gap is a trigger call the server could not apply after persisting a change.
type Gap struct {
	TriggerID string `json:"triggerId"`
	Op        string `json:"op"`
	Error     string `json:"error"`
}

type Mutation struct {
	Rule           Rule  `json:"rule"`
	Changed        bool  `json:"changed"`
	SchedulingGaps []Gap `json:"scheduling_gaps,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RuleID     string         `json:"rule_id"`
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

type Trigger struct {
	ID       string    `json:"id"`
	RuleID   string    `json:"ruleId"`
	FiresAt  time.Time `json:"firesAt"`
	Status   string    `json:"status"`
	Attempts int       `json:"attempts"`
}

// APIError wraps non-2xx responses.
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

// CreateRule creates a rule for the client's user.
func (c *Client) CreateRule(ctx context.Context, r Rule) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, "v0/rules", 0, r, &resp)
	return resp, err
}

func (c *Client) GetRule(ctx context.Context, id string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodGet, rulePath(id), 0, nil, &resp)
	return resp, err
}

// ListRules lists the user's rules, optionally filtered by status.
func (c *Client) ListRules(ctx context.Context, status string) ([]Rule, error) {
	var resp struct {
		Items []Rule `json:"items"`
	}
	endpoint := "v0/rules"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	err := c.do(ctx, http.MethodGet, endpoint, 0, nil, &resp)
	return resp.Items, err
}

// FindRule returns the newest rule with the given name.
func (c *Client) FindRule(ctx context.Context, name string) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodGet, "v0/rules/search?name="+url.QueryEscape(name), 0, nil, &resp)
	return resp, err
}

// UpdateRule replaces the rule. A non-zero ifVersion is sent as If-Match.
func (c *Client) UpdateRule(ctx context.Context, id string, r Rule, ifVersion int64) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPut, rulePath(id), ifVersion, r, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodDelete, rulePath(id), 0, nil, &resp)
	return resp, err
}

func (c *Client) AddMilestone(ctx context.Context, ruleID string, m Milestone) (Mutation, error) {
	var resp Mutation
	err := c.do(ctx, http.MethodPost, rulePath(ruleID)+"/milestones", 0, m, &resp)
	return resp, err
}

func (c *Client) UpdateMilestone(ctx context.Context, ruleID, milestoneID string, p MilestonePatch) (Mutation, error) {
	var resp Mutation
	endpoint := rulePath(ruleID) + "/milestones/" + url.PathEscape(milestoneID)
	err := c.do(ctx, http.MethodPatch, endpoint, 0, p, &resp)
	return resp, err
}

func (c *Client) CompleteMilestone(ctx context.Context, ruleID, milestoneID string) (Mutation, error) {
	var resp Mutation
	endpoint := rulePath(ruleID) + "/milestones/" + url.PathEscape(milestoneID) + "/complete"
	err := c.do(ctx, http.MethodPost, endpoint, 0, nil, &resp)
	return resp, err
}

// Events lists a rule's events, newest first.
func (c *Client) Events(ctx context.Context, ruleID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := rulePath(ruleID) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, 0, nil, &resp)
	return resp, err
}

func (c *Client) Triggers(ctx context.Context, ruleID string) ([]Trigger, error) {
	var resp struct {
		Items []Trigger `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, rulePath(ruleID)+"/triggers", 0, nil, &resp)
	return resp.Items, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, ifVersion int64, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if ifVersion > 0 {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(ifVersion, 10)))
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
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
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func rulePath(id string) string {
	return "v0/rules/" + url.PathEscape(id)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
