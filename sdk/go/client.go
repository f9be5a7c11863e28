package autodashsdk

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

// Client is a minimal automation dashboard HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. Workflow triggers wait for the
// task to finish, so the timeout is longer than a plain read needs.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 5 * time.Minute,
	}
}

type Workflow struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	StartedAt   string          `json:"started_at"`
	CompletedAt *string         `json:"completed_at"`
	Result      json.RawMessage `json:"result"`
	Error       *string         `json:"error"`
	CreatedAt   string          `json:"created_at"`
}

// TriggerResult is returned by the workflow trigger endpoints.
type TriggerResult struct {
	WorkflowID string          `json:"workflow_id"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
}

type LogEntry struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Level      string `json:"level"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

type Summary struct {
	ID         string  `json:"id"`
	WorkflowID *string `json:"workflow_id"`
	Content    string  `json:"content"`
	TokenCount *int    `json:"token_count"`
	CreatedAt  string  `json:"created_at"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type SummarizeResult struct {
	ID      string `json:"id"`
	Summary string `json:"summary"`
	Usage   Usage  `json:"usage"`
}

// Insights is nil-valued when there were no workflows to analyse.
type Insights struct {
	Message       string  `json:"message,omitempty"`
	Insights      *string `json:"insights"`
	AnalyzedCount int     `json:"analyzed_count"`
	Usage         *Usage  `json:"usage,omitempty"`
}

type ReportSummary struct {
	Summary string `json:"summary"`
	Usage   Usage  `json:"usage"`
}

type Stats struct {
	TotalWorkflows int            `json:"total_workflows"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Running        int            `json:"running"`
	ByType         map[string]int `json:"by_type"`
	RecentActivity []LogEntry     `json:"recent_activity"`
}

type Health struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
	Code       string
	Message    string
	// WorkflowID is set when the server recorded a workflow before failing.
	WorkflowID string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) (Health, error) {
	var resp Health
	err := c.do(ctx, http.MethodGet, "health", nil, &resp)
	return resp, err
}

// ParseEmail runs the email parsing workflow on raw email text.
func (c *Client) ParseEmail(ctx context.Context, emailContent string) (TriggerResult, error) {
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "api/workflows/email-parse", map[string]any{"emailContent": emailContent}, &resp)
	return resp, err
}

// CleanData runs the data cleaning workflow on an object.
func (c *Client) CleanData(ctx context.Context, data map[string]any) (TriggerResult, error) {
	if data == nil {
		data = map[string]any{}
	}
	var resp TriggerResult
	err := c.do(ctx, http.MethodPost, "api/workflows/data-clean", map[string]any{"data": data}, &resp)
	return resp, err
}

// Workflows lists workflows, newest first. A non-empty status filters by status
// and ignores limit.
func (c *Client) Workflows(ctx context.Context, limit int, status string) ([]Workflow, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if status != "" {
		q.Set("status", status)
	}
	var resp []Workflow
	err := c.do(ctx, http.MethodGet, withQuery("api/workflows", q), nil, &resp)
	return resp, err
}

func (c *Client) Workflow(ctx context.Context, id string) (Workflow, error) {
	var resp Workflow
	err := c.do(ctx, http.MethodGet, "api/workflows/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Logs returns recent log entries across all workflows, newest first.
func (c *Client) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, withQuery("api/logs", q), nil, &resp)
	return resp, err
}

// WorkflowLogs returns a workflow's log entries, oldest first.
func (c *Client) WorkflowLogs(ctx context.Context, workflowID string) ([]LogEntry, error) {
	var resp []LogEntry
	err := c.do(ctx, http.MethodGet, "api/logs/"+url.PathEscape(workflowID), nil, &resp)
	return resp, err
}

// Summarize generates and stores a summary. kind and workflowID are optional.
func (c *Client) Summarize(ctx context.Context, content, kind, workflowID string) (SummarizeResult, error) {
	body := map[string]any{"content": content}
	if kind != "" {
		body["type"] = kind
	}
	if workflowID != "" {
		body["workflowId"] = workflowID
	}
	var resp SummarizeResult
	err := c.do(ctx, http.MethodPost, "api/summarize", body, &resp)
	return resp, err
}

func (c *Client) WorkflowInsights(ctx context.Context, limit int) (Insights, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp Insights
	err := c.do(ctx, http.MethodGet, withQuery("api/insights/workflows", q), nil, &resp)
	return resp, err
}

// SummarizeReport summarizes report data, either text or any JSON-encodable value.
func (c *Client) SummarizeReport(ctx context.Context, data any) (ReportSummary, error) {
	var resp ReportSummary
	err := c.do(ctx, http.MethodPost, "api/reports/summarize", map[string]any{"data": data}, &resp)
	return resp, err
}

func (c *Client) Summaries(ctx context.Context, limit int) ([]Summary, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp []Summary
	err := c.do(ctx, http.MethodGet, withQuery("api/summaries", q), nil, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context, id string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "api/summaries/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) Stats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "api/stats", nil, &resp)
	return resp, err
}

// Watch polls the stats endpoint every interval and passes each snapshot to
// fn, the way the dashboard refreshes. It returns when ctx ends, or with the
// first error from the API or fn.
func (c *Client) Watch(ctx context.Context, interval time.Duration, fn func(Stats) error) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		stats, err := c.Stats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := fn(stats); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
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
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return newAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.WorkflowID, _ = env.Error.Details["workflow_id"].(string)
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
