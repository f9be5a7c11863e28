package autodashsdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodash/internal/db"
	"autodash/internal/domain"
	"autodash/internal/engine"
	"autodash/internal/migrate"
	"autodash/internal/repo"
	"autodash/internal/server"
	"autodash/internal/summary"
	autodashsdk "autodash/sdk/go"
)

type echoRunner struct{}

func (echoRunner) Run(_ context.Context, script, input string) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]any{
		"status": "completed",
		"result": map[string]any{"script": script, "input": input},
		"error":  nil,
	})
	return out, nil
}

type cannedSummarizer struct{}

func (cannedSummarizer) res() summary.Result {
	return summary.Result{Content: "summary", Usage: summary.Usage{InputTokens: 2, OutputTokens: 1}}
}

func (s cannedSummarizer) Summarize(context.Context, string, summary.Kind, int) (summary.Result, error) {
	return s.res(), nil
}

func (s cannedSummarizer) WorkflowInsights(context.Context, []domain.Workflow) (summary.Result, error) {
	return s.res(), nil
}

func (s cannedSummarizer) ReportSummary(context.Context, any) (summary.Result, error) {
	return s.res(), nil
}

func newClient(t *testing.T) *autodashsdk.Client {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "sdk.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	e := engine.New(repo.Repo{DB: conn}, echoRunner{}, cannedSummarizer{}, nil)
	handler, err := server.New(server.Config{Engine: e})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return autodashsdk.New(srv.URL)
}

func TestClientWorkflowFlow(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	parsed, err := c.ParseEmail(ctx, "From: a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "completed", parsed.Status)
	assert.JSONEq(t, `{"script":"email_parser.py","input":"From: a@b.com"}`, string(parsed.Result))

	cleaned, err := c.CleanData(ctx, map[string]any{"name": "Ada"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"script":"data_cleaner.py","input":"{\"name\":\"Ada\"}"}`, string(cleaned.Result))

	wf, err := c.Workflow(ctx, parsed.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "email_parse", wf.Type)
	assert.NotNil(t, wf.CompletedAt)

	all, err := c.Workflows(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, cleaned.WorkflowID, all[0].ID)

	completed, err := c.Workflows(ctx, 0, "completed")
	require.NoError(t, err)
	assert.Len(t, completed, 2)

	logs, err := c.WorkflowLogs(ctx, parsed.WorkflowID)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "info", logs[0].Level)

	recent, err := c.Logs(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, recent, 3)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalWorkflows)
	assert.Equal(t, map[string]int{"email_parse": 1, "data_clean": 1}, stats.ByType)
}

func TestClientSummaries(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	empty, err := c.WorkflowInsights(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, empty.Insights)
	assert.Equal(t, "No workflows to analyze", empty.Message)

	parsed, err := c.ParseEmail(ctx, "x")
	require.NoError(t, err)

	created, err := c.Summarize(ctx, "text", "workflow", parsed.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, "summary", created.Summary)

	got, err := c.Summary(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.WorkflowID)
	assert.Equal(t, parsed.WorkflowID, *got.WorkflowID)

	list, err := c.Summaries(ctx, 5)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	insights, err := c.WorkflowInsights(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, insights.Insights)
	assert.Equal(t, 1, insights.AnalyzedCount)

	report, err := c.SummarizeReport(ctx, "quarterly numbers")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Usage.InputTokens+report.Usage.OutputTokens)
}

func TestClientAPIError(t *testing.T) {
	c := newClient(t)
	_, err := c.Workflow(context.Background(), "missing")
	var apiErr *autodashsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, "Workflow not found", apiErr.Message)

	_, err = c.CleanData(context.Background(), nil)
	require.NoError(t, err)
}

func TestClientWorkflowIDOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"task_failed","message":"task exited with code 1","details":{"workflow_id":"wf-9"}}}`))
	}))
	defer srv.Close()

	_, err := autodashsdk.New(srv.URL).ParseEmail(context.Background(), "x")
	var apiErr *autodashsdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "wf-9", apiErr.WorkflowID)
	assert.Equal(t, "task_failed", apiErr.Code)
}

func TestWatchPollsUntilCancelled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"total_workflows":1,"completed":1,"failed":0,"running":0,"by_type":{"email_parse":1},"recent_activity":[]}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	err := autodashsdk.New(srv.URL).Watch(ctx, 10*time.Millisecond, func(s autodashsdk.Stats) error {
		seen++
		assert.Equal(t, 1, s.TotalWorkflows)
		if seen == 3 {
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, seen)
	assert.GreaterOrEqual(t, hits.Load(), int32(3))
}

func TestWatchStopsOnCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	stop := errors.New("stop")
	err := autodashsdk.New(srv.URL).Watch(context.Background(), time.Millisecond, func(autodashsdk.Stats) error { return stop })
	require.ErrorIs(t, err, stop)
}
