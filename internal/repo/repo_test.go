package repo_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodash/internal/db"
	"autodash/internal/domain"
	"autodash/internal/migrate"
	"autodash/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func ts(sec int) string {
	return domain.FormatTime(time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC))
}

func runningWorkflow(id string, sec int) domain.Workflow {
	return domain.Workflow{
		ID:        id,
		Type:      domain.TypeEmailParse,
		Status:    domain.StatusRunning,
		StartedAt: ts(sec),
		CreatedAt: ts(sec),
	}
}

func TestCreateAndGetWorkflow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 1)))
	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
}

func TestCreateWorkflowDuplicateKey(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 1)))
	err := r.CreateWorkflow(ctx, runningWorkflow("wf-1", 2))
	require.ErrorIs(t, err, repo.ErrDuplicateKey)
}

func TestGetWorkflowNotFound(t *testing.T) {
	r := newTestRepo(t)
	_, err := r.GetWorkflow(context.Background(), "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateWorkflowRoundTripsResult(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 1)))

	result := map[string]any{
		"sender":      "a@b.com",
		"attachments": []any{"x.pdf"},
		"metadata":    map[string]any{"to": "c@d.com", "count": float64(3)},
	}
	raw, err := json.Marshal(result)
	require.NoError(t, err)

	require.NoError(t, r.UpdateWorkflow(ctx, "wf-1", domain.WorkflowUpdate{
		Status:      domain.StatusCompleted,
		CompletedAt: ts(2),
		Result:      raw,
	}))

	got, err := r.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, ts(2), *got.CompletedAt)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(got.Result, &decoded))
	assert.Equal(t, result, decoded)
}

func TestUpdateWorkflowNotFound(t *testing.T) {
	r := newTestRepo(t)
	msg := "boom"
	err := r.UpdateWorkflow(context.Background(), "missing", domain.WorkflowUpdate{
		Status:      domain.StatusFailed,
		CompletedAt: ts(1),
		Error:       &msg,
	})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateWorkflowRejectsUnknownStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 1)))
	err := r.UpdateWorkflow(ctx, "wf-1", domain.WorkflowUpdate{Status: "exploded", CompletedAt: ts(2)})
	require.Error(t, err)
}

func TestListWorkflowsNewestFirst(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow(id, i)))
	}

	all, err := r.ListWorkflows(ctx, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})

	limited, err := r.ListWorkflows(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "c", limited[0].ID)
}

func TestListWorkflowsByStatus(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("a", 1)))
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("b", 2)))
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("c", 3)))
	msg := "bad input"
	require.NoError(t, r.UpdateWorkflow(ctx, "b", domain.WorkflowUpdate{Status: domain.StatusFailed, CompletedAt: ts(4), Error: &msg}))

	running, err := r.ListWorkflowsByStatus(ctx, domain.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 2)
	assert.Equal(t, "c", running[0].ID)
	assert.Equal(t, "a", running[1].ID)

	failed, err := r.ListWorkflowsByStatus(ctx, domain.StatusFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.NotNil(t, failed[0].Error)
	assert.Equal(t, "bad input", *failed[0].Error)

	stale, err := r.ListRunningStartedBefore(ctx, ts(2))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].ID)
}

func TestFailIfRunning(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("a", 1)))
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("b", 1)))
	require.NoError(t, r.UpdateWorkflow(ctx, "b", domain.WorkflowUpdate{Status: domain.StatusCompleted, CompletedAt: ts(2), Result: json.RawMessage(`{}`)}))

	ok, err := r.FailIfRunning(ctx, "a", ts(3), "abandoned")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.FailIfRunning(ctx, "b", ts(3), "abandoned")
	require.NoError(t, err)
	assert.False(t, ok)

	b, err := r.GetWorkflow(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, b.Status)
	assert.Nil(t, b.Error)
}

func TestLogsOrdering(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 0)))
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-2", 0)))

	entries := []domain.LogEntry{
		{WorkflowID: "wf-1", Level: domain.LevelInfo, Message: "started", Timestamp: ts(1)},
		{WorkflowID: "wf-2", Level: domain.LevelInfo, Message: "started", Timestamp: ts(2)},
		{WorkflowID: "wf-1", Level: domain.LevelError, Message: "failed", Timestamp: ts(3)},
	}
	for _, e := range entries {
		saved, err := r.AppendLog(ctx, e)
		require.NoError(t, err)
		assert.NotZero(t, saved.ID)
	}

	perWorkflow, err := r.ListLogsByWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, perWorkflow, 2)
	assert.Equal(t, "started", perWorkflow[0].Message)
	assert.Equal(t, domain.LevelError, perWorkflow[1].Level)

	global, err := r.ListLogs(ctx, 2)
	require.NoError(t, err)
	require.Len(t, global, 2)
	assert.Equal(t, ts(3), global[0].Timestamp)
	assert.Equal(t, ts(2), global[1].Timestamp)
}

func TestSummaries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.CreateWorkflow(ctx, runningWorkflow("wf-1", 0)))

	wfID := "wf-1"
	tokens := 42
	require.NoError(t, r.CreateSummary(ctx, domain.Summary{ID: "s-1", Content: "ad hoc", CreatedAt: ts(1)}))
	require.NoError(t, r.CreateSummary(ctx, domain.Summary{ID: "s-2", WorkflowID: &wfID, Content: "attached", TokenCount: &tokens, CreatedAt: ts(2)}))
	require.ErrorIs(t, r.CreateSummary(ctx, domain.Summary{ID: "s-1", Content: "dup", CreatedAt: ts(3)}), repo.ErrDuplicateKey)

	got, err := r.GetSummary(ctx, "s-2")
	require.NoError(t, err)
	require.NotNil(t, got.WorkflowID)
	assert.Equal(t, "wf-1", *got.WorkflowID)
	require.NotNil(t, got.TokenCount)
	assert.Equal(t, 42, *got.TokenCount)

	adHoc, err := r.GetSummary(ctx, "s-1")
	require.NoError(t, err)
	assert.Nil(t, adHoc.WorkflowID)
	assert.Nil(t, adHoc.TokenCount)

	_, err = r.GetSummary(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	list, err := r.ListSummaries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s-2", list[0].ID)
}

func TestMigrateIsIdempotent(t *testing.T) {
	r := newTestRepo(t)
	applied, err := migrate.Migrate(context.Background(), r.DB)
	require.NoError(t, err)
	assert.Zero(t, applied)
}
