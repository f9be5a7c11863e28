package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodash/internal/config"
	"autodash/internal/domain"
)

func TestOverridesApply(t *testing.T) {
	cfg := config.Default()
	cfg.Summary.APIKey = "from-file"
	err := Overrides{
		DBPath:   " data/dash.db ",
		Addr:     "0.0.0.0:9000",
		LogLevel: "debug",
		APIKey:   "from-env",
	}.Apply(cfg)
	require.NoError(t, err)
	assert.Equal(t, "data/dash.db", cfg.Database.Path)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "from-file", cfg.Summary.APIKey)

	cfg.Summary.APIKey = ""
	require.NoError(t, Overrides{APIKey: "from-env"}.Apply(cfg))
	assert.Equal(t, "from-env", cfg.Summary.APIKey)

	require.Error(t, Overrides{LogLevel: "loud"}.Apply(cfg))
}

func TestOpenWiresEngineAndHandler(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "nested", "autodash.db")
	cfg.Sweep.Interval = 30 * time.Second

	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()

	stats, err := a.Engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalWorkflows)

	sw := a.Sweeper()
	assert.Equal(t, 30*time.Second, sw.Interval)
	assert.Equal(t, cfg.Sweep.StaleAfter, sw.StaleAfter)

	h, err := a.Handler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 0, body["total_workflows"])

	// reopening an already migrated database is a no-op
	again, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestShippedScriptsEndToEnd(t *testing.T) {
	cfg := config.Default()
	if _, err := exec.LookPath(cfg.Tasks.Interpreter); err != nil {
		t.Skipf("%s not installed", cfg.Tasks.Interpreter)
	}
	cfg.Database.Path = filepath.Join(t.TempDir(), "autodash.db")
	cfg.Tasks.ScriptsDir = filepath.Join("..", "..", cfg.Tasks.ScriptsDir)

	a, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	parsed, err := a.Engine.TriggerEmailParse(ctx, "From: Ada <ada@example.com>\nSubject: Status\nTo: ops@example.com\n\nAll jobs finished.")
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, parsed.Status, string(parsed.Result))
	var email struct {
		Sender   string            `json:"sender"`
		Subject  string            `json:"subject"`
		Body     string            `json:"body"`
		Metadata map[string]string `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(parsed.Result, &email))
	assert.Equal(t, "ada@example.com", email.Sender)
	assert.Equal(t, "Status", email.Subject)
	assert.Equal(t, "All jobs finished.", email.Body)
	assert.Equal(t, "ops@example.com", email.Metadata["to"])

	cleaned, err := a.Engine.TriggerDataClean(ctx, json.RawMessage(`{"email":" ADA@Example.com ","name":"  Ada   Lovelace!# ","phone":"123","address":{"zip":null}}`))
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, cleaned.Status, string(cleaned.Result))
	var data struct {
		CleanedData      map[string]any `json:"cleaned_data"`
		ValidationErrors []string       `json:"validation_errors"`
	}
	require.NoError(t, json.Unmarshal(cleaned.Result, &data))
	assert.Equal(t, "ada@example.com", data.CleanedData["email"])
	assert.Equal(t, "Ada Lovelace!", data.CleanedData["name"])
	assert.ElementsMatch(t, []string{"Invalid phone format: phone", "Field 'address.zip' is null"}, data.ValidationErrors)

	wf, err := a.Repo.GetWorkflow(ctx, cleaned.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, wf.Status)
	assert.Nil(t, wf.Error)
}
