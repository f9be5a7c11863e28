package summary_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autodash/internal/domain"
	"autodash/internal/summary"
)

type fakeCompleter struct {
	requests []openai.ChatCompletionRequest
	err      error
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Model: req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "summary text"},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 8, TotalTokens: 20},
	}, nil
}

func (f *fakeCompleter) lastPrompt() string {
	req := f.requests[len(f.requests)-1]
	return req.Messages[0].Content
}

func TestSummarizeUsesTemplateForKind(t *testing.T) {
	fc := &fakeCompleter{}
	g := summary.NewWithClient(fc, summary.Config{Model: "test-model"})

	cases := map[summary.Kind]string{
		summary.KindGeneral:  "Please provide a concise summary",
		summary.KindWorkflow: "Analyze the following workflow execution data",
		summary.KindReport:   "Generate an executive summary report",
		"unknown":            "Please provide a concise summary",
		"":                   "Please provide a concise summary",
	}
	for kind, prefix := range cases {
		res, err := g.Summarize(context.Background(), "body text", kind, 0)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(fc.lastPrompt(), prefix), "kind %q", kind)
		assert.True(t, strings.HasSuffix(fc.lastPrompt(), "\n\nbody text"))
		assert.Equal(t, "summary text", res.Content)
		assert.Equal(t, "test-model", res.Model)
		assert.Equal(t, "stop", res.StopReason)
		assert.Equal(t, 20, res.Usage.Total())
	}
	assert.Equal(t, summary.DefaultMaxTokens, fc.requests[0].MaxTokens)
}

func TestSummarizeWrapsClientError(t *testing.T) {
	fc := &fakeCompleter{err: errors.New("connection refused")}
	g := summary.NewWithClient(fc, summary.Config{})

	_, err := g.Summarize(context.Background(), "x", summary.KindGeneral, 0)
	require.ErrorIs(t, err, summary.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWorkflowInsightsDigest(t *testing.T) {
	fc := &fakeCompleter{}
	g := summary.NewWithClient(fc, summary.Config{})
	done := "2024-01-01T00:00:01.500000Z"
	msg := "bad"
	workflows := []domain.Workflow{
		{ID: "a", Type: domain.TypeEmailParse, Status: domain.StatusCompleted, StartedAt: "2024-01-01T00:00:00.000000Z", CompletedAt: &done},
		{ID: "b", Type: domain.TypeDataClean, Status: domain.StatusFailed, StartedAt: "2024-01-01T00:00:00.000000Z", CompletedAt: &done, Error: &msg},
		{ID: "c", Type: domain.TypeDataClean, Status: domain.StatusRunning, StartedAt: "2024-01-01T00:00:00.000000Z"},
	}

	_, err := g.WorkflowInsights(context.Background(), workflows)
	require.NoError(t, err)

	prompt := fc.lastPrompt()
	require.Contains(t, prompt, "Workflow Execution Summary:\n")
	body := prompt[strings.Index(prompt, "["):]
	var digest []map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &digest))
	require.Len(t, digest, 3)
	assert.Equal(t, float64(1500), digest[0]["duration"])
	assert.Equal(t, false, digest[0]["hasError"])
	assert.Equal(t, true, digest[1]["hasError"])
	assert.Nil(t, digest[2]["duration"])
}

func TestReportSummaryUsesReportBudget(t *testing.T) {
	fc := &fakeCompleter{}
	g := summary.NewWithClient(fc, summary.Config{})

	_, err := g.ReportSummary(context.Background(), map[string]any{"revenue": 10})
	require.NoError(t, err)
	assert.Equal(t, summary.DefaultReportMaxTokens, fc.requests[0].MaxTokens)
	assert.Contains(t, fc.lastPrompt(), `"revenue": 10`)

	_, err = g.ReportSummary(context.Background(), "plain text report")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(fc.lastPrompt(), "\n\nplain text report"))
}

func TestGeneratorAgainstCompletionEndpoint(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "cmpl-1",
			"model": req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": "it went fine"},
				"finish_reason": "length",
			}},
			"usage": map[string]any{"prompt_tokens": 30, "completion_tokens": 7, "total_tokens": 37},
		})
	}))
	defer srv.Close()

	g := summary.New(summary.Config{APIKey: "secret", BaseURL: srv.URL + "/v1", Model: "m-1"})
	res, err := g.Summarize(context.Background(), "content", summary.KindGeneral, 0)
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "it went fine", res.Content)
	assert.Equal(t, "m-1", res.Model)
	assert.Equal(t, "length", res.StopReason)
	assert.Equal(t, summary.Usage{InputTokens: 30, OutputTokens: 7}, res.Usage)
}

func TestGeneratorEndpointError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid x-api-key","type":"authentication_error"}}`))
	}))
	defer srv.Close()

	g := summary.New(summary.Config{APIKey: "bad", BaseURL: srv.URL})
	_, err := g.Summarize(context.Background(), "content", summary.KindGeneral, 0)
	require.ErrorIs(t, err, summary.ErrGenerationFailed)
	assert.Contains(t, err.Error(), "invalid x-api-key")
}

func TestValidKind(t *testing.T) {
	assert.True(t, summary.ValidKind(summary.KindReport))
	assert.False(t, summary.ValidKind("poem"))
}
