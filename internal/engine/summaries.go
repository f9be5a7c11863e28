package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"autodash/internal/domain"
	"autodash/internal/repo"
	"autodash/internal/summary"
)

type SummarizeOptions struct {
	Content    string
	Kind       summary.Kind
	WorkflowID string
}

// SummaryResult is a persisted summary together with the usage reported for it.
type SummaryResult struct {
	Summary domain.Summary `json:"summary"`
	Usage   summary.Usage  `json:"usage"`
}

// Summarize generates a summary for content and stores it, optionally
// attached to an existing workflow.
func (e Engine) Summarize(ctx context.Context, opts SummarizeOptions) (SummaryResult, error) {
	if opts.Content == "" {
		return SummaryResult{}, ValidationError{Field: "content", Message: "content is required"}
	}
	if utf8.RuneCountInString(opts.Content) > MaxSummaryChars {
		return SummaryResult{}, ValidationError{Field: "content", Message: "content too large (max 50KB)"}
	}
	if opts.Kind != "" && !summary.ValidKind(opts.Kind) {
		return SummaryResult{}, ValidationError{Field: "type", Message: "invalid type"}
	}
	if opts.WorkflowID != "" {
		if _, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return SummaryResult{}, ValidationError{Field: "workflowId", Message: "workflowId does not reference a workflow"}
			}
			return SummaryResult{}, err
		}
	}
	ctx = context.WithoutCancel(ctx)
	res, err := e.Summarizer.Summarize(ctx, opts.Content, opts.Kind, 0)
	if err != nil {
		return SummaryResult{}, err
	}
	tokens := res.Usage.Total()
	s := domain.Summary{
		ID:         e.newID(),
		Content:    res.Content,
		TokenCount: &tokens,
		CreatedAt:  domain.FormatTime(e.now()),
	}
	if opts.WorkflowID != "" {
		id := opts.WorkflowID
		s.WorkflowID = &id
	}
	if err := e.Repo.CreateSummary(ctx, s); err != nil {
		return SummaryResult{}, fmt.Errorf("store summary: %w", err)
	}
	return SummaryResult{Summary: s, Usage: res.Usage}, nil
}

// Insights is the outcome of analysing recent workflows. Result is nil when
// there was nothing to analyse.
type Insights struct {
	AnalyzedCount int
	Result        *summary.Result
}

func (e Engine) WorkflowInsights(ctx context.Context, limit int) (Insights, error) {
	workflows, err := e.Repo.ListWorkflows(ctx, limit)
	if err != nil {
		return Insights{}, err
	}
	if len(workflows) == 0 {
		return Insights{}, nil
	}
	res, err := e.Summarizer.WorkflowInsights(context.WithoutCancel(ctx), workflows)
	if err != nil {
		return Insights{}, err
	}
	return Insights{AnalyzedCount: len(workflows), Result: &res}, nil
}

// ReportSummary summarizes arbitrary report data. A JSON string is passed to
// the model as plain text; any other value is sent as indented JSON.
func (e Engine) ReportSummary(ctx context.Context, data json.RawMessage) (summary.Result, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || isEmptyReport(trimmed) {
		return summary.Result{}, ValidationError{Field: "data", Message: "data is required"}
	}
	var payload any
	if err := json.Unmarshal(trimmed, &payload); err != nil {
		return summary.Result{}, ValidationError{Field: "data", Message: "data must be valid JSON"}
	}
	return e.Summarizer.ReportSummary(context.WithoutCancel(ctx), payload)
}

// isEmptyReport matches the values a report body treats as missing.
func isEmptyReport(raw []byte) bool {
	switch string(raw) {
	case "null", "false", `""`, "0":
		return true
	}
	return false
}
