package server

import (
	"bytes"
	"encoding/json"

	"autodash/internal/domain"
	"autodash/internal/engine"
	"autodash/internal/summary"
)

// Request payloads

type EmailParseRequest struct {
	EmailContent string `json:"emailContent,omitempty" doc:"Raw email text, at most 100,000 characters"`
}

type DataCleanRequest struct {
	Data any `json:"data,omitempty" doc:"Object to clean; its JSON form is at most 100,000 characters"`
}

type SummarizeRequest struct {
	Content    string `json:"content,omitempty" doc:"Text to summarize, at most 50,000 characters"`
	Type       string `json:"type,omitempty" doc:"general, workflow or report"`
	WorkflowID string `json:"workflowId,omitempty" doc:"Workflow to attach the summary to"`
}

type ReportSummaryRequest struct {
	Data any `json:"data,omitempty" doc:"Report text or structured report data"`
}

// Response payloads

type WorkflowResponse struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	StartedAt   string  `json:"started_at"`
	CompletedAt *string `json:"completed_at"`
	Result      any     `json:"result"`
	Error       *string `json:"error"`
	CreatedAt   string  `json:"created_at"`
}

type TriggerResponse struct {
	WorkflowID string `json:"workflow_id" format:"uuid"`
	Status     string `json:"status" enum:"completed,failed"`
	Result     any    `json:"result"`
}

type LogResponse struct {
	ID         int64  `json:"id"`
	WorkflowID string `json:"workflow_id"`
	Level      string `json:"level" enum:"info,warning,error"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
}

type SummaryResponse struct {
	ID         string  `json:"id"`
	WorkflowID *string `json:"workflow_id"`
	Content    string  `json:"content"`
	TokenCount *int    `json:"token_count"`
	CreatedAt  string  `json:"created_at"`
}

type SummarizeResponse struct {
	ID      string        `json:"id"`
	Summary string        `json:"summary"`
	Usage   summary.Usage `json:"usage"`
}

type InsightsResponse struct {
	Message       string         `json:"message,omitempty"`
	Insights      *string        `json:"insights"`
	AnalyzedCount *int           `json:"analyzed_count,omitempty"`
	Usage         *summary.Usage `json:"usage,omitempty"`
}

type ReportSummaryResponse struct {
	Summary string        `json:"summary"`
	Usage   summary.Usage `json:"usage"`
}

type StatsResponse struct {
	TotalWorkflows int            `json:"total_workflows"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Running        int            `json:"running"`
	ByType         map[string]int `json:"by_type"`
	RecentActivity []LogResponse  `json:"recent_activity"`
}

type HealthResponse struct {
	Status    string `json:"status" example:"ok"`
	Timestamp string `json:"timestamp"`
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	return WorkflowResponse{
		ID:          w.ID,
		Type:        string(w.Type),
		Status:      string(w.Status),
		StartedAt:   w.StartedAt,
		CompletedAt: w.CompletedAt,
		Result:      decodeResult(w.Result),
		Error:       w.Error,
		CreatedAt:   w.CreatedAt,
	}
}

func triggerResponse(res engine.TriggerResult) TriggerResponse {
	return TriggerResponse{
		WorkflowID: res.WorkflowID,
		Status:     string(res.Status),
		Result:     decodeResult(res.Result),
	}
}

func logResponse(l domain.LogEntry) LogResponse {
	return LogResponse{
		ID:         l.ID,
		WorkflowID: l.WorkflowID,
		Level:      string(l.Level),
		Message:    l.Message,
		Timestamp:  l.Timestamp,
	}
}

func summaryResponse(s domain.Summary) SummaryResponse {
	return SummaryResponse{
		ID:         s.ID,
		WorkflowID: s.WorkflowID,
		Content:    s.Content,
		TokenCount: s.TokenCount,
		CreatedAt:  s.CreatedAt,
	}
}

func statsResponse(s domain.Stats) StatsResponse {
	return StatsResponse{
		TotalWorkflows: s.TotalWorkflows,
		Completed:      s.Completed,
		Failed:         s.Failed,
		Running:        s.Running,
		ByType:         s.ByType,
		RecentActivity: mapLogs(s.RecentActivity),
	}
}

func mapWorkflows(items []domain.Workflow) []WorkflowResponse {
	out := make([]WorkflowResponse, 0, len(items))
	for _, w := range items {
		out = append(out, workflowResponse(w))
	}
	return out
}

func mapLogs(items []domain.LogEntry) []LogResponse {
	out := make([]LogResponse, 0, len(items))
	for _, l := range items {
		out = append(out, logResponse(l))
	}
	return out
}

func mapSummaries(items []domain.Summary) []SummaryResponse {
	out := make([]SummaryResponse, 0, len(items))
	for _, s := range items {
		out = append(out, summaryResponse(s))
	}
	return out
}

// decodeResult turns a stored result into a value the encoder writes back
// unchanged. Numbers stay json.Number so large values keep their digits.
func decodeResult(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	return v
}
