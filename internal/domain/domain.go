package domain

import (
	"encoding/json"
	"time"
)

// TimeLayout is the fixed-width UTC layout used for every stored timestamp so
// that lexical order in SQLite matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC3339 values are accepted as well.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
)

// Terminal reports whether no further transitions can occur from s.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type WorkflowType string

const (
	TypeEmailParse WorkflowType = "email_parse"
	TypeDataClean  WorkflowType = "data_clean"
)

type LogLevel string

const (
	LevelInfo    LogLevel = "info"
	LevelWarning LogLevel = "warning"
	LevelError   LogLevel = "error"
)

// Workflow is one execution attempt of an external task.
type Workflow struct {
	ID          string          `json:"id"`
	Type        WorkflowType    `json:"type"`
	Status      WorkflowStatus  `json:"status"`
	StartedAt   string          `json:"started_at"`
	CompletedAt *string         `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// Duration returns the wall time between start and completion, if completed.
func (w Workflow) Duration() (time.Duration, bool) {
	if w.CompletedAt == nil {
		return 0, false
	}
	start, err := ParseTime(w.StartedAt)
	if err != nil {
		return 0, false
	}
	end, err := ParseTime(*w.CompletedAt)
	if err != nil {
		return 0, false
	}
	return end.Sub(start), true
}

// WorkflowUpdate is the closed set of fields a workflow may change after
// creation. All of them are written together by a single statement.
type WorkflowUpdate struct {
	Status      WorkflowStatus
	CompletedAt string
	Result      json.RawMessage
	Error       *string
}

type LogEntry struct {
	ID         int64    `json:"id"`
	WorkflowID string   `json:"workflow_id"`
	Level      LogLevel `json:"level"`
	Message    string   `json:"message"`
	Timestamp  string   `json:"timestamp"`
}

type Summary struct {
	ID         string  `json:"id"`
	WorkflowID *string `json:"workflow_id,omitempty"`
	Content    string  `json:"content"`
	TokenCount *int    `json:"token_count,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

// TaskOutput is the JSON object an external task prints on stdout. Its status
// and error are copied onto the workflow as reported.
type TaskOutput struct {
	Status WorkflowStatus  `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *string         `json:"error,omitempty"`
}

// Stats is the aggregate shown on the dashboard.
type Stats struct {
	TotalWorkflows int            `json:"total_workflows"`
	Completed      int            `json:"completed"`
	Failed         int            `json:"failed"`
	Running        int            `json:"running"`
	ByType         map[string]int `json:"by_type"`
	RecentActivity []LogEntry     `json:"recent_activity"`
}
