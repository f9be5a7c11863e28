package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"autodash/internal/domain"
	"autodash/internal/events"
	"autodash/internal/repo"
	"autodash/internal/runner"
	"autodash/internal/summary"
)

const (
	MaxEmailChars   = 100_000
	MaxDataChars    = 100_000
	MaxSummaryChars = 50_000

	statsWorkflowScan = 1000
	statsLogScan      = 100
	statsRecentLogs   = 10

	defaultFinalizeAttempts = 3
	defaultFinalizeBackoff  = 100 * time.Millisecond
)

// TaskRunner runs one allowlisted external task and returns its stdout JSON.
type TaskRunner interface {
	Run(ctx context.Context, script, input string) (json.RawMessage, error)
}

// Summarizer produces AI summaries.
type Summarizer interface {
	Summarize(ctx context.Context, text string, kind summary.Kind, maxTokens int) (summary.Result, error)
	WorkflowInsights(ctx context.Context, workflows []domain.Workflow) (summary.Result, error)
	ReportSummary(ctx context.Context, data any) (summary.Result, error)
}

// ErrFinalize means a workflow's terminal state could not be written; the
// row stays running until the stale-run sweep fails it.
var ErrFinalize = errors.New("failed to record workflow outcome")

// ValidationError rejects client input before any state is written.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string { return e.Message }

// TaskExecutionError is returned when the external task could not produce
// an outcome. The workflow has already been recorded as failed.
type TaskExecutionError struct {
	WorkflowID string
	Err        error
}

func (e *TaskExecutionError) Error() string { return e.Err.Error() }
func (e *TaskExecutionError) Unwrap() error { return e.Err }

type Engine struct {
	Repo       repo.Repo
	Events     events.Writer
	Runner     TaskRunner
	Summarizer Summarizer
	Logger     *slog.Logger
	Now        func() time.Time
	NewID      func() string

	FinalizeAttempts int
	FinalizeBackoff  time.Duration
}

func New(r repo.Repo, taskRunner TaskRunner, summarizer Summarizer, logger *slog.Logger) Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return Engine{
		Repo:             r,
		Events:           events.Writer{Repo: r, Logger: logger},
		Runner:           taskRunner,
		Summarizer:       summarizer,
		Logger:           logger,
		Now:              time.Now,
		NewID:            uuid.NewString,
		FinalizeAttempts: defaultFinalizeAttempts,
		FinalizeBackoff:  defaultFinalizeBackoff,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

// journal returns the log writer bound to the engine's clock and store.
func (e Engine) journal() events.Writer {
	w := e.Events
	w.Now = e.now
	if w.Repo.DB == nil {
		w.Repo = e.Repo
	}
	if w.Logger == nil {
		w.Logger = e.logger()
	}
	return w
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// TriggerResult is what a workflow trigger reports back to its caller.
type TriggerResult struct {
	WorkflowID string                `json:"workflow_id"`
	Status     domain.WorkflowStatus `json:"status"`
	Result     json.RawMessage       `json:"result"`
}

// TriggerEmailParse validates raw email content and runs the email parser.
func (e Engine) TriggerEmailParse(ctx context.Context, emailContent string) (TriggerResult, error) {
	if emailContent == "" {
		return TriggerResult{}, ValidationError{Field: "emailContent", Message: "emailContent is required"}
	}
	if utf8.RuneCountInString(emailContent) > MaxEmailChars {
		return TriggerResult{}, ValidationError{Field: "emailContent", Message: "emailContent too large (max 100KB)"}
	}
	return e.trigger(ctx, domain.TypeEmailParse, runner.EmailParser, emailContent, "Email parsing")
}

// TriggerDataClean validates that data is a JSON object within the size
// ceiling and runs the data cleaner on its normalized serialization.
func (e Engine) TriggerDataClean(ctx context.Context, data json.RawMessage) (TriggerResult, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return TriggerResult{}, ValidationError{Field: "data", Message: "data is required"}
	}
	if trimmed[0] != '{' {
		return TriggerResult{}, ValidationError{Field: "data", Message: "data must be an object"}
	}
	if !json.Valid(trimmed) {
		return TriggerResult{}, ValidationError{Field: "data", Message: "data must be an object"}
	}
	input, err := normalizeJSON(trimmed)
	if err != nil {
		return TriggerResult{}, ValidationError{Field: "data", Message: "data must be an object"}
	}
	if utf8.RuneCountInString(input) > MaxDataChars {
		return TriggerResult{}, ValidationError{Field: "data", Message: "data too large (max 100KB)"}
	}
	return e.trigger(ctx, domain.TypeDataClean, runner.DataCleaner, input, "Data cleaning")
}

type jsonFrame struct {
	object bool
	n      int
}

// normalizeJSON re-encodes one JSON value compactly with string escapes
// resolved and member order kept, so "\u00e9" and "é" measure the same.
func normalizeJSON(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out bytes.Buffer
	var stack []*jsonFrame
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if d, ok := tok.(json.Delim); ok && (d == '}' || d == ']') {
			stack = stack[:len(stack)-1]
			out.WriteByte(byte(d))
			continue
		}
		if len(stack) > 0 {
			top := stack[len(stack)-1]
			switch {
			case top.object && top.n%2 == 1:
				out.WriteByte(':')
			case top.n > 0:
				out.WriteByte(',')
			}
			top.n++
		}
		switch v := tok.(type) {
		case json.Delim:
			out.WriteByte(byte(v))
			stack = append(stack, &jsonFrame{object: v == '{'})
		case string:
			if err := writeJSONString(&out, v); err != nil {
				return "", err
			}
		case json.Number:
			out.WriteString(v.String())
		case bool:
			out.WriteString(strconv.FormatBool(v))
		case nil:
			out.WriteString("null")
		}
	}
	return out.String(), nil
}

func writeJSONString(out *bytes.Buffer, s string) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	out.Write(bytes.TrimRight(buf.Bytes(), "\n"))
	return nil
}

// trigger records a running workflow, runs the task and records the outcome.
// It is detached from ctx cancellation: a client going away does not stop
// the task.
func (e Engine) trigger(ctx context.Context, wfType domain.WorkflowType, script, input, label string) (TriggerResult, error) {
	ctx = context.WithoutCancel(ctx)
	id := e.newID()
	started := domain.FormatTime(e.now())
	wf := domain.Workflow{
		ID:        id,
		Type:      wfType,
		Status:    domain.StatusRunning,
		StartedAt: started,
		CreatedAt: started,
	}
	if err := e.Repo.CreateWorkflow(ctx, wf); err != nil {
		return TriggerResult{}, fmt.Errorf("create workflow: %w", err)
	}
	res := TriggerResult{WorkflowID: id, Status: domain.StatusRunning}
	if err := e.journal().Info(ctx, id, label+" workflow started"); err != nil {
		return res, err
	}

	raw, runErr := e.Runner.Run(ctx, script, input)
	var out domain.TaskOutput
	if runErr == nil {
		out, runErr = decodeTaskOutput(raw)
	}
	if runErr != nil {
		msg := runErr.Error()
		if err := e.finalize(ctx, id, domain.WorkflowUpdate{
			Status:      domain.StatusFailed,
			CompletedAt: domain.FormatTime(e.now()),
			Error:       &msg,
		}); err != nil {
			return res, err
		}
		res.Status = domain.StatusFailed
		e.terminalLog(ctx, id, domain.LevelError, "Error: "+msg)
		return res, &TaskExecutionError{WorkflowID: id, Err: runErr}
	}

	status, errMsg := out.Status, out.Error
	if !status.Terminal() {
		m := fmt.Sprintf("task reported unknown status %q", out.Status)
		if errMsg != nil && *errMsg != "" {
			m += ": " + *errMsg
		}
		status, errMsg = domain.StatusFailed, &m
	}
	if err := e.finalize(ctx, id, domain.WorkflowUpdate{
		Status:      status,
		CompletedAt: domain.FormatTime(e.now()),
		Result:      out.Result,
		Error:       errMsg,
	}); err != nil {
		return res, err
	}
	res.Status, res.Result = status, out.Result
	if status == domain.StatusCompleted {
		e.terminalLog(ctx, id, domain.LevelInfo, label+" completed successfully")
	} else {
		e.terminalLog(ctx, id, domain.LevelError, fmt.Sprintf("%s failed: %s", label, deref(errMsg)))
	}
	return res, nil
}

func decodeTaskOutput(raw json.RawMessage) (domain.TaskOutput, error) {
	var out domain.TaskOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: expected an object with status, result and error: %v", runner.ErrMalformedOutput, err)
	}
	if bytes.Equal(bytes.TrimSpace(out.Result), []byte("null")) {
		out.Result = nil
	}
	return out, nil
}

// finalize writes the terminal update, retrying transient store failures.
func (e Engine) finalize(ctx context.Context, id string, u domain.WorkflowUpdate) error {
	attempts := e.FinalizeAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = e.Repo.UpdateWorkflow(ctx, id, u); err == nil {
			return nil
		}
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		e.logger().Warn("terminal update failed", "workflow_id", id, "attempt", attempt, "error", err)
		if attempt < attempts {
			time.Sleep(e.FinalizeBackoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("%w %s: %v", ErrFinalize, id, err)
}

// terminalLog appends the closing log entry. The workflow outcome is already
// durable, so a failure here is only reported to the process log.
func (e Engine) terminalLog(ctx context.Context, id string, level domain.LogLevel, message string) {
	if err := e.journal().Append(ctx, id, level, message); err != nil {
		e.logger().Error("terminal log append failed", "workflow_id", id, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Stats computes the dashboard counters from the most recent workflows.
func (e Engine) Stats(ctx context.Context) (domain.Stats, error) {
	workflows, err := e.Repo.ListWorkflows(ctx, statsWorkflowScan)
	if err != nil {
		return domain.Stats{}, err
	}
	logs, err := e.Repo.ListLogs(ctx, statsLogScan)
	if err != nil {
		return domain.Stats{}, err
	}
	stats := domain.Stats{
		TotalWorkflows: len(workflows),
		ByType:         map[string]int{},
		RecentActivity: logs,
	}
	if len(stats.RecentActivity) > statsRecentLogs {
		stats.RecentActivity = stats.RecentActivity[:statsRecentLogs]
	}
	for _, w := range workflows {
		switch w.Status {
		case domain.StatusCompleted:
			stats.Completed++
		case domain.StatusFailed:
			stats.Failed++
		case domain.StatusRunning:
			stats.Running++
		}
		stats.ByType[string(w.Type)]++
	}
	return stats, nil
}
