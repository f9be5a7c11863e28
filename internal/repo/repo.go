package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"autodash/internal/domain"
)

// Repo is the persistent store for workflows, their logs and summaries.
// Every method is a single statement confined to one table.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")
)

const workflowColumns = `id,type,status,started_at,completed_at,result,error,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (domain.Workflow, error) {
	var (
		w           domain.Workflow
		completedAt sql.NullString
		result      sql.NullString
		errMsg      sql.NullString
	)
	if err := row.Scan(&w.ID, &w.Type, &w.Status, &w.StartedAt, &completedAt, &result, &errMsg, &w.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return w, ErrNotFound
		}
		return w, err
	}
	if completedAt.Valid {
		w.CompletedAt = &completedAt.String
	}
	if result.Valid {
		if !json.Valid([]byte(result.String)) {
			return w, fmt.Errorf("workflow %s: stored result is not valid json", w.ID)
		}
		w.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		w.Error = &errMsg.String
	}
	return w, nil
}

func (r Repo) CreateWorkflow(ctx context.Context, w domain.Workflow) error {
	result, err := encodeResult(w.Result)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workflows(`+workflowColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		w.ID, w.Type, w.Status, w.StartedAt, nullablePtr(w.CompletedAt), result, nullablePtr(w.Error), w.CreatedAt)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("workflow %s: %w", w.ID, ErrDuplicateKey)
	}
	return err
}

// UpdateWorkflow writes the terminal fields of a workflow in one statement.
func (r Repo) UpdateWorkflow(ctx context.Context, id string, u domain.WorkflowUpdate) error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid workflow status %q", u.Status)
	}
	result, err := encodeResult(u.Result)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET status=?, completed_at=?, result=?, error=? WHERE id=?`,
		u.Status, nullable(u.CompletedAt), result, nullablePtr(u.Error), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailIfRunning moves a workflow from running to failed. It reports false
// when the workflow already reached another status.
func (r Repo) FailIfRunning(ctx context.Context, id, completedAt, message string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE workflows SET status=?, completed_at=?, error=? WHERE id=? AND status=?`,
		domain.StatusFailed, completedAt, message, id, domain.StatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return scanWorkflow(r.DB.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
}

// ListWorkflows returns up to limit workflows, newest first.
func (r Repo) ListWorkflows(ctx context.Context, limit int) ([]domain.Workflow, error) {
	return r.queryWorkflows(ctx, `SELECT `+workflowColumns+` FROM workflows ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
}

// ListWorkflowsByStatus returns every workflow in status, newest first.
func (r Repo) ListWorkflowsByStatus(ctx context.Context, status domain.WorkflowStatus) ([]domain.Workflow, error) {
	return r.queryWorkflows(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE status=? ORDER BY created_at DESC, rowid DESC`, status)
}

// ListRunningStartedBefore returns running workflows started before ts, oldest first.
func (r Repo) ListRunningStartedBefore(ctx context.Context, ts string) ([]domain.Workflow, error) {
	return r.queryWorkflows(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE status=? AND started_at < ? ORDER BY started_at ASC`,
		domain.StatusRunning, ts)
}

func (r Repo) queryWorkflows(ctx context.Context, query string, args ...any) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Workflow{}
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// AppendLog inserts an immutable log row and returns it with its id.
func (r Repo) AppendLog(ctx context.Context, entry domain.LogEntry) (domain.LogEntry, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO logs(workflow_id,level,message,timestamp) VALUES (?,?,?,?)`,
		entry.WorkflowID, entry.Level, entry.Message, entry.Timestamp)
	if err != nil {
		return entry, err
	}
	entry.ID, err = res.LastInsertId()
	return entry, err
}

// ListLogs returns up to limit log rows across all workflows, newest first.
func (r Repo) ListLogs(ctx context.Context, limit int) ([]domain.LogEntry, error) {
	return r.queryLogs(ctx, `SELECT id,workflow_id,level,message,timestamp FROM logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// ListLogsByWorkflow returns every log row of a workflow, oldest first.
func (r Repo) ListLogsByWorkflow(ctx context.Context, workflowID string) ([]domain.LogEntry, error) {
	return r.queryLogs(ctx, `SELECT id,workflow_id,level,message,timestamp FROM logs WHERE workflow_id=? ORDER BY timestamp ASC, id ASC`, workflowID)
}

func (r Repo) queryLogs(ctx context.Context, query string, args ...any) ([]domain.LogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.LogEntry{}
	for rows.Next() {
		var l domain.LogEntry
		if err := rows.Scan(&l.ID, &l.WorkflowID, &l.Level, &l.Message, &l.Timestamp); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) CreateSummary(ctx context.Context, s domain.Summary) error {
	var tokens any
	if s.TokenCount != nil {
		tokens = *s.TokenCount
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO summaries(id,workflow_id,content,token_count,created_at) VALUES (?,?,?,?,?)`,
		s.ID, nullablePtr(s.WorkflowID), s.Content, tokens, s.CreatedAt)
	if isPrimaryKeyViolation(err) {
		return fmt.Errorf("summary %s: %w", s.ID, ErrDuplicateKey)
	}
	return err
}

func (r Repo) GetSummary(ctx context.Context, id string) (domain.Summary, error) {
	s, err := scanSummary(r.DB.QueryRowContext(ctx, `SELECT id,workflow_id,content,token_count,created_at FROM summaries WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// ListSummaries returns up to limit summaries, newest first.
func (r Repo) ListSummaries(ctx context.Context, limit int) ([]domain.Summary, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,content,token_count,created_at FROM summaries ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Summary{}
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanSummary(row rowScanner) (domain.Summary, error) {
	var (
		s          domain.Summary
		workflowID sql.NullString
		tokens     sql.NullInt64
	)
	if err := row.Scan(&s.ID, &workflowID, &s.Content, &tokens, &s.CreatedAt); err != nil {
		return s, err
	}
	if workflowID.Valid {
		s.WorkflowID = &workflowID.String
	}
	if tokens.Valid {
		n := int(tokens.Int64)
		s.TokenCount = &n
	}
	return s, nil
}

func encodeResult(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("result is not valid json")
	}
	return string(raw), nil
}

func isPrimaryKeyViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
