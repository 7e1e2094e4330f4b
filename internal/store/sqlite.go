package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"

	"agentdeck/internal/core"
)

const (
	contextCacheSize = 128
	// fixed width so timestamps sort as text
	timeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

type SQLiteStore struct {
	db       *sql.DB
	contexts *lru.Cache[string, core.TaskContext]
}

func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer keeps sqlite from returning SQLITE_BUSY under concurrent settles
	db.SetMaxOpenConns(1)

	cache, err := lru.New[string, core.TaskContext](contextCacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create context cache: %w", err)
	}
	return &SQLiteStore{db: db, contexts: cache}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	ddl := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			work_dir TEXT NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE TABLE IF NOT EXISTS task_contexts (
			task_id TEXT PRIMARY KEY,
			workflow_json TEXT NOT NULL,
			context_json TEXT,
			plan_request_json TEXT,
			plan_result_json TEXT,
			updated_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StartTask records a task entering Running. Re-running a known task id
// resets its finish fields.
func (s *SQLiteStore) StartTask(ctx context.Context, task core.TaskRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, work_dir, status, error, started_at, finished_at)
		VALUES (?, ?, ?, NULL, ?, NULL)
		ON CONFLICT(task_id) DO UPDATE SET
			work_dir = excluded.work_dir,
			status = excluded.status,
			error = NULL,
			started_at = excluded.started_at,
			finished_at = NULL`,
		task.TaskID,
		task.WorkDir,
		string(task.Status),
		task.StartedAt.UTC().Format(timeFormat),
	)
	return err
}

func (s *SQLiteStore) FinishTask(ctx context.Context, taskID string, status core.TaskStatus, errText string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error = ?, finished_at = ?
		WHERE task_id = ?`,
		string(status),
		errText,
		time.Now().UTC().Format(timeFormat),
		taskID,
	)
	return err
}

func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (core.TaskRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, work_dir, status, error, started_at, finished_at
		FROM tasks
		WHERE task_id = ?`,
		taskID,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.TaskRecord{}, fmt.Errorf("%w: %s", core.ErrTaskNotFound, taskID)
	}
	return task, err
}

// ListTasks returns the most recently started tasks first.
func (s *SQLiteStore) ListTasks(ctx context.Context, limit int) ([]core.TaskRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, work_dir, status, error, started_at, finished_at
		FROM tasks
		ORDER BY started_at DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveTaskContext(ctx context.Context, taskID string, tc core.TaskContext) error {
	workflowJSON, err := json.Marshal(tc.Workflow)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	var contextJSON []byte
	if tc.ContextParams != nil {
		if contextJSON, err = json.Marshal(tc.ContextParams); err != nil {
			return fmt.Errorf("marshal context params: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_contexts (task_id, workflow_json, context_json, plan_request_json, plan_result_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			workflow_json = excluded.workflow_json,
			context_json = excluded.context_json,
			plan_request_json = excluded.plan_request_json,
			plan_result_json = excluded.plan_result_json,
			updated_at = excluded.updated_at`,
		taskID,
		string(workflowJSON),
		nullString(contextJSON),
		nullString(tc.PlanRequest),
		nullString(tc.PlanResult),
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return err
	}
	s.contexts.Add(taskID, tc.Clone())
	return nil
}

// GetTaskContext reports ok=false when nothing was saved for taskID.
func (s *SQLiteStore) GetTaskContext(ctx context.Context, taskID string) (core.TaskContext, bool, error) {
	if tc, ok := s.contexts.Get(taskID); ok {
		return tc.Clone(), true, nil
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT workflow_json, context_json, plan_request_json, plan_result_json
		FROM task_contexts
		WHERE task_id = ?`,
		taskID,
	)
	var (
		workflowJSON string
		contextJSON  sql.NullString
		planRequest  sql.NullString
		planResult   sql.NullString
	)
	if err := row.Scan(&workflowJSON, &contextJSON, &planRequest, &planResult); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.TaskContext{}, false, nil
		}
		return core.TaskContext{}, false, err
	}

	var tc core.TaskContext
	if err := json.Unmarshal([]byte(workflowJSON), &tc.Workflow); err != nil {
		return core.TaskContext{}, false, fmt.Errorf("decode workflow: %w", err)
	}
	if contextJSON.Valid {
		if err := json.Unmarshal([]byte(contextJSON.String), &tc.ContextParams); err != nil {
			return core.TaskContext{}, false, fmt.Errorf("decode context params: %w", err)
		}
	}
	if planRequest.Valid {
		tc.PlanRequest = json.RawMessage(planRequest.String)
	}
	if planResult.Valid {
		tc.PlanResult = json.RawMessage(planResult.String)
	}
	s.contexts.Add(taskID, tc)
	return tc.Clone(), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (core.TaskRecord, error) {
	var (
		task       core.TaskRecord
		status     string
		errText    sql.NullString
		startedAt  string
		finishedAt sql.NullString
	)
	if err := row.Scan(&task.TaskID, &task.WorkDir, &status, &errText, &startedAt, &finishedAt); err != nil {
		return core.TaskRecord{}, err
	}
	task.Status = core.TaskStatus(status)
	if errText.Valid {
		task.Error = errText.String
	}
	task.StartedAt, _ = time.Parse(timeFormat, startedAt)
	if finishedAt.Valid {
		task.FinishedAt, _ = time.Parse(timeFormat, finishedAt.String)
	}
	return task, nil
}

func nullString(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
