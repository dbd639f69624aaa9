package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// TaskHistory is one execution attempt of a task
type TaskHistory struct {
	ID          string           `json:"id"`
	WorkflowID  string           `json:"workflow_id"`
	TaskID      string           `json:"task_id"`
	Attempt     int              `json:"attempt"`
	WorkerID    string           `json:"worker_id,omitempty"`
	Status      model.TaskStatus `json:"status"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
}

// AttemptID returns the record id of a task attempt
func AttemptID(workflowID, taskID string, attempt int) string {
	return fmt.Sprintf("%s#%d", model.TaskKey(workflowID, taskID), attempt)
}

// HistoryFilter narrows List and Count. Empty fields match everything.
type HistoryFilter struct {
	WorkflowID string
	TaskID     string
	WorkerID   string
	Status     model.TaskStatus
}

func (f HistoryFilter) where() (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	if f.WorkflowID != "" {
		clauses = append(clauses, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id = ?")
		args = append(args, f.WorkerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// TaskHistoryStorage defines the interface for task history storage
type TaskHistoryStorage interface {
	// Store stores a task execution record
	Store(ctx context.Context, history *TaskHistory) error

	// Update updates an existing task execution record
	Update(ctx context.Context, history *TaskHistory) error

	// Get retrieves a task execution record by ID
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves task execution records with pagination and filters
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error)

	// Count returns the total number of records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records older than the specified time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ErrHistoryNotFound is returned by Get for unknown record ids
var ErrHistoryNotFound = errors.New("task history not found")

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory creates a new SQLite-based task history storage
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			worker_id TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_workflow_id ON task_history(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store. Storing an attempt twice
// replaces the earlier row.
func (s *SQLiteTaskHistory) Store(ctx context.Context, history *TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_history (
			id, workflow_id, task_id, attempt, worker_id, status, started_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.WorkflowID,
		history.TaskID,
		history.Attempt,
		sql.NullString{String: history.WorkerID, Valid: history.WorkerID != ""},
		history.Status,
		history.StartedAt,
		sql.NullString{String: string(history.Metadata), Valid: len(history.Metadata) > 0},
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements TaskHistoryStorage.Update
func (s *SQLiteTaskHistory) Update(ctx context.Context, history *TaskHistory) error {
	var completedAt sql.NullTime
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *history.CompletedAt, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			status = ?,
			error = ?,
			completed_at = ?,
			duration = ?
		WHERE id = ?`,
		history.Status,
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	return nil
}

const historyColumns = "id, workflow_id, task_id, attempt, worker_id, status, error, started_at, completed_at, duration, metadata"

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*TaskHistory, error) {
	history := &TaskHistory{}
	var workerID, metadata, errorStr sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&history.ID,
		&history.WorkflowID,
		&history.TaskID,
		&history.Attempt,
		&workerID,
		&history.Status,
		&errorStr,
		&history.StartedAt,
		&completedAt,
		&durationNanos,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	history.WorkerID = workerID.String
	history.Error = errorStr.String
	if completedAt.Valid {
		t := completedAt.Time
		history.CompletedAt = &t
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	if metadata.Valid && metadata.String != "" {
		history.Metadata = json.RawMessage(metadata.String)
	}
	return history, nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM task_history WHERE id = ?", id)
	history, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*TaskHistory, error) {
	where, args := filter.where()
	query := "SELECT " + historyColumns + " FROM task_history" + where +
		" ORDER BY started_at DESC, attempt DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}
