package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/flow-manager/internal/model"
)

// SQLiteCheckpointStore implements CheckpointStore using SQLite
type SQLiteCheckpointStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteCheckpointStore opens (or creates) the checkpoint database
func NewSQLiteCheckpointStore(logger *zap.Logger, dbPath string) (*SQLiteCheckpointStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteCheckpointStore{
		logger: logger.Named("checkpoint-store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteCheckpointStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			workflow_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			snapshot BLOB NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (workflow_id, seq)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Append implements CheckpointStore. Rows are never updated or deleted.
func (s *SQLiteCheckpointStore) Append(ctx context.Context, workflowID string, seq int64, snapshot *model.WorkflowSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (workflow_id, seq, snapshot, created_at) VALUES (?, ?, ?, ?)`,
		workflowID, seq, data, time.Now())
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %s/%d", ErrSequenceConflict, workflowID, seq)
		}
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// LoadLatest implements CheckpointStore
func (s *SQLiteCheckpointStore) LoadLatest(ctx context.Context, workflowID string) (*model.Checkpoint, error) {
	var (
		seq       int64
		data      []byte
		createdAt time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, snapshot, created_at
		FROM checkpoints
		WHERE workflow_id = ?
		ORDER BY seq DESC
		LIMIT 1`, workflowID).Scan(&seq, &data, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, workflowID)
		}
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	snapshot, err := decodeSnapshot(data)
	if err != nil {
		return nil, err
	}
	return &model.Checkpoint{
		WorkflowID: workflowID,
		Sequence:   seq,
		Snapshot:   snapshot,
		CreatedAt:  createdAt,
	}, nil
}

// ListWorkflowIDs implements CheckpointStore
func (s *SQLiteCheckpointStore) ListWorkflowIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM checkpoints ORDER BY workflow_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan workflow id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return ids, nil
}

// Close closes the database connection
func (s *SQLiteCheckpointStore) Close() error {
	return s.db.Close()
}
