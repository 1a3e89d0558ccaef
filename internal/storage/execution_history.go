package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/execution-tracker/internal/model"
)

// HistoryFilter narrows history queries. Empty fields match everything.
type HistoryFilter struct {
	RunID     string
	AgentName string
	State     model.ExecutionState
}

func (f HistoryFilter) where() (string, []interface{}) {
	var clauses []string
	var args []interface{}
	if f.RunID != "" {
		clauses = append(clauses, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.AgentName != "" {
		clauses = append(clauses, "agent_name = ?")
		args = append(args, f.AgentName)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(f.State))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ExecutionHistory stores execution records removed from the live registry
type ExecutionHistory interface {
	// Archive stores records, replacing any earlier copy of the same execution
	Archive(ctx context.Context, records []*model.ExecutionRecord) error

	// Get retrieves an archived record by execution ID
	Get(ctx context.Context, executionID string) (*model.ExecutionRecord, error)

	// ListByRunID retrieves every archived execution of a run
	ListByRunID(ctx context.Context, runID string) ([]*model.ExecutionRecord, error)

	// List retrieves archived records with pagination, newest first
	List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.ExecutionRecord, error)

	// Count returns the number of archived records matching the filter
	Count(ctx context.Context, filter HistoryFilter) (int, error)

	// DeleteBefore deletes records last updated before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteExecutionHistory implements ExecutionHistory using SQLite
type SQLiteExecutionHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteExecutionHistory opens (or creates) the history database at dbPath
func NewSQLiteExecutionHistory(logger *zap.Logger, dbPath string) (*SQLiteExecutionHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	storage := &SQLiteExecutionHistory{
		logger: logger.Named("history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteExecutionHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS execution_history (
			execution_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			context TEXT,
			progress TEXT,
			recovery_actions TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME,
			timeout_at DATETIME,
			heartbeat_at DATETIME,
			archived_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_execution_history_run_id ON execution_history(run_id);
		CREATE INDEX IF NOT EXISTS idx_execution_history_agent_name ON execution_history(agent_name);
		CREATE INDEX IF NOT EXISTS idx_execution_history_state ON execution_history(state);
		CREATE INDEX IF NOT EXISTS idx_execution_history_updated_at ON execution_history(updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Archive implements ExecutionHistory.Archive
func (s *SQLiteExecutionHistory) Archive(ctx context.Context, records []*model.ExecutionRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO execution_history (
			execution_id, run_id, agent_name, state, error, retry_count,
			context, progress, recovery_actions,
			created_at, updated_at, completed_at, timeout_at, heartbeat_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		contextJSON, err := marshalNullable(rec.Context, len(rec.Context) > 0)
		if err != nil {
			return fmt.Errorf("failed to marshal context of %s: %w", rec.ExecutionID, err)
		}
		progressJSON, err := marshalNullable(rec.Progress, true)
		if err != nil {
			return fmt.Errorf("failed to marshal progress of %s: %w", rec.ExecutionID, err)
		}
		actionsJSON, err := marshalNullable(rec.RecoveryActions, len(rec.RecoveryActions) > 0)
		if err != nil {
			return fmt.Errorf("failed to marshal recovery actions of %s: %w", rec.ExecutionID, err)
		}

		_, err = stmt.ExecContext(ctx,
			rec.ExecutionID,
			rec.RunID,
			rec.AgentName,
			string(rec.State),
			sql.NullString{String: rec.Error, Valid: rec.Error != ""},
			rec.RetryCount,
			contextJSON,
			progressJSON,
			actionsJSON,
			rec.CreatedAt.UTC(),
			rec.UpdatedAt.UTC(),
			nullTime(rec.CompletedAt),
			nullTime(rec.TimeoutAt),
			nullTime(rec.HeartbeatAt),
		)
		if err != nil {
			return fmt.Errorf("failed to archive execution %s: %w", rec.ExecutionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive: %w", err)
	}

	s.logger.Debug("Archived executions", zap.Int("count", len(records)))
	return nil
}

const selectColumns = `SELECT
	execution_id, run_id, agent_name, state, error, retry_count,
	context, progress, recovery_actions,
	created_at, updated_at, completed_at, timeout_at, heartbeat_at
FROM execution_history`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*model.ExecutionRecord, error) {
	rec := &model.ExecutionRecord{}
	var state string
	var errorStr, contextJSON, progressJSON, actionsJSON sql.NullString
	var completedAt, timeoutAt, heartbeatAt sql.NullTime

	err := row.Scan(
		&rec.ExecutionID,
		&rec.RunID,
		&rec.AgentName,
		&state,
		&errorStr,
		&rec.RetryCount,
		&contextJSON,
		&progressJSON,
		&actionsJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&completedAt,
		&timeoutAt,
		&heartbeatAt,
	)
	if err != nil {
		return nil, err
	}

	rec.State = model.ExecutionState(state)
	if errorStr.Valid {
		rec.Error = errorStr.String
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &rec.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal context: %w", err)
		}
	}
	if progressJSON.Valid && progressJSON.String != "" {
		if err := json.Unmarshal([]byte(progressJSON.String), &rec.Progress); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}
	if actionsJSON.Valid && actionsJSON.String != "" {
		if err := json.Unmarshal([]byte(actionsJSON.String), &rec.RecoveryActions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recovery actions: %w", err)
		}
	}
	rec.CompletedAt = timePtr(completedAt)
	rec.TimeoutAt = timePtr(timeoutAt)
	rec.HeartbeatAt = timePtr(heartbeatAt)
	return rec, nil
}

// Get implements ExecutionHistory.Get. It returns nil without error when the
// execution was never archived.
func (s *SQLiteExecutionHistory) Get(ctx context.Context, executionID string) (*model.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" WHERE execution_id = ?", executionID)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan execution history: %w", err)
	}
	return rec, nil
}

// ListByRunID implements ExecutionHistory.ListByRunID
func (s *SQLiteExecutionHistory) ListByRunID(ctx context.Context, runID string) ([]*model.ExecutionRecord, error) {
	return s.query(ctx, selectColumns+" WHERE run_id = ? ORDER BY created_at ASC", runID)
}

// List implements ExecutionHistory.List
func (s *SQLiteExecutionHistory) List(ctx context.Context, filter HistoryFilter, offset, limit int) ([]*model.ExecutionRecord, error) {
	where, args := filter.where()
	args = append(args, limit, offset)
	return s.query(ctx, selectColumns+where+" ORDER BY updated_at DESC LIMIT ? OFFSET ?", args...)
}

func (s *SQLiteExecutionHistory) query(ctx context.Context, query string, args ...interface{}) ([]*model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list execution history: %w", err)
	}
	defer rows.Close()

	var records []*model.ExecutionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution history: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements ExecutionHistory.Count
func (s *SQLiteExecutionHistory) Count(ctx context.Context, filter HistoryFilter) (int, error) {
	where, args := filter.where()

	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM execution_history"+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count execution history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements ExecutionHistory.DeleteBefore. Timestamps are stored
// in UTC so text comparison orders them correctly.
func (s *SQLiteExecutionHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM execution_history WHERE updated_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete execution history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old execution history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteExecutionHistory) Close() error {
	return s.db.Close()
}

func marshalNullable(v interface{}, valid bool) (sql.NullString, error) {
	if !valid {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
