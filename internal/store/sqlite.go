package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
	"github.com/ashureev/agentdeck/internal/shared"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 50

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		audit_id TEXT,
		status TEXT NOT NULL,
		raw_text TEXT NOT NULL,
		error TEXT,
		step_count INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_user ON runs(user_id, finished_at DESC);
	CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create runs schema: %w", err)
	}
	return nil
}

// InsertRun records one finished run. Retries with exponential backoff
// on SQLITE_BUSY, which can occur while the purge worker holds the lock.
func (s *SQLiteStore) InsertRun(ctx context.Context, rec *domain.RunRecord) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = s.insertRunOnce(ctx, rec)
		if err == nil {
			return nil
		}
		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i)
			slog.Debug("InsertRun failed with SQLITE_BUSY, retrying",
				"run_id", rec.RunID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}
		break
	}
	return fmt.Errorf("insert run %s: %w", rec.RunID, err)
}

func (s *SQLiteStore) insertRunOnce(ctx context.Context, rec *domain.RunRecord) error {
	query := `
		INSERT INTO runs (
			run_id, user_id, agent_id, audit_id, status,
			raw_text, error, step_count, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	var auditID, errMsg interface{}
	if rec.AuditID != "" {
		auditID = rec.AuditID
	}
	if rec.Error != "" {
		errMsg = rec.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		rec.RunID, rec.UserID, rec.AgentID, auditID, rec.Status,
		rec.RawText, errMsg, rec.StepCount,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
	)
	return err
}

// GetRun retrieves a run by its run ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	query := `
		SELECT run_id, user_id, agent_id, audit_id, status,
		       raw_text, error, step_count, started_at, finished_at
		FROM runs WHERE run_id = ?`

	rec, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run %s: %w", runID, err)
	}
	return rec, nil
}

// ListRuns retrieves a user's most recent runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, userID string, limit int) ([]*domain.RunRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := `
		SELECT run_id, user_id, agent_id, audit_id, status,
		       raw_text, error, step_count, started_at, finished_at
		FROM runs WHERE user_id = ?
		ORDER BY finished_at DESC, run_id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs for %s: %w", userID, err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close run history rows", "error", closeErr)
		}
	}()

	var recs []*domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return recs, nil
}

// PurgeOlderThan removes runs outside the retention window.
func (s *SQLiteStore) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	threshold := time.Now().Add(-retention).Unix()
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("purge old runs: %w", err)
	}
	return result.RowsAffected()
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*domain.RunRecord, error) {
	var rec domain.RunRecord
	var auditID, errMsg sql.NullString
	var startedAt, finishedAt int64

	if err := row.Scan(
		&rec.RunID, &rec.UserID, &rec.AgentID, &auditID, &rec.Status,
		&rec.RawText, &errMsg, &rec.StepCount, &startedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	rec.AuditID = auditID.String
	rec.Error = errMsg.String
	rec.StartedAt = time.Unix(startedAt, 0)
	rec.FinishedAt = time.Unix(finishedAt, 0)
	return &rec, nil
}
