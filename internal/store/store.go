// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/agentdeck/internal/domain"
)

// Repository defines the interface for persisting run history.
type Repository interface {
	// InsertRun records one finished run.
	InsertRun(ctx context.Context, rec *domain.RunRecord) error

	// GetRun retrieves a run by its run ID. Returns (nil, nil) when the
	// run is unknown.
	GetRun(ctx context.Context, runID string) (*domain.RunRecord, error)

	// ListRuns retrieves a user's most recent runs, newest first.
	ListRuns(ctx context.Context, userID string, limit int) ([]*domain.RunRecord, error)

	// PurgeOlderThan removes runs that finished before the retention
	// window and returns how many were deleted.
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
