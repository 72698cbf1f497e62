// Package storage declares the persistence boundaries of the QCI engine.
// Implementations live in the sqlite, postgres and memory subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a write hits a uniqueness constraint.
	// Analysis batches never return it; they report duplicates as Skipped.
	ErrDuplicate = errors.New("duplicate key")
)

// CallSource is the read-only view of recorded calls.
type CallSource interface {
	ListCalls(ctx context.Context, filter models.CallFilter) ([]models.Call, error)
	GetCall(ctx context.Context, id string) (*models.Call, error)
}

// AnalysisStore persists QCI analysis records with insert-if-absent
// semantics keyed by call id.
type AnalysisStore interface {
	SelectAnalyses(ctx context.Context, filter models.AnalysisFilter) ([]models.AnalysisRecord, error)
	AnalyzedCallIDs(ctx context.Context) ([]string, error)
	InsertBatch(ctx context.Context, records []models.AnalysisRecord) (models.BatchResult, error)
	CountAnalyses(ctx context.Context, filter models.AnalysisFilter) (int, error)
}

// RunStore persists run records and their ordered log entries.
type RunStore interface {
	CreateRun(ctx context.Context, run *models.RunRecord) error
	UpdateRun(ctx context.Context, id string, update models.RunUpdate) error
	AppendLog(ctx context.Context, entry models.LogEntry) error
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]models.RunRecord, error)
	ListLogs(ctx context.Context, runID string) ([]models.LogEntry, error)
}

// Store is everything a single backend provides.
type Store interface {
	CallSource
	AnalysisStore
	RunStore
	InitSchema(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
