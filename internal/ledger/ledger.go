// Package ledger records one run per pipeline invocation together with an
// ordered, append-only log of its steps.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

var ErrRunTerminal = errors.New("run already finished")

type Ledger struct {
	store storage.RunStore
	now   func() time.Time
}

func New(store storage.RunStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Run is a handle on a running run record. It is safe for concurrent use.
type Run struct {
	ledger *Ledger
	log    *zap.Logger

	mu       sync.Mutex
	record   models.RunRecord
	seq      int
	last     time.Time
	finished bool
}

// Start creates the run record in state running.
func (l *Ledger) Start(ctx context.Context, jobName string, metadata map[string]any) (*Run, error) {
	started := l.now().UTC()
	rec := models.RunRecord{
		ID:        uuid.New().String(),
		JobName:   jobName,
		Status:    models.RunRunning,
		StartedAt: started,
		Metadata:  metadata,
	}
	if err := l.store.CreateRun(ctx, &rec); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	log := logger.GetLogger().With(zap.String("run_id", rec.ID), zap.String("job", jobName))
	log.Info("Run started")

	return &Run{ledger: l, log: log, record: rec, last: started}, nil
}

func (r *Run) ID() string { return r.record.ID }

// Record returns a snapshot of the run record.
func (r *Run) Record() models.RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record
}

func (r *Run) Info(ctx context.Context, step, message string, metadata map[string]any) {
	r.Log(ctx, models.LevelInfo, step, message, metadata)
}

func (r *Run) Warn(ctx context.Context, step, message string, metadata map[string]any) {
	r.Log(ctx, models.LevelWarn, step, message, metadata)
}

func (r *Run) Error(ctx context.Context, step, message string, metadata map[string]any) {
	r.Log(ctx, models.LevelError, step, message, metadata)
}

// Log appends an entry and mirrors it to the process logger. Entries get
// increasing sequence numbers and non-decreasing timestamps. A store error
// is logged and otherwise ignored so that audit trouble never fails a run.
func (r *Run) Log(ctx context.Context, level models.LogLevel, step, message string, metadata map[string]any) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		r.log.Warn("Log entry after run finished", zap.String("step", step), zap.String("message", message))
		return
	}
	r.seq++
	entry := models.LogEntry{
		RunID:     r.record.ID,
		Sequence:  r.seq,
		Timestamp: r.stamp(),
		Step:      step,
		Level:     level,
		Message:   message,
		Metadata:  metadata,
	}
	err := r.ledger.store.AppendLog(ctx, entry)
	r.mu.Unlock()

	fields := []zap.Field{zap.String("step", step)}
	for k, v := range metadata {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case models.LevelError:
		r.log.Error(message, fields...)
	case models.LevelWarn:
		r.log.Warn(message, fields...)
	default:
		r.log.Info(message, fields...)
	}

	if err != nil {
		r.log.Warn("Failed to append run log", zap.Error(err), zap.Int("sequence", entry.Sequence))
	}
}

// stamp returns now clamped to the last issued timestamp. Caller holds mu.
func (r *Run) stamp() time.Time {
	t := r.ledger.now().UTC()
	if t.Before(r.last) {
		t = r.last
	}
	r.last = t
	return t
}

// Finish moves the run to succeeded. Partial per-call or per-batch failures
// are reported through counts, not through the status.
func (r *Run) Finish(ctx context.Context, counts models.RunCounts, metadata map[string]any) (models.RunRecord, error) {
	return r.close(ctx, models.RunSucceeded, counts, "", metadata)
}

// Fail moves the run to failed with cause as its error message.
func (r *Run) Fail(ctx context.Context, cause error, counts models.RunCounts, metadata map[string]any) (models.RunRecord, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return r.close(ctx, models.RunFailed, counts, msg, metadata)
}

func (r *Run) close(ctx context.Context, status models.RunStatus, counts models.RunCounts, errMsg string, metadata map[string]any) (models.RunRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finished {
		return r.record, ErrRunTerminal
	}

	finished := r.stamp()
	if metadata == nil {
		metadata = map[string]any{}
	}
	for k, v := range r.record.Metadata {
		if _, ok := metadata[k]; !ok {
			metadata[k] = v
		}
	}
	metadata["duration_ms"] = finished.Sub(r.record.StartedAt).Milliseconds()

	update := models.RunUpdate{
		Status:     status,
		FinishedAt: finished,
		Counts:     counts,
		Error:      errMsg,
		Metadata:   metadata,
	}
	if err := r.ledger.store.UpdateRun(ctx, r.record.ID, update); err != nil {
		return r.record, fmt.Errorf("failed to finalize run: %w", err)
	}

	r.finished = true
	r.record.Status = status
	r.record.FinishedAt = &finished
	r.record.Counts = counts
	r.record.Error = errMsg
	r.record.Metadata = metadata
	metrics.RunsTotal.WithLabelValues(string(status)).Inc()

	r.log.Info("Run finished",
		zap.String("status", string(status)),
		zap.Int("fetched", counts.Fetched),
		zap.Int("selected", counts.Selected),
		zap.Int("inserted", counts.Inserted),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed),
		zap.String("error", errMsg),
	)
	return r.record, nil
}
