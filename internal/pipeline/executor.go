package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
	"github.com/youngcaesar/qci-sync/pkg/retry"
)

const DefaultBatchSize = 50

// BatchOutcome is the result of writing one partition.
type BatchOutcome struct {
	Index    int
	Size     int
	Inserted int
	Skipped  int
	Failed   int
	CallIDs  []string
	Err      error
}

// WriteTotals accumulates outcomes across all batches of one Write.
type WriteTotals struct {
	Inserted  int
	Skipped   int
	Failed    int
	Batches   int
	FailedIDs []string
	// WrittenIDs are the call ids of batches the store accepted, inserted
	// or skipped as duplicates.
	WrittenIDs []string
}

// Executor writes analysis records in fixed-size batches. A failed batch
// counts all of its records as failed and never stops later batches.
type Executor struct {
	store        storage.AnalysisStore
	batchSize    int
	retries      int
	retryBackoff time.Duration
}

func NewExecutor(store storage.AnalysisStore, batchSize, retries int, retryBackoff time.Duration) *Executor {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if retries < 0 {
		retries = 0
	}
	return &Executor{store: store, batchSize: batchSize, retries: retries, retryBackoff: retryBackoff}
}

func (e *Executor) BatchSize() int { return e.batchSize }

// Partition splits records into consecutive slices of at most size items.
func Partition(records []models.AnalysisRecord, size int) [][]models.AnalysisRecord {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]models.AnalysisRecord
	for start := 0; start < len(records); start += size {
		end := start + size
		if end > len(records) {
			end = len(records)
		}
		out = append(out, records[start:end])
	}
	return out
}

// Write stores records batch by batch, calling onBatch after each one.
func (e *Executor) Write(ctx context.Context, records []models.AnalysisRecord, onBatch func(BatchOutcome)) WriteTotals {
	var totals WriteTotals
	for i, batch := range Partition(records, e.batchSize) {
		out := e.writeBatch(ctx, i, batch)
		totals.Batches++
		totals.Inserted += out.Inserted
		totals.Skipped += out.Skipped
		totals.Failed += out.Failed
		if out.Err != nil {
			totals.FailedIDs = append(totals.FailedIDs, out.CallIDs...)
		} else {
			totals.WrittenIDs = append(totals.WrittenIDs, out.CallIDs...)
		}
		if onBatch != nil {
			onBatch(out)
		}
	}
	return totals
}

func (e *Executor) writeBatch(ctx context.Context, index int, batch []models.AnalysisRecord) BatchOutcome {
	out := BatchOutcome{Index: index, Size: len(batch), CallIDs: make([]string, 0, len(batch))}
	for _, r := range batch {
		out.CallIDs = append(out.CallIDs, r.CallID)
		if !r.Consistent() {
			out.Err = fmt.Errorf("record for call %s violates score bounds", r.CallID)
		}
	}
	if out.Err != nil {
		out.Failed = len(batch)
		metrics.BatchWrites.WithLabelValues("failed").Inc()
		return out
	}

	cfg := retry.Config{
		MaxAttempts:  e.retries + 1,
		InitialDelay: e.retryBackoff,
		Logger:       logger.GetLogger().With(zap.Int("batch", index)),
	}
	res, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (models.BatchResult, error) {
		return e.store.InsertBatch(ctx, batch)
	})
	if err != nil {
		out.Err = err
		out.Failed = len(batch)
		metrics.BatchWrites.WithLabelValues("failed").Inc()
		return out
	}

	out.Inserted = res.Inserted
	out.Skipped = res.Skipped
	metrics.BatchWrites.WithLabelValues("ok").Inc()
	metrics.RecordsInserted.Add(float64(res.Inserted))
	return out
}
