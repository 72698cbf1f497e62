// Package pipeline runs one incremental QCI synchronization: gate, delta,
// scoring and batched writes, recorded in the run ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/delta"
	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/ledger"
	"github.com/youngcaesar/qci-sync/internal/scoring"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

var (
	// ErrCandidateRead means the call set or the analyzed set could not be
	// read, so no safe delta exists. The run is marked failed.
	ErrCandidateRead = errors.New("cannot read candidate set")
	// ErrRunInProgress is returned by RunExclusive when another run of the
	// same job holds the lock.
	ErrRunInProgress = errors.New("run already in progress")
)

// Step names used in run logs.
const (
	StepStart = "start"
	StepGate  = "gate"
	StepDelta = "delta"
	StepScore = "score"
	StepBatch = "batch"
	StepDone  = "done"
)

// Locker serializes runs of the same job across entry points.
type Locker interface {
	TryLock(ctx context.Context, key string) (release func(), ok bool, err error)
}

type Options struct {
	JobName string
	// Limit caps the number of calls scored in one run; 0 means no cap.
	Limit int
}

type Pipeline struct {
	calls    storage.CallSource
	analyses storage.AnalysisStore
	gate     gate.Gate
	scorer   *scoring.Scorer
	ledger   *ledger.Ledger
	executor *Executor
	opts     Options
}

func New(
	calls storage.CallSource,
	analyses storage.AnalysisStore,
	runs storage.RunStore,
	g gate.Gate,
	scorer *scoring.Scorer,
	executor *Executor,
	opts Options,
) *Pipeline {
	if opts.JobName == "" {
		opts.JobName = "qci-sync"
	}
	return &Pipeline{
		calls:    calls,
		analyses: analyses,
		gate:     g,
		scorer:   scorer,
		ledger:   ledger.New(runs),
		executor: executor,
		opts:     opts,
	}
}

func (p *Pipeline) JobName() string { return p.opts.JobName }

// WithOptions returns a copy of the pipeline using opts. Zero fields keep
// the pipeline's configured values.
func (p *Pipeline) WithOptions(opts Options) *Pipeline {
	cp := *p
	if opts.JobName == "" {
		opts.JobName = p.opts.JobName
	}
	if opts.Limit == 0 {
		opts.Limit = p.opts.Limit
	}
	cp.opts = opts
	return &cp
}

// Limit is the per-run cap on scored calls; 0 means no cap.
func (p *Pipeline) Limit() int { return p.opts.Limit }

// RunExclusive runs the pipeline while holding the job lock.
func (p *Pipeline) RunExclusive(ctx context.Context, locker Locker) (models.RunRecord, error) {
	release, ok, err := locker.TryLock(ctx, p.opts.JobName)
	if err != nil {
		return models.RunRecord{}, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return models.RunRecord{}, fmt.Errorf("%w: %s", ErrRunInProgress, p.opts.JobName)
	}
	defer release()
	return p.Run(ctx)
}

// Run executes one invocation. Per-call and per-batch failures are counted
// on the returned record and do not produce an error. An error is returned
// only when the run could not be recorded or the candidate set could not be
// read; in the latter case the returned record has status failed.
func (p *Pipeline) Run(ctx context.Context) (models.RunRecord, error) {
	meta := map[string]any{
		"batch_size":      p.executor.BatchSize(),
		"limit":           p.opts.Limit,
		"lexicon_version": p.scorer.LexiconVersion(),
		"min_transcript":  p.gate.MinLength(),
	}
	run, err := p.ledger.Start(ctx, p.opts.JobName, meta)
	if err != nil {
		return models.RunRecord{}, err
	}
	// Run logs and finalization must land even when ctx is cancelled
	// mid-run; only the reads, scoring and writes observe cancellation.
	finalCtx := context.WithoutCancel(ctx)

	var counts models.RunCounts
	run.Info(finalCtx, StepStart, "Run started", meta)

	calls, err := p.calls.ListCalls(ctx, models.CallFilter{MinTranscriptLength: p.gate.MinLength()})
	if err != nil {
		return p.fail(finalCtx, run, fmt.Errorf("%w: list calls: %w", ErrCandidateRead, err), counts)
	}
	eligible := p.gate.Filter(calls)
	counts.Fetched = len(eligible)
	run.Info(finalCtx, StepGate, "Transcript gate evaluated", map[string]any{
		"listed":   len(calls),
		"eligible": len(eligible),
	})

	analyzed, err := p.analyses.AnalyzedCallIDs(ctx)
	if err != nil {
		return p.fail(finalCtx, run, fmt.Errorf("%w: list analyzed calls: %w", ErrCandidateRead, err), counts)
	}

	pending, summary := delta.Resolve(eligible, analyzed, p.opts.Limit)
	counts.Selected = len(pending)
	run.Info(finalCtx, StepDelta, "Delta computed", map[string]any{
		"eligible":         summary.Eligible,
		"already_analyzed": summary.AlreadyAnalyzed,
		"pending":          summary.Pending,
		"selected":         summary.Selected,
	})

	if len(pending) == 0 {
		run.Info(finalCtx, StepDone, "Nothing to analyze", nil)
		return p.finish(finalCtx, run, counts, nil, nil)
	}

	results := p.scorer.ScoreAll(ctx, pending)
	records := make([]models.AnalysisRecord, 0, len(results))
	var failedIDs []string
	for _, r := range results {
		if r.Err != nil {
			counts.Failed++
			failedIDs = append(failedIDs, r.Call.ID)
			run.Warn(finalCtx, StepScore, "Adapter failure", map[string]any{
				"call_id":  r.Call.ID,
				"attempts": r.Attempts,
				"error":    r.Err.Error(),
			})
			continue
		}
		records = append(records, *r.Record)
	}
	run.Info(finalCtx, StepScore, "Scoring finished", map[string]any{
		"scored": len(records),
		"failed": counts.Failed,
	})

	totals := p.executor.Write(ctx, records, func(b BatchOutcome) {
		fields := map[string]any{
			"batch":    b.Index,
			"size":     b.Size,
			"inserted": b.Inserted,
			"skipped":  b.Skipped,
		}
		if b.Err != nil {
			fields["error"] = b.Err.Error()
			run.Error(finalCtx, StepBatch, "Batch write failed", fields)
			return
		}
		if b.Skipped > 0 {
			run.Warn(finalCtx, StepBatch, "Batch written with duplicates skipped", fields)
			return
		}
		run.Info(finalCtx, StepBatch, "Batch written", fields)
	})

	counts.Inserted = totals.Inserted
	counts.Skipped = totals.Skipped
	counts.Failed += totals.Failed
	failedIDs = append(failedIDs, totals.FailedIDs...)

	run.Info(finalCtx, StepDone, "Run complete", map[string]any{
		"inserted": counts.Inserted,
		"skipped":  counts.Skipped,
		"failed":   counts.Failed,
	})
	return p.finish(finalCtx, run, counts, totals.WrittenIDs, failedIDs)
}

func (p *Pipeline) finish(ctx context.Context, run *ledger.Run, counts models.RunCounts, analyzedIDs, failedIDs []string) (models.RunRecord, error) {
	if analyzedIDs == nil {
		analyzedIDs = []string{}
	}
	if failedIDs == nil {
		failedIDs = []string{}
	}
	return run.Finish(ctx, counts, map[string]any{
		"analyzed_call_ids": analyzedIDs,
		"failed_call_ids":   failedIDs,
	})
}

func (p *Pipeline) fail(ctx context.Context, run *ledger.Run, cause error, counts models.RunCounts) (models.RunRecord, error) {
	run.Error(ctx, StepStart, "Candidate set unavailable", map[string]any{"error": cause.Error()})
	rec, err := run.Fail(ctx, cause, counts, nil)
	if err != nil {
		logger.Error("Failed to record run failure", zap.String("run_id", run.ID()), zap.Error(err))
	}
	return rec, cause
}
