// Package monitor reports analysis coverage and score distribution. It only
// reads from the stores.
package monitor

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/delta"
	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

const DefaultInterval = 5 * time.Second

// Sink receives every snapshot, e.g. a cache shared with the HTTP API.
type Sink interface {
	PublishProgress(ctx context.Context, snap models.ProgressSnapshot) error
}

type Monitor struct {
	calls    storage.CallSource
	analyses storage.AnalysisStore
	gate     gate.Gate
	sinks    []Sink
	now      func() time.Time
}

func New(calls storage.CallSource, analyses storage.AnalysisStore, g gate.Gate, sinks ...Sink) *Monitor {
	return &Monitor{calls: calls, analyses: analyses, gate: g, sinks: sinks, now: time.Now}
}

// Once takes a single snapshot.
func (m *Monitor) Once(ctx context.Context) (models.ProgressSnapshot, error) {
	calls, err := m.calls.ListCalls(ctx, models.CallFilter{MinTranscriptLength: m.gate.MinLength()})
	if err != nil {
		return models.ProgressSnapshot{}, fmt.Errorf("failed to list calls: %w", err)
	}
	eligible := m.gate.Filter(calls)

	records, err := m.analyses.SelectAnalyses(ctx, models.AnalysisFilter{})
	if err != nil {
		return models.ProgressSnapshot{}, fmt.Errorf("failed to select analyses: %w", err)
	}
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.CallID
	}
	analyzed := delta.Analyzed(eligible, ids)
	inEligible := make(map[string]struct{}, len(analyzed))
	for _, id := range analyzed {
		inEligible[id] = struct{}{}
	}

	snap := models.ProgressSnapshot{
		Eligible:  len(eligible),
		Analyzed:  len(analyzed),
		Remaining: len(eligible) - len(analyzed),
		Histogram: make(map[string]int, len(models.Bands)),
		TakenAt:   m.now().UTC(),
	}
	for _, b := range models.Bands {
		snap.Histogram[b] = 0
	}

	var sum float64
	for _, r := range records {
		if _, ok := inEligible[r.CallID]; !ok {
			continue
		}
		// A call id can only appear once in the store, but guard the
		// histogram against a store that does not enforce it.
		delete(inEligible, r.CallID)
		snap.Histogram[models.BandFor(r.TotalScore)]++
		sum += r.TotalScore
	}
	if snap.Eligible > 0 {
		snap.Percent = math.Round(float64(snap.Analyzed)/float64(snap.Eligible)*1000) / 10
	}
	if snap.Analyzed > 0 {
		snap.AverageScore = math.Round(sum/float64(snap.Analyzed)*10) / 10
	}

	m.publish(ctx, snap)
	return snap, nil
}

func (m *Monitor) publish(ctx context.Context, snap models.ProgressSnapshot) {
	metrics.ProgressPercent.Set(snap.Percent)
	metrics.ProgressRemaining.Set(float64(snap.Remaining))
	for band, n := range snap.Histogram {
		metrics.ScoreBandCalls.WithLabelValues(band).Set(float64(n))
	}
	for _, s := range m.sinks {
		if err := s.PublishProgress(ctx, snap); err != nil {
			logger.Warn("Failed to publish progress", zap.Error(err))
		}
	}
}

// Run polls every interval until remaining reaches zero or ctx is done,
// calling fn with each snapshot. A failed poll is logged and retried at the
// next tick. On cancellation the last good snapshot is returned with
// ctx.Err().
func (m *Monitor) Run(ctx context.Context, interval time.Duration, fn func(models.ProgressSnapshot)) (models.ProgressSnapshot, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last models.ProgressSnapshot
	for {
		snap, err := m.Once(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			logger.Warn("Progress poll failed", zap.Error(err))
		} else {
			last = snap
			if fn != nil {
				fn(snap)
			}
			if snap.Remaining == 0 {
				return snap, nil
			}
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
		}
	}
}
