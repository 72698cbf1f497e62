// Package scoring turns an eligible call into a QCI analysis record by
// combining lexicon features with the semantic scoring adapter.
package scoring

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/youngcaesar/qci-sync/internal/lexicon"
	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
	"github.com/youngcaesar/qci-sync/pkg/retry"
)

// ErrAdapter wraps every per-call scoring failure.
var ErrAdapter = errors.New("scoring adapter failed")

// Adapter scores a transcript on the four rubric dimensions.
type Adapter interface {
	Score(ctx context.Context, transcript string) (*models.AdapterScore, error)
}

type Config struct {
	// Retries is the number of additional adapter attempts after the first.
	Retries        int
	InitialBackoff time.Duration
	Concurrency    int
}

type Scorer struct {
	adapter Adapter
	lexicon *lexicon.Lexicon
	cfg     Config
	now     func() time.Time
}

// Result is the outcome for one call. Exactly one of Record and Err is set.
type Result struct {
	Call     models.Call
	Record   *models.AnalysisRecord
	Err      error
	Attempts int
	// Ceilings lists lexicon categories whose ceiling lowered a sub-score.
	Ceilings []string
}

func NewScorer(adapter Adapter, lex *lexicon.Lexicon, cfg Config) *Scorer {
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Scorer{adapter: adapter, lexicon: lex, cfg: cfg, now: time.Now}
}

func (s *Scorer) LexiconVersion() string { return s.lexicon.Version() }

// Score produces the analysis record for one call. Adapter failures that
// survive the configured retries are returned wrapped in ErrAdapter; no
// record is produced for them.
func (s *Scorer) Score(ctx context.Context, call models.Call) Result {
	res := Result{Call: call}
	transcript := call.TranscriptText()
	features := s.lexicon.Extract(transcript)

	retryCfg := retry.Config{
		MaxAttempts:    s.cfg.Retries + 1,
		InitialDelay:   s.cfg.InitialBackoff,
		MaxDelay:       10 * s.cfg.InitialBackoff,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger().With(zap.String("call_id", call.ID)),
	}

	score, err := retry.DoWithResult(ctx, retryCfg, func(ctx context.Context) (*models.AdapterScore, error) {
		res.Attempts++
		start := time.Now()
		sc, err := s.adapter.Score(ctx, transcript)
		metrics.AdapterLatency.Observe(time.Since(start).Seconds())
		return sc, err
	})
	if err != nil {
		metrics.CallsScored.WithLabelValues("failed").Inc()
		res.Err = fmt.Errorf("%w: call %s: %w", ErrAdapter, call.ID, err)
		return res
	}
	if score == nil || !score.Scores.Valid() {
		metrics.CallsScored.WithLabelValues("failed").Inc()
		res.Err = fmt.Errorf("%w: call %s: invalid adapter output", ErrAdapter, call.ID)
		return res
	}

	capped, ceilings := s.lexicon.ApplyCeilings(score.Scores, features)
	rounded := capped.Rounded()
	total := rounded.Total()

	res.Ceilings = ceilings
	res.Record = &models.AnalysisRecord{
		CallID:         call.ID,
		Scores:         rounded,
		TotalScore:     total,
		Status:         models.StatusFor(total),
		AssistantID:    call.AssistantID,
		LexiconVersion: s.lexicon.Version(),
		LexiconSignal:  roundThousandth(s.lexicon.Signal(features)),
		Model:          score.Model,
		CoachingTips:   score.CoachingTips,
		TokensUsed:     score.TokensUsed,
		AnalyzedAt:     s.now().UTC(),
	}
	metrics.CallsScored.WithLabelValues("scored").Inc()

	logger.Debug("Call scored",
		zap.String("call_id", call.ID),
		zap.Float64("total", total),
		zap.String("status", string(res.Record.Status)),
		zap.Strings("ceilings", ceilings),
	)
	return res
}

// ScoreAll scores calls with at most Concurrency adapter calls in flight.
// Results keep input order. A failure never stops the other calls.
func (s *Scorer) ScoreAll(ctx context.Context, calls []models.Call) []Result {
	results := make([]Result, len(calls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = s.Score(gctx, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func roundThousandth(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
