package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_runs_total",
			Help: "Total sync runs by terminal status",
		},
		[]string{"status"},
	)

	CallsScored = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_calls_scored_total",
			Help: "Calls sent to the scoring adapter by outcome",
		},
		[]string{"outcome"},
	)

	AdapterLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "qci_adapter_latency_seconds",
			Help:    "Scoring adapter call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	BatchWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_batch_writes_total",
			Help: "Analysis batch writes by outcome",
		},
		[]string{"outcome"},
	)

	RecordsInserted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qci_records_inserted_total",
			Help: "Analysis records inserted",
		},
	)

	ProgressPercent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qci_progress_percent",
			Help: "Share of eligible calls that have an analysis",
		},
	)

	ProgressRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qci_progress_remaining",
			Help: "Eligible calls still waiting for analysis",
		},
	)

	ScoreBandCalls = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qci_score_band_calls",
			Help: "Analyzed eligible calls per total score band",
		},
		[]string{"band"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qci_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)
)

var initOnce sync.Once

// Init registers every collector with the default registry. Safe to call
// more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(RunsTotal)
		prometheus.MustRegister(CallsScored)
		prometheus.MustRegister(AdapterLatency)
		prometheus.MustRegister(LLMTokensUsed)
		prometheus.MustRegister(BatchWrites)
		prometheus.MustRegister(RecordsInserted)
		prometheus.MustRegister(ProgressPercent)
		prometheus.MustRegister(ProgressRemaining)
		prometheus.MustRegister(ScoreBandCalls)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
