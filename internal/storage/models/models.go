package models

import (
	"math"
	"time"
)

// Call is a recorded call as owned by the call-handling platform. The
// engine only reads it.
type Call struct {
	ID          string
	Transcript  *string
	AssistantID string
	StartedAt   time.Time
	EndedAt     time.Time
	Cost        float64
}

// TranscriptText returns the transcript or "" when it is null.
func (c Call) TranscriptText() string {
	if c.Transcript == nil {
		return ""
	}
	return *c.Transcript
}

// SubScores are the four rubric dimensions, each in [0, MaxSubScore].
type SubScores struct {
	Dynamics   float64
	Objections float64
	Brand      float64
	Outcome    float64
}

const (
	MaxSubScore = 25.0
	MaxTotal    = 4 * MaxSubScore
)

// Rubric dimension names, used by lexicon ceilings and logs.
const (
	DimensionDynamics   = "dynamics"
	DimensionObjections = "objections"
	DimensionBrand      = "brand"
	DimensionOutcome    = "outcome"
)

// Rounded rounds every sub-score to one decimal place.
func (s SubScores) Rounded() SubScores {
	return SubScores{
		Dynamics:   roundTenth(s.Dynamics),
		Objections: roundTenth(s.Objections),
		Brand:      roundTenth(s.Brand),
		Outcome:    roundTenth(s.Outcome),
	}
}

// Total sums the sub-scores in tenths so the result is exactly
// reproducible from values already rounded to one decimal.
func (s SubScores) Total() float64 {
	tenths := toTenths(s.Dynamics) + toTenths(s.Objections) + toTenths(s.Brand) + toTenths(s.Outcome)
	return float64(tenths) / 10
}

// Valid reports whether every sub-score is a finite number in [0, MaxSubScore].
func (s SubScores) Valid() bool {
	for _, v := range []float64{s.Dynamics, s.Objections, s.Brand, s.Outcome} {
		if math.IsNaN(v) || v < 0 || v > MaxSubScore {
			return false
		}
	}
	return true
}

// Get returns the sub-score for a dimension name.
func (s SubScores) Get(dimension string) (float64, bool) {
	switch dimension {
	case DimensionDynamics:
		return s.Dynamics, true
	case DimensionObjections:
		return s.Objections, true
	case DimensionBrand:
		return s.Brand, true
	case DimensionOutcome:
		return s.Outcome, true
	}
	return 0, false
}

// With returns a copy with one dimension replaced.
func (s SubScores) With(dimension string, v float64) SubScores {
	switch dimension {
	case DimensionDynamics:
		s.Dynamics = v
	case DimensionObjections:
		s.Objections = v
	case DimensionBrand:
		s.Brand = v
	case DimensionOutcome:
		s.Outcome = v
	}
	return s
}

func roundTenth(v float64) float64 {
	return float64(toTenths(v)) / 10
}

func toTenths(v float64) int64 {
	return int64(math.Round(v * 10))
}

// AdapterScore is what the semantic scoring adapter returns for one
// transcript, before lexicon ceilings and rounding.
type AdapterScore struct {
	Scores       SubScores
	CoachingTips []string
	Model        string
	// TokensUsed is the adapter's reported token usage for this transcript.
	TokensUsed int
}

type AnalysisStatus string

const (
	StatusPass   AnalysisStatus = "pass"
	StatusReview AnalysisStatus = "review"
	StatusFail   AnalysisStatus = "fail"
)

const (
	PassThreshold   = 80.0
	ReviewThreshold = 60.0
)

func StatusFor(total float64) AnalysisStatus {
	switch {
	case total >= PassThreshold:
		return StatusPass
	case total >= ReviewThreshold:
		return StatusReview
	default:
		return StatusFail
	}
}

// AnalysisRecord is the persisted QCI result. At most one exists per CallID.
type AnalysisRecord struct {
	CallID         string
	Scores         SubScores
	TotalScore     float64
	Status         AnalysisStatus
	AssistantID    string
	LexiconVersion string
	LexiconSignal  float64
	Model          string
	CoachingTips   []string
	TokensUsed     int
	AnalyzedAt     time.Time
}

// Consistent reports whether the record satisfies the score invariants:
// every sub-score within bounds and the total equal to their sum.
func (r AnalysisRecord) Consistent() bool {
	return r.Scores.Valid() && toTenths(r.TotalScore) == toTenths(r.Scores.Total())
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

type RunCounts struct {
	Fetched  int
	Selected int
	Inserted int
	Updated  int
	Skipped  int
	Failed   int
}

type RunRecord struct {
	ID         string
	JobName    string
	Status     RunStatus
	StartedAt  time.Time
	FinishedAt *time.Time
	Counts     RunCounts
	Error      string
	Metadata   map[string]any
}

// RunUpdate carries the fields written when a run finishes.
type RunUpdate struct {
	Status     RunStatus
	FinishedAt time.Time
	Counts     RunCounts
	Error      string
	Metadata   map[string]any
}

type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

type LogEntry struct {
	RunID     string
	Sequence  int
	Timestamp time.Time
	Step      string
	Level     LogLevel
	Message   string
	Metadata  map[string]any
}

// BatchResult is what a store reports for one insert-if-absent batch.
// Skipped counts records whose call already had an analysis.
type BatchResult struct {
	Inserted int
	Skipped  int
}

type CallFilter struct {
	// MinTranscriptLength pushes a coarse length filter down to the store.
	// The Transcript Gate still decides eligibility.
	MinTranscriptLength int
	Limit               int
}

type AnalysisFilter struct {
	CallIDs     []string
	AssistantID string
	MinTotal    *float64
}

// Score bands reported by the progress monitor.
const (
	BandBelow40 = "<40"
	Band40To59  = "40-59"
	Band60To79  = "60-79"
	Band80Plus  = ">=80"
)

// Bands lists the band labels in ascending order.
var Bands = []string{BandBelow40, Band40To59, Band60To79, Band80Plus}

func BandFor(total float64) string {
	switch {
	case total < 40:
		return BandBelow40
	case total < 60:
		return Band40To59
	case total < 80:
		return Band60To79
	default:
		return Band80Plus
	}
}

// ProgressSnapshot is one observation of analysis coverage.
type ProgressSnapshot struct {
	Eligible     int            `json:"eligible"`
	Analyzed     int            `json:"analyzed"`
	Remaining    int            `json:"remaining"`
	Percent      float64        `json:"percent"`
	AverageScore float64        `json:"average_score"`
	Histogram    map[string]int `json:"histogram"`
	TakenAt      time.Time      `json:"taken_at"`
}
