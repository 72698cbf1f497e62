package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/lexicon"
	"github.com/youngcaesar/qci-sync/internal/llm"
	"github.com/youngcaesar/qci-sync/internal/scoring"
	"github.com/youngcaesar/qci-sync/internal/storage/memory"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

// transcript returns an n character transcript that mentions the brand.
func transcript(n int) *string {
	s := "This is Young Caesar. "
	if n < len(s) {
		s = s[:n]
	} else {
		s += strings.Repeat("x", n-len(s))
	}
	return &s
}

func call(id string, n int) models.Call {
	return models.Call{ID: id, Transcript: transcript(n), AssistantID: "asst"}
}

type scriptedAdapter struct {
	mu     sync.Mutex
	byText map[string]models.SubScores
	fail   map[string]error
	calls  int
}

func (a *scriptedAdapter) Score(_ context.Context, text string) (*models.AdapterScore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if err, ok := a.fail[text]; ok {
		return nil, err
	}
	s, ok := a.byText[text]
	if !ok {
		s = models.SubScores{Dynamics: 15, Objections: 15, Brand: 15, Outcome: 15}
	}
	return &models.AdapterScore{Scores: s, Model: "scripted"}, nil
}

func newPipeline(store *memory.Store, adapter scoring.Adapter, batchSize int) *Pipeline {
	scorer := scoring.NewScorer(adapter, lexicon.Default(), scoring.Config{})
	exec := NewExecutor(store, batchSize, 0, 0)
	return New(store, store, store, gate.New(gate.DefaultMinTranscriptLength), scorer, exec, Options{JobName: "test"})
}

func seed(t *testing.T, store *memory.Store, ids ...string) {
	t.Helper()
	var recs []models.AnalysisRecord
	for _, id := range ids {
		s := models.SubScores{Dynamics: 10, Objections: 10, Brand: 10, Outcome: 10}
		recs = append(recs, models.AnalysisRecord{CallID: id, Scores: s, TotalScore: s.Total(), Status: models.StatusFail, LexiconVersion: "old"})
	}
	if _, err := store.InsertBatch(context.Background(), recs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestRunScenarioSingleNewCall(t *testing.T) {
	ctx := context.Background()
	c3 := call("c3", 300)
	store := memory.New(call("c1", 150), call("c2", 40), c3)
	seed(t, store, "c1")

	adapter := &scriptedAdapter{byText: map[string]models.SubScores{
		*c3.Transcript: {Dynamics: 20, Objections: 18, Brand: 15, Outcome: 12},
	}}
	rec, err := newPipeline(store, adapter, 50).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := models.RunCounts{Fetched: 2, Selected: 1, Inserted: 1}
	if rec.Status != models.RunSucceeded || rec.Counts != want {
		t.Fatalf("run = %s %+v, want succeeded %+v", rec.Status, rec.Counts, want)
	}

	got, _ := store.SelectAnalyses(ctx, models.AnalysisFilter{CallIDs: []string{"c3"}})
	if len(got) != 1 || got[0].TotalScore != 65 || !got[0].Consistent() {
		t.Fatalf("stored c3 = %+v", got)
	}
	if got[0].LexiconVersion != lexicon.Default().Version() {
		t.Fatalf("lexicon version not stored: %q", got[0].LexiconVersion)
	}
	if ids, _ := rec.Metadata["analyzed_call_ids"].([]string); len(ids) != 1 || ids[0] != "c3" {
		t.Fatalf("analyzed_call_ids = %v", rec.Metadata["analyzed_call_ids"])
	}

	logs, _ := store.ListLogs(ctx, rec.ID)
	steps := map[string]bool{}
	for i, l := range logs {
		steps[l.Step] = true
		if i > 0 && l.Timestamp.Before(logs[i-1].Timestamp) {
			t.Fatalf("log timestamps decrease at %d", i)
		}
	}
	for _, s := range []string{StepGate, StepDelta, StepBatch, StepDone} {
		if !steps[s] {
			t.Fatalf("missing %q log entry", s)
		}
	}
}

func TestRunAdapterTimeoutIsRetriedNextRun(t *testing.T) {
	ctx := context.Background()
	c3 := call("c3", 300)
	store := memory.New(call("c2", 40), c3)

	adapter := &scriptedAdapter{fail: map[string]error{*c3.Transcript: fmt.Errorf("%w: deadline", llm.ErrTimeout)}}
	p := newPipeline(store, adapter, 50)

	rec, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := models.RunCounts{Fetched: 1, Selected: 1, Inserted: 0, Failed: 1}
	if rec.Status != models.RunSucceeded || rec.Counts != want {
		t.Fatalf("run = %s %+v, want succeeded %+v", rec.Status, rec.Counts, want)
	}
	if ids, _ := rec.Metadata["failed_call_ids"].([]string); len(ids) != 1 || ids[0] != "c3" {
		t.Fatalf("failed_call_ids = %v", rec.Metadata["failed_call_ids"])
	}

	adapter.mu.Lock()
	adapter.fail = nil
	adapter.mu.Unlock()

	rec, err = p.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if rec.Counts.Selected != 1 || rec.Counts.Inserted != 1 {
		t.Fatalf("c3 was not re-selected: %+v", rec.Counts)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 120), call("b", 200), call("c", 500))
	adapter := &scriptedAdapter{}
	p := newPipeline(store, adapter, 2)

	first, err := p.Run(ctx)
	if err != nil || first.Counts.Inserted != 3 {
		t.Fatalf("first run = %+v, %v", first.Counts, err)
	}
	calls := adapter.calls

	second, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.Counts != (models.RunCounts{Fetched: 3}) || second.Status != models.RunSucceeded {
		t.Fatalf("second run should be a no-op, got %s %+v", second.Status, second.Counts)
	}
	if adapter.calls != calls {
		t.Fatalf("adapter called again on a no-op run")
	}

	n, _ := store.CountAnalyses(ctx, models.AnalysisFilter{})
	if n != 3 {
		t.Fatalf("store has %d analyses, want 3", n)
	}
}

func TestRunIsolatesSingleAdapterFailure(t *testing.T) {
	ctx := context.Background()
	var calls []models.Call
	for i := 0; i < 10; i++ {
		calls = append(calls, call(fmt.Sprintf("c%02d", i), 150+i))
	}
	store := memory.New(calls...)
	adapter := &scriptedAdapter{fail: map[string]error{*calls[4].Transcript: llm.ErrMalformedScore}}

	rec, err := newPipeline(store, adapter, 3).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != models.RunSucceeded || rec.Counts.Inserted != 9 || rec.Counts.Failed != 1 {
		t.Fatalf("run = %s %+v", rec.Status, rec.Counts)
	}
	if rec.Counts.Inserted+rec.Counts.Failed > rec.Counts.Selected {
		t.Fatalf("inserted+failed exceeds selected: %+v", rec.Counts)
	}
}

func TestRunIsolatesBatchFailure(t *testing.T) {
	ctx := context.Background()
	var calls []models.Call
	for i := 0; i < 7; i++ {
		calls = append(calls, call(fmt.Sprintf("c%d", i), 200))
	}
	store := memory.New(calls...)
	store.InsertBatchErr = func(records []models.AnalysisRecord) error {
		for _, r := range records {
			if r.CallID == "c3" {
				return errors.New("connection reset")
			}
		}
		return nil
	}

	rec, err := newPipeline(store, &scriptedAdapter{}, 3).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// batches: [c0 c1 c2] ok, [c3 c4 c5] failed, [c6] ok
	if rec.Status != models.RunSucceeded || rec.Counts.Inserted != 4 || rec.Counts.Failed != 3 {
		t.Fatalf("run = %s %+v", rec.Status, rec.Counts)
	}

	got, _ := store.AnalyzedCallIDs(ctx)
	if len(got) != 4 {
		t.Fatalf("stored %v", got)
	}
}

func TestRunFailsWhenCandidatesUnreadable(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200))
	store.ListCallsErr = func() error { return errors.New("source offline") }

	rec, err := newPipeline(store, &scriptedAdapter{}, 50).Run(ctx)
	if !errors.Is(err, ErrCandidateRead) {
		t.Fatalf("expected ErrCandidateRead, got %v", err)
	}
	if rec.Status != models.RunFailed || !strings.Contains(rec.Error, "source offline") {
		t.Fatalf("run = %+v", rec)
	}

	stored, _ := store.GetRun(ctx, rec.ID)
	if stored.Status != models.RunFailed {
		t.Fatalf("stored status = %s", stored.Status)
	}
}

func TestRunCountsConcurrentDuplicatesAsSkipped(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200), call("b", 200))
	// Another process writes "b" between delta and insert.
	adapter := &racingAdapter{store: store, id: "b"}

	rec, err := newPipeline(store, adapter, 50).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Counts.Inserted != 1 || rec.Counts.Skipped != 1 || rec.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", rec.Counts)
	}
	n, _ := store.CountAnalyses(ctx, models.AnalysisFilter{CallIDs: []string{"b"}})
	if n != 1 {
		t.Fatalf("b stored %d times", n)
	}
}

type racingAdapter struct {
	once  sync.Once
	store *memory.Store
	id    string
}

func (r *racingAdapter) Score(ctx context.Context, _ string) (*models.AdapterScore, error) {
	r.once.Do(func() {
		s := models.SubScores{Dynamics: 1, Objections: 1, Brand: 1, Outcome: 1}
		_, _ = r.store.InsertBatch(ctx, []models.AnalysisRecord{{CallID: r.id, Scores: s, TotalScore: s.Total()}})
	})
	s := models.SubScores{Dynamics: 20, Objections: 20, Brand: 20, Outcome: 20}
	return &models.AdapterScore{Scores: s}, nil
}

func TestRunRespectsLimit(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200), call("b", 200), call("c", 200))
	p := newPipeline(store, &scriptedAdapter{}, 50).WithOptions(Options{Limit: 2})

	rec, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Counts.Fetched != 3 || rec.Counts.Selected != 2 || rec.Counts.Inserted != 2 {
		t.Fatalf("counts = %+v", rec.Counts)
	}
}

func TestWithOptionsKeepsConfiguredLimit(t *testing.T) {
	store := memory.New(call("a", 200), call("b", 200), call("c", 200))
	base := newPipeline(store, &scriptedAdapter{}, 50).WithOptions(Options{Limit: 1})

	p := base.WithOptions(Options{JobName: "manual"})
	if p.Limit() != 1 || p.JobName() != "manual" {
		t.Fatalf("limit = %d, job = %q", p.Limit(), p.JobName())
	}
	if got := base.WithOptions(Options{Limit: 2}).Limit(); got != 2 {
		t.Fatalf("explicit limit = %d, want 2", got)
	}

	rec, err := p.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Counts.Selected != 1 || rec.Counts.Inserted != 1 {
		t.Fatalf("counts = %+v", rec.Counts)
	}
}

type cancelingAdapter struct{ cancel context.CancelFunc }

func (a cancelingAdapter) Score(context.Context, string) (*models.AdapterScore, error) {
	a.cancel()
	return nil, context.Canceled
}

func TestRunKeepsStepLogsAfterCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := memory.New(call("a", 200))
	p := newPipeline(store, cancelingAdapter{cancel: cancel}, 50)

	rec, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Status != models.RunSucceeded || rec.Counts.Failed != 1 {
		t.Fatalf("run = %+v", rec)
	}

	entries, err := store.ListLogs(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	messages := map[string]bool{}
	for _, e := range entries {
		messages[e.Message] = true
	}
	for _, want := range []string{"Adapter failure", "Scoring finished", "Run complete"} {
		if !messages[want] {
			t.Fatalf("log %q missing after cancellation: %+v", want, entries)
		}
	}
}

type stubLocker struct{ held bool }

func (l *stubLocker) TryLock(context.Context, string) (func(), bool, error) {
	if l.held {
		return nil, false, nil
	}
	l.held = true
	return func() { l.held = false }, true, nil
}

func TestRunExclusive(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200))
	p := newPipeline(store, &scriptedAdapter{}, 50)

	locker := &stubLocker{held: true}
	if _, err := p.RunExclusive(ctx, locker); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	locker.held = false
	rec, err := p.RunExclusive(ctx, locker)
	if err != nil || rec.Counts.Inserted != 1 {
		t.Fatalf("RunExclusive = %+v, %v", rec.Counts, err)
	}
	if locker.held {
		t.Fatalf("lock not released")
	}
}
