package scoring

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/youngcaesar/qci-sync/internal/lexicon"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

type fakeAdapter struct {
	mu       sync.Mutex
	scores   map[string]models.SubScores
	failures map[string]int // remaining failures per transcript
	calls    map[string]int
	inFlight int32
	maxSeen  int32
	delay    time.Duration
}

var errFake = errors.New("adapter timeout")

func (f *fakeAdapter) Score(ctx context.Context, transcript string) (*models.AdapterScore, error) {
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		m := atomic.LoadInt32(&f.maxSeen)
		if n <= m || atomic.CompareAndSwapInt32(&f.maxSeen, m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[transcript]++
	if f.failures[transcript] > 0 {
		f.failures[transcript]--
		return nil, errFake
	}
	s, ok := f.scores[transcript]
	if !ok {
		s = models.SubScores{Dynamics: 10, Objections: 10, Brand: 10, Outcome: 10}
	}
	return &models.AdapterScore{Scores: s, Model: "fake", CoachingTips: []string{"tip"}, TokensUsed: 42}, nil
}

func testLexicon(t *testing.T) *lexicon.Lexicon {
	t.Helper()
	l, err := lexicon.New("test-1", []lexicon.Category{
		{Name: "closing", Weight: 1, Patterns: []string{"meeting"}},
		{Name: "brand", Weight: 1, Patterns: []string{"young caesar"}, Ceiling: &lexicon.Ceiling{Dimension: "brand", Max: 14}},
	})
	if err != nil {
		t.Fatalf("lexicon.New: %v", err)
	}
	return l
}

func callWith(id, transcript string) models.Call {
	return models.Call{ID: id, Transcript: &transcript, AssistantID: "asst-" + id}
}

func TestScoreScenario(t *testing.T) {
	text := "Hi, this is Young Caesar. " + strings.Repeat("x", 300)
	adapter := &fakeAdapter{scores: map[string]models.SubScores{
		text: {Dynamics: 20, Objections: 18, Brand: 15, Outcome: 12},
	}}
	s := NewScorer(adapter, testLexicon(t), Config{Retries: 1})

	res := s.Score(context.Background(), callWith("c3", text))
	if res.Err != nil {
		t.Fatalf("Score: %v", res.Err)
	}
	r := res.Record
	if r.CallID != "c3" || r.TotalScore != 65 || r.Status != models.StatusReview {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.LexiconVersion != "test-1" || r.AssistantID != "asst-c3" || r.Model != "fake" || r.TokensUsed != 42 {
		t.Fatalf("metadata not carried: %+v", r)
	}
	if !r.Consistent() {
		t.Fatalf("record violates score invariants: %+v", r)
	}
}

func TestScoreRoundsAndSums(t *testing.T) {
	text := "young caesar " + strings.Repeat("y", 200)
	adapter := &fakeAdapter{scores: map[string]models.SubScores{
		text: {Dynamics: 12.345, Objections: 7.06, Brand: 19.99, Outcome: 0.04},
	}}
	res := NewScorer(adapter, testLexicon(t), Config{}).Score(context.Background(), callWith("c", text))
	if res.Err != nil {
		t.Fatalf("Score: %v", res.Err)
	}
	want := models.SubScores{Dynamics: 12.3, Objections: 7.1, Brand: 20, Outcome: 0}
	if res.Record.Scores != want {
		t.Fatalf("scores = %+v, want %+v", res.Record.Scores, want)
	}
	if res.Record.TotalScore != 39.4 {
		t.Fatalf("total = %v, want 39.4", res.Record.TotalScore)
	}
}

func TestScoreAppliesBrandCeiling(t *testing.T) {
	text := strings.Repeat("no brand here ", 20)
	adapter := &fakeAdapter{scores: map[string]models.SubScores{
		text: {Dynamics: 20, Objections: 20, Brand: 18, Outcome: 20},
	}}
	res := NewScorer(adapter, testLexicon(t), Config{}).Score(context.Background(), callWith("c", text))
	if res.Err != nil {
		t.Fatalf("Score: %v", res.Err)
	}
	if res.Record.Scores.Brand != 14 || res.Record.TotalScore != 74 {
		t.Fatalf("ceiling not applied: %+v", res.Record)
	}
	if len(res.Ceilings) != 1 || res.Ceilings[0] != "brand" {
		t.Fatalf("ceilings = %v", res.Ceilings)
	}
}

func TestScoreRetriesThenFails(t *testing.T) {
	text := strings.Repeat("z", 150)
	adapter := &fakeAdapter{failures: map[string]int{text: 5}}
	s := NewScorer(adapter, testLexicon(t), Config{Retries: 1})

	res := s.Score(context.Background(), callWith("c", text))
	if !errors.Is(res.Err, ErrAdapter) || !errors.Is(res.Err, errFake) {
		t.Fatalf("expected wrapped adapter failure, got %v", res.Err)
	}
	if res.Record != nil {
		t.Fatalf("failed call must not produce a record")
	}
	if res.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", res.Attempts)
	}
}

func TestScoreRecoversOnRetry(t *testing.T) {
	text := strings.Repeat("r", 150)
	adapter := &fakeAdapter{failures: map[string]int{text: 1}}
	res := NewScorer(adapter, testLexicon(t), Config{Retries: 1}).Score(context.Background(), callWith("c", text))
	if res.Err != nil || res.Attempts != 2 {
		t.Fatalf("expected success on second attempt, got %v after %d", res.Err, res.Attempts)
	}
}

func TestScoreAllKeepsOrderAndBoundsConcurrency(t *testing.T) {
	var calls []models.Call
	for i := 0; i < 8; i++ {
		calls = append(calls, callWith(string(rune('a'+i)), strings.Repeat(string(rune('a'+i)), 150)))
	}
	failing := calls[3].TranscriptText()
	adapter := &fakeAdapter{failures: map[string]int{failing: 10}, delay: 10 * time.Millisecond}
	s := NewScorer(adapter, testLexicon(t), Config{Concurrency: 3})

	results := s.ScoreAll(context.Background(), calls)
	if len(results) != len(calls) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Call.ID != calls[i].ID {
			t.Fatalf("result %d is for %s, want %s", i, r.Call.ID, calls[i].ID)
		}
		if (r.Err != nil) != (i == 3) {
			t.Fatalf("result %d: err = %v", i, r.Err)
		}
	}
	if m := atomic.LoadInt32(&adapter.maxSeen); m > 3 {
		t.Fatalf("saw %d concurrent adapter calls, limit 3", m)
	}
}
