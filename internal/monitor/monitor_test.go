package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/storage/memory"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

func call(id string, n int) models.Call {
	s := strings.Repeat("a", n)
	return models.Call{ID: id, Transcript: &s}
}

func analysis(id string, total float64) models.AnalysisRecord {
	q := total / 4
	s := models.SubScores{Dynamics: q, Objections: q, Brand: q, Outcome: q}
	return models.AnalysisRecord{CallID: id, Scores: s, TotalScore: s.Total()}
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []models.ProgressSnapshot
}

func (r *recordingSink) PublishProgress(_ context.Context, s models.ProgressSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
	return nil
}

func TestOnce(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200), call("b", 200), call("c", 200), call("d", 200), call("short", 10))
	_, _ = store.InsertBatch(ctx, []models.AnalysisRecord{
		analysis("a", 36), analysis("b", 80), analysis("c", 60),
		analysis("short", 90), analysis("gone", 50),
	})
	sink := &recordingSink{}

	snap, err := New(store, store, gate.New(100), sink).Once(ctx)
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if snap.Eligible != 4 || snap.Analyzed != 3 || snap.Remaining != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Percent != 75 {
		t.Fatalf("percent = %v, want 75", snap.Percent)
	}
	want := map[string]int{"<40": 1, "40-59": 0, "60-79": 1, ">=80": 1}
	for band, n := range want {
		if snap.Histogram[band] != n {
			t.Fatalf("histogram = %v, want %v", snap.Histogram, want)
		}
	}
	if snap.AverageScore != 58.7 {
		t.Fatalf("average = %v, want 58.7", snap.AverageScore)
	}
	if len(sink.snaps) != 1 {
		t.Fatalf("sink received %d snapshots", len(sink.snaps))
	}
}

func TestOnceWithNoEligibleCalls(t *testing.T) {
	store := memory.New(call("short", 5))
	snap, err := New(store, store, gate.New(100)).Once(context.Background())
	if err != nil {
		t.Fatalf("Once: %v", err)
	}
	if snap.Percent != 0 || snap.Eligible != 0 || snap.Remaining != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunStopsWhenComplete(t *testing.T) {
	ctx := context.Background()
	store := memory.New(call("a", 200), call("b", 200))
	_, _ = store.InsertBatch(ctx, []models.AnalysisRecord{analysis("a", 70)})

	polls := 0
	snap, err := New(store, store, gate.New(100)).Run(ctx, 5*time.Millisecond, func(s models.ProgressSnapshot) {
		polls++
		if polls == 2 {
			_, _ = store.InsertBatch(ctx, []models.AnalysisRecord{analysis("b", 85)})
		}
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if snap.Remaining != 0 || snap.Percent != 100 {
		t.Fatalf("final snapshot = %+v", snap)
	}
	if polls != 3 {
		t.Fatalf("polls = %d, want 3", polls)
	}
}

func TestRunCancellable(t *testing.T) {
	store := memory.New(call("a", 200))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	snap, err := New(store, store, gate.New(100)).Run(ctx, 5*time.Millisecond, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if snap.Remaining != 1 {
		t.Fatalf("last snapshot = %+v", snap)
	}
}
