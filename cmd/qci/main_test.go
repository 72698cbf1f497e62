package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cache "github.com/youngcaesar/qci-sync/internal/cache/redis"
	"github.com/youngcaesar/qci-sync/internal/gate"
	"github.com/youngcaesar/qci-sync/internal/lexicon"
	"github.com/youngcaesar/qci-sync/internal/pipeline"
	"github.com/youngcaesar/qci-sync/internal/scoring"
	"github.com/youngcaesar/qci-sync/internal/storage/memory"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/config"
)

type fixedAdapter struct{}

func (fixedAdapter) Score(context.Context, string) (*models.AdapterScore, error) {
	return &models.AdapterScore{Scores: models.SubScores{Dynamics: 21, Objections: 19, Brand: 20, Outcome: 22}}, nil
}

func TestOpenStoreSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := openStore(ctx, config.DatabaseConfig{
		Driver:     "sqlite3",
		SQLitePath: filepath.Join(t.TempDir(), "qci.db"),
	})
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if n, err := store.CountAnalyses(ctx, models.AnalysisFilter{}); err != nil || n != 0 {
		t.Fatalf("CountAnalyses = %d, %v", n, err)
	}

	if _, err := openStore(ctx, config.DatabaseConfig{Driver: "mysql"}); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestScheduleRunsUntilCancelled(t *testing.T) {
	text := "Young Caesar here, following up on your solar consultation. " + strings.Repeat("notes ", 30)
	store := memory.New(models.Call{ID: "c1", Transcript: &text})
	scorer := scoring.NewScorer(fixedAdapter{}, lexicon.Default(), scoring.Config{})
	p := pipeline.New(store, store, store, gate.New(gate.DefaultMinTranscriptLength), scorer,
		pipeline.NewExecutor(store, 10, 0, 0), pipeline.Options{JobName: "scheduled"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		schedule(ctx, p, cache.NewLocal(time.Minute), 5*time.Millisecond)
	}()

	deadline := time.After(5 * time.Second)
	for {
		runs, _ := store.ListRuns(context.Background(), 10)
		if len(runs) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("scheduler did not run twice")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	n, err := store.CountAnalyses(context.Background(), models.AnalysisFilter{})
	if err != nil || n != 1 {
		t.Fatalf("CountAnalyses = %d, %v; repeated runs must not duplicate", n, err)
	}
}

func TestScheduleDisabled(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		schedule(context.Background(), nil, nil, 0)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("schedule with zero interval should return immediately")
	}
}

func TestPrintRun(t *testing.T) {
	finished := time.Date(2026, 5, 1, 10, 0, 2, 0, time.UTC)
	rec := models.RunRecord{
		ID:         "run-1",
		JobName:    "qci-sync",
		Status:     models.RunSucceeded,
		StartedAt:  finished.Add(-2 * time.Second),
		FinishedAt: &finished,
		Counts:     models.RunCounts{Fetched: 2, Selected: 1, Inserted: 1},
		Metadata:   map[string]any{"failed_call_ids": []string{}},
	}

	var buf bytes.Buffer
	printRun(&buf, rec)
	out := buf.String()
	for _, want := range []string{"run-1", "succeeded", "fetched=2 selected=1 inserted=1", "(2s)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintProgressListsEveryBand(t *testing.T) {
	var buf bytes.Buffer
	printProgress(&buf, models.ProgressSnapshot{Eligible: 4, Analyzed: 1, Remaining: 3, Percent: 25, Histogram: map[string]int{models.Band80Plus: 1}})
	out := buf.String()
	for _, band := range models.Bands {
		if !strings.Contains(out, band+":") {
			t.Fatalf("band %s missing: %s", band, out)
		}
	}
	if !strings.Contains(out, "progress=25.0%") {
		t.Fatalf("unexpected output: %s", out)
	}
}
