// Package memory is an in-process Store used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/youngcaesar/qci-sync/internal/storage"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

type Store struct {
	mu       sync.RWMutex
	calls    []models.Call
	analyses map[string]models.AnalysisRecord
	order    []string
	runs     map[string]*models.RunRecord
	runOrder []string
	logs     map[string][]models.LogEntry

	// Hooks for failure injection in tests. Returning a non-nil error makes
	// the corresponding call fail without side effects.
	ListCallsErr   func() error
	InsertBatchErr func(records []models.AnalysisRecord) error
}

var _ storage.Store = (*Store)(nil)

func New(calls ...models.Call) *Store {
	return &Store{
		calls:    append([]models.Call(nil), calls...),
		analyses: make(map[string]models.AnalysisRecord),
		runs:     make(map[string]*models.RunRecord),
		logs:     make(map[string][]models.LogEntry),
	}
}

func (s *Store) InitSchema(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error       { return nil }
func (s *Store) Close() error                     { return nil }

// AddCalls appends calls to the source.
func (s *Store) AddCalls(calls ...models.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, calls...)
}

func (s *Store) ListCalls(_ context.Context, filter models.CallFilter) ([]models.Call, error) {
	if s.ListCallsErr != nil {
		if err := s.ListCallsErr(); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Call, 0, len(s.calls))
	for _, c := range s.calls {
		if filter.MinTranscriptLength > 0 && len(c.TranscriptText()) <= filter.MinTranscriptLength {
			continue
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) GetCall(_ context.Context, id string) (*models.Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.calls {
		if c.ID == id {
			c := c
			return &c, nil
		}
	}
	return nil, fmt.Errorf("call %s: %w", id, storage.ErrNotFound)
}

func (s *Store) InsertBatch(_ context.Context, records []models.AnalysisRecord) (models.BatchResult, error) {
	if s.InsertBatchErr != nil {
		if err := s.InsertBatchErr(records); err != nil {
			return models.BatchResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res models.BatchResult
	for _, r := range records {
		if _, ok := s.analyses[r.CallID]; ok {
			res.Skipped++
			continue
		}
		s.analyses[r.CallID] = r
		s.order = append(s.order, r.CallID)
		res.Inserted++
	}
	return res, nil
}

func (s *Store) SelectAnalyses(_ context.Context, filter models.AnalysisFilter) ([]models.AnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.AnalysisRecord
	for _, id := range s.order {
		r := s.analyses[id]
		if matches(r, filter) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) AnalyzedCallIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...), nil
}

func (s *Store) CountAnalyses(ctx context.Context, filter models.AnalysisFilter) (int, error) {
	records, err := s.SelectAnalyses(ctx, filter)
	return len(records), err
}

func matches(r models.AnalysisRecord, f models.AnalysisFilter) bool {
	if len(f.CallIDs) > 0 {
		found := false
		for _, id := range f.CallIDs {
			if id == r.CallID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.AssistantID != "" && r.AssistantID != f.AssistantID {
		return false
	}
	if f.MinTotal != nil && r.TotalScore < *f.MinTotal {
		return false
	}
	return true
}

func (s *Store) CreateRun(_ context.Context, run *models.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrDuplicate)
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *Store) UpdateRun(_ context.Context, id string, u models.RunUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok || run.Status != models.RunRunning {
		return fmt.Errorf("run %s is not running: %w", id, storage.ErrNotFound)
	}
	finished := u.FinishedAt
	run.Status = u.Status
	run.FinishedAt = &finished
	run.Counts = u.Counts
	run.Error = u.Error
	run.Metadata = u.Metadata
	return nil
}

func (s *Store) AppendLog(ctx context.Context, e models.LogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[e.RunID]; !ok {
		return fmt.Errorf("run %s: %w", e.RunID, storage.ErrNotFound)
	}
	s.logs[e.RunID] = append(s.logs[e.RunID], e)
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (s *Store) ListRuns(_ context.Context, limit int) ([]models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.RunRecord, 0, len(s.runOrder))
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		out = append(out, *s.runs[s.runOrder[i]])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListLogs(_ context.Context, runID string) ([]models.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]models.LogEntry(nil), s.logs[runID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
