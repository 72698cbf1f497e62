package redis

import (
	"context"
	"sync"
	"time"

	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

// Local provides the run lock and progress cache inside one process. It is
// used when Redis is disabled.
type Local struct {
	mu          sync.Mutex
	locks       map[string]struct{}
	progress    *models.ProgressSnapshot
	storedAt    time.Time
	progressTTL time.Duration
	now         func() time.Time
}

func NewLocal(progressTTL time.Duration) *Local {
	if progressTTL <= 0 {
		progressTTL = time.Minute
	}
	return &Local{locks: make(map[string]struct{}), progressTTL: progressTTL, now: time.Now}
}

func (l *Local) TryLock(_ context.Context, job string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.locks[job]; held {
		return nil, false, nil
	}
	l.locks[job] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locks, job)
			l.mu.Unlock()
		})
	}, true, nil
}

func (l *Local) PublishProgress(_ context.Context, snap models.ProgressSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.progress = &snap
	l.storedAt = l.now()
	return nil
}

func (l *Local) LatestProgress(context.Context) (models.ProgressSnapshot, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.progress == nil || l.now().Sub(l.storedAt) > l.progressTTL {
		metrics.CacheMisses.WithLabelValues("progress").Inc()
		return models.ProgressSnapshot{}, false, nil
	}
	metrics.CacheHits.WithLabelValues("progress").Inc()
	return *l.progress, true, nil
}
