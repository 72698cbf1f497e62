package redis

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/youngcaesar/qci-sync/internal/storage/models"
)

func TestLocalLock(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(time.Minute)

	release, ok, err := l.TryLock(ctx, "qci-sync")
	if err != nil || !ok {
		t.Fatalf("first TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := l.TryLock(ctx, "qci-sync"); ok {
		t.Fatalf("lock acquired twice")
	}
	if _, ok, _ := l.TryLock(ctx, "other-job"); !ok {
		t.Fatalf("locks must be per job")
	}

	release()
	release()
	if _, ok, _ := l.TryLock(ctx, "qci-sync"); !ok {
		t.Fatalf("lock not released")
	}
}

func TestLocalProgressExpires(t *testing.T) {
	ctx := context.Background()
	l := NewLocal(time.Minute)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	if _, ok, _ := l.LatestProgress(ctx); ok {
		t.Fatalf("empty cache reported a hit")
	}
	_ = l.PublishProgress(ctx, models.ProgressSnapshot{Eligible: 4, Analyzed: 3})

	snap, ok, _ := l.LatestProgress(ctx)
	if !ok || snap.Analyzed != 3 {
		t.Fatalf("LatestProgress = %+v, %v", snap, ok)
	}

	now = now.Add(2 * time.Minute)
	if _, ok, _ := l.LatestProgress(ctx); ok {
		t.Fatalf("stale snapshot returned")
	}
}

func TestRedisLockAndProgress(t *testing.T) {
	addr := os.Getenv("QCI_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("QCI_TEST_REDIS_ADDR not set")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("bad QCI_TEST_REDIS_ADDR: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	c, err := NewClient(host, port, "", 0, time.Minute, time.Minute)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx := context.Background()
	job := fmt.Sprintf("test-%d", time.Now().UnixNano())

	release, ok, err := c.TryLock(ctx, job)
	if err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	if _, ok, _ := c.TryLock(ctx, job); ok {
		t.Fatalf("lock acquired twice")
	}
	release()
	release2, ok, _ := c.TryLock(ctx, job)
	if !ok {
		t.Fatalf("lock not released")
	}
	release2()

	if err := c.PublishProgress(ctx, models.ProgressSnapshot{Eligible: 2, Analyzed: 1, Percent: 50}); err != nil {
		t.Fatalf("PublishProgress: %v", err)
	}
	snap, ok, err := c.LatestProgress(ctx)
	if err != nil || !ok || snap.Percent != 50 {
		t.Fatalf("LatestProgress = %+v, %v, %v", snap, ok, err)
	}
}
