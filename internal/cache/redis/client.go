package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/youngcaesar/qci-sync/internal/metrics"
	"github.com/youngcaesar/qci-sync/internal/storage/models"
	"github.com/youngcaesar/qci-sync/pkg/logger"
)

const progressKey = "qci:progress"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Client struct {
	client      *redis.Client
	lockTTL     time.Duration
	progressTTL time.Duration
}

func NewClient(host string, port int, password string, db int, lockTTL, progressTTL time.Duration) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if lockTTL <= 0 {
		lockTTL = 30 * time.Minute
	}
	if progressTTL <= 0 {
		progressTTL = time.Minute
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client, lockTTL: lockTTL, progressTTL: progressTTL}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func lockKey(job string) string {
	return fmt.Sprintf("qci:lock:%s", job)
}

// TryLock takes the run lock for job with SET NX PX. The returned release
// func only deletes the key while it still carries this holder's token, so
// a lock that expired and was taken by someone else is left alone.
func (c *Client) TryLock(ctx context.Context, job string) (func(), bool, error) {
	token := uuid.New().String()
	key := lockKey(job)

	ok, err := c.client.SetNX(ctx, key, token, c.lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to set run lock: %w", err)
	}
	if !ok {
		logger.Debug("Run lock held elsewhere", zap.String("job", job))
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, c.client, []string{key}, token).Err(); err != nil {
			logger.Warn("Failed to release run lock", zap.String("job", job), zap.Error(err))
		}
	}
	return release, true, nil
}

// PublishProgress caches the latest monitor snapshot for the HTTP API.
func (c *Client) PublishProgress(ctx context.Context, snap models.ProgressSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}
	if err := c.client.Set(ctx, progressKey, data, c.progressTTL).Err(); err != nil {
		return fmt.Errorf("failed to set progress cache: %w", err)
	}
	return nil
}

func (c *Client) LatestProgress(ctx context.Context) (models.ProgressSnapshot, bool, error) {
	var snap models.ProgressSnapshot
	data, err := c.client.Get(ctx, progressKey).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("progress").Inc()
		return snap, false, nil
	}
	if err != nil {
		return snap, false, fmt.Errorf("failed to get progress cache: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, false, fmt.Errorf("failed to unmarshal progress: %w", err)
	}

	metrics.CacheHits.WithLabelValues("progress").Inc()
	return snap, true, nil
}
