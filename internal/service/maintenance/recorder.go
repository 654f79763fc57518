package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// RunRecord captures one maintenance cycle for observability and drift
// detection: when it started, how long it took, and how it ended.
type RunRecord struct {
	WorkerID   string        `json:"worker_id"`
	StartedAt  time.Time     `json:"started_at"`
	DurationMS int64         `json:"duration_ms"`
	Succeeded  bool          `json:"succeeded"`
	Cause      string        `json:"cause,omitempty"`
	Placed     int           `json:"placed"`
	Cancelled  int           `json:"cancelled"`
	Duration   time.Duration `json:"-"`
}

// RunRecorder persists the last run per worker and guards the Executing
// phase with a per-worker lock so two cycles for the same account cannot
// overlap.
type RunRecorder interface {
	RecordRun(ctx context.Context, record RunRecord) error
	LastRun(ctx context.Context, workerID string) (RunRecord, bool, error)
	AcquireLock(ctx context.Context, workerID string, ttl time.Duration, owner string) (bool, error)
	ReleaseLock(ctx context.Context, workerID string, owner string) error
}

type RedisRunRecorder struct {
	client *redis.Client
}

func NewRedisRunRecorder(cacheDSN string) (*RedisRunRecorder, error) {
	if cacheDSN == "" {
		return nil, fmt.Errorf("redis cache_dsn is required")
	}

	options, err := redis.ParseURL(cacheDSN)
	if err != nil {
		return nil, fmt.Errorf("parse redis cache_dsn: %w", err)
	}

	return &RedisRunRecorder{client: redis.NewClient(options)}, nil
}

func (r *RedisRunRecorder) RecordRun(ctx context.Context, record RunRecord) error {
	record.DurationMS = record.Duration.Milliseconds()

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return r.client.Set(ctx, lastRunKey(record.WorkerID), payload, 0).Err()
}

func (r *RedisRunRecorder) LastRun(ctx context.Context, workerID string) (RunRecord, bool, error) {
	raw, err := r.client.Get(ctx, lastRunKey(workerID)).Result()
	if err != nil {
		if err == redis.Nil {
			return RunRecord{}, false, nil
		}
		return RunRecord{}, false, err
	}

	var record RunRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return RunRecord{}, false, err
	}
	record.Duration = time.Duration(record.DurationMS) * time.Millisecond

	return record, true, nil
}

func (r *RedisRunRecorder) AcquireLock(ctx context.Context, workerID string, ttl time.Duration, owner string) (bool, error) {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	acquired, err := r.client.SetNX(ctx, lockKey(workerID), owner, ttl).Result()
	if err != nil {
		return false, err
	}

	return acquired, nil
}

func (r *RedisRunRecorder) ReleaseLock(ctx context.Context, workerID string, owner string) error {
	script := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

	_, err := script.Run(ctx, r.client, []string{lockKey(workerID)}, owner).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	return nil
}

func (r *RedisRunRecorder) Close() error {
	return r.client.Close()
}

func lastRunKey(workerID string) string {
	return fmt.Sprintf("maintenance:%s:last-run", workerID)
}

func lockKey(workerID string) string {
	return fmt.Sprintf("maintenance:%s:cycle-lock", workerID)
}
