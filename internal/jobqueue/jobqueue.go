// Package jobqueue is a minimal job queue backed by Redis: a pending list
// for FIFO delivery, a sorted set of retry-at timestamps for exponential
// backoff, and per-job hashes carrying state, progress and failure details.
// Jobs that fail are retried; a job popped by a consumer that exits before
// calling Complete or Fail stays active and is not delivered again. The Redis client is constructed the way
// internal/security/ratelimit.RateLimiter builds its client in the
// reference corpus (redis.NewClient from an Addr/Password/DB config), there
// being no dedicated job-queue library anywhere in that corpus.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/seanblong/reposearch/pkg/models"
)

// State is a job's position in the queue lifecycle.
type State string

const (
	Waiting   State = "waiting"
	Active    State = "active"
	Completed State = "completed"
	Failed    State = "failed"
)

const (
	maxAttempts        = 3
	initialBackoff     = 5 * time.Second
	completedRetention = time.Hour
	completedMaxCount  = 100
	failedRetention    = 24 * time.Hour
)

// RedisConfig configures the queue's connection, matching the
// Addr/Password/DB shape used across the reference corpus's Redis clients.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Queue is a Redis-backed job queue.
type Queue struct {
	rdb *redis.Client
}

// New constructs a Queue from a RedisConfig.
func New(cfg RedisConfig) *Queue {
	return &Queue{rdb: redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})}
}

const (
	pendingKey = "reposearch:jobs:pending"
	failedKey  = "reposearch:jobs:failed"
	retryZKey  = "reposearch:jobs:retry"

	completedZKey = "reposearch:jobs:completed"
)

func dataKey(jobID string) string { return "reposearch:jobs:data:" + jobID }

// Status is the wire shape of the job-status endpoint.
type Status struct {
	ID            string         `json:"id"`
	State         State          `json:"state"`
	Progress      int            `json:"progress"`
	Data          models.IngestJob `json:"data"`
	AttemptsMade  int            `json:"attemptsMade"`
	FailedReason  string         `json:"failedReason,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Enqueue pushes a new job onto the pending list and returns its id.
func (q *Queue) Enqueue(ctx context.Context, job models.IngestJob) (string, error) {
	jobID := uuid.NewString()

	jobJSON, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("jobqueue: marshal job: %w", err)
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(jobID), map[string]any{
		"data":         string(jobJSON),
		"state":        string(Waiting),
		"progress":     0,
		"attemptsMade": 0,
		"timestamp":    job.QueuedAt.Format(time.RFC3339),
	})
	pipe.LPush(ctx, pendingKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("jobqueue: enqueue: %w", err)
	}
	return jobID, nil
}

// Dequeue blocks (up to timeout) for the next pending job, moving it into
// the active state. ok is false on timeout.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (jobID string, job models.IngestJob, ok bool, err error) {
	result, err := q.rdb.BRPop(ctx, timeout, pendingKey).Result()
	if err == redis.Nil {
		return "", models.IngestJob{}, false, nil
	}
	if err != nil {
		return "", models.IngestJob{}, false, fmt.Errorf("jobqueue: dequeue: %w", err)
	}

	jobID = result[1]
	job, err = q.loadJob(ctx, jobID)
	if err != nil {
		return "", models.IngestJob{}, false, err
	}

	if err := q.rdb.HSet(ctx, dataKey(jobID), "state", string(Active)).Err(); err != nil {
		return "", models.IngestJob{}, false, fmt.Errorf("jobqueue: mark active: %w", err)
	}
	return jobID, job, true, nil
}

func (q *Queue) loadJob(ctx context.Context, jobID string) (models.IngestJob, error) {
	raw, err := q.rdb.HGet(ctx, dataKey(jobID), "data").Result()
	if err != nil {
		return models.IngestJob{}, fmt.Errorf("jobqueue: load job %s: %w", jobID, err)
	}
	var job models.IngestJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return models.IngestJob{}, fmt.Errorf("jobqueue: unmarshal job %s: %w", jobID, err)
	}
	return job, nil
}

// Complete marks jobID completed and retains it for inspection per the
// completed-job retention policy (last 100, or 1h, whichever is smaller).
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(jobID), map[string]any{
		"state":     string(Completed),
		"progress":  100,
		"timestamp": now.Format(time.RFC3339),
	})
	pipe.ZAdd(ctx, completedZKey, redis.Z{Score: float64(now.Unix()), Member: jobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("jobqueue: complete %s: %w", jobID, err)
	}
	return q.pruneCompleted(ctx)
}

func (q *Queue) pruneCompleted(ctx context.Context) error {
	cutoff := time.Now().Add(-completedRetention).Unix()
	if err := q.rdb.ZRemRangeByScore(ctx, completedZKey, "-inf", fmt.Sprintf("%d", cutoff)).Err(); err != nil {
		return fmt.Errorf("jobqueue: prune completed by age: %w", err)
	}
	count, err := q.rdb.ZCard(ctx, completedZKey).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: count completed: %w", err)
	}
	if count > completedMaxCount {
		if err := q.rdb.ZRemRangeByRank(ctx, completedZKey, 0, count-completedMaxCount-1).Err(); err != nil {
			return fmt.Errorf("jobqueue: prune completed by count: %w", err)
		}
	}
	return nil
}

// Fail records a failed attempt. If attemptsMade has not yet reached
// maxAttempts, the job is scheduled for retry with exponential backoff;
// otherwise it is parked in the failed set for manual inspection, retained
// for failedRetention.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	attempts, err := q.rdb.HIncrBy(ctx, dataKey(jobID), "attemptsMade", 1).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: increment attempts: %w", err)
	}

	if int(attempts) < maxAttempts {
		backoff := initialBackoff * time.Duration(1<<uint(attempts-1))
		retryAt := time.Now().Add(backoff)
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, dataKey(jobID), map[string]any{
			"state":        string(Waiting),
			"failedReason": cause.Error(),
			"timestamp":    time.Now().Format(time.RFC3339),
		})
		pipe.ZAdd(ctx, retryZKey, redis.Z{Score: float64(retryAt.Unix()), Member: jobID})
		_, err := pipe.Exec(ctx)
		return err
	}

	now := time.Now()
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, dataKey(jobID), map[string]any{
		"state":        string(Failed),
		"failedReason": cause.Error(),
		"timestamp":    now.Format(time.RFC3339),
	})
	pipe.SAdd(ctx, failedKey, jobID)
	_, execErr := pipe.Exec(ctx)
	if execErr != nil {
		return fmt.Errorf("jobqueue: park failed job %s: %w", jobID, execErr)
	}
	return q.pruneFailed(ctx)
}

func (q *Queue) pruneFailed(ctx context.Context) error {
	ids, err := q.rdb.SMembers(ctx, failedKey).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: list failed: %w", err)
	}
	cutoff := time.Now().Add(-failedRetention)
	for _, id := range ids {
		status, err := q.Status(ctx, id)
		if err != nil {
			continue
		}
		if status.Timestamp.Before(cutoff) {
			q.rdb.SRem(ctx, failedKey, id)
			q.rdb.Del(ctx, dataKey(id))
		}
	}
	return nil
}

// PromoteDueRetries moves jobs whose retry time has elapsed back onto the
// pending list. Callers run this on an interval alongside Dequeue.
func (q *Queue) PromoteDueRetries(ctx context.Context) (int, error) {
	now := float64(time.Now().Unix())
	due, err := q.rdb.ZRangeByScore(ctx, retryZKey, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: list due retries: %w", err)
	}
	for _, id := range due {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, retryZKey, id)
		pipe.LPush(ctx, pendingKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("jobqueue: promote retry %s: %w", id, err)
		}
	}
	return len(due), nil
}

// Status returns the current status of jobID.
func (q *Queue) Status(ctx context.Context, jobID string) (Status, error) {
	fields, err := q.rdb.HGetAll(ctx, dataKey(jobID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("jobqueue: status %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return Status{}, fmt.Errorf("jobqueue: job %s not found", jobID)
	}

	var job models.IngestJob
	if raw, ok := fields["data"]; ok {
		_ = json.Unmarshal([]byte(raw), &job)
	}

	progress := 0
	fmt.Sscanf(fields["progress"], "%d", &progress)
	attempts := 0
	fmt.Sscanf(fields["attemptsMade"], "%d", &attempts)

	ts, _ := time.Parse(time.RFC3339, fields["timestamp"])

	return Status{
		ID:           jobID,
		State:        State(fields["state"]),
		Progress:     progress,
		Data:         job,
		AttemptsMade: attempts,
		FailedReason: fields["failedReason"],
		Timestamp:    ts,
	}, nil
}

// ListFailed returns every job currently parked in the failed set.
func (q *Queue) ListFailed(ctx context.Context) ([]Status, error) {
	ids, err := q.rdb.SMembers(ctx, failedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("jobqueue: list failed: %w", err)
	}
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		st, err := q.Status(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// Retry re-enqueues a single failed job.
func (q *Queue) Retry(ctx context.Context, jobID string) error {
	exists, err := q.rdb.SIsMember(ctx, failedKey, jobID).Result()
	if err != nil {
		return fmt.Errorf("jobqueue: check failed membership: %w", err)
	}
	if !exists {
		return fmt.Errorf("jobqueue: job %s is not in the failed set", jobID)
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, failedKey, jobID)
	pipe.HSet(ctx, dataKey(jobID), map[string]any{
		"state":        string(Waiting),
		"attemptsMade": 0,
	})
	pipe.LPush(ctx, pendingKey, jobID)
	_, err = pipe.Exec(ctx)
	return err
}

// RetryAll re-enqueues every failed job and returns how many were retried.
func (q *Queue) RetryAll(ctx context.Context) (int, error) {
	ids, err := q.rdb.SMembers(ctx, failedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("jobqueue: list failed: %w", err)
	}
	for _, id := range ids {
		if err := q.Retry(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// Close releases the underlying Redis client.
func (q *Queue) Close() error { return q.rdb.Close() }
