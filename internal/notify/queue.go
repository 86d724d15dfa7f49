package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"taskmanager/internal/domain"
	"taskmanager/internal/repo"
)

// ErrEmpty is returned by Dequeue when no job is available.
var ErrEmpty = errors.New("queue empty")

type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) error
	// Dequeue claims the next job or returns ErrEmpty.
	Dequeue(ctx context.Context) (domain.Job, error)
	// Finish records the outcome of a claimed job; jobErr nil means delivered.
	Finish(ctx context.Context, job domain.Job, jobErr error) error
}

// SQLQueue keeps jobs in the notification_jobs table, so any process sharing
// the database can consume them.
type SQLQueue struct {
	Repo repo.Repo
}

func (q SQLQueue) Enqueue(ctx context.Context, job domain.Job) error {
	return q.Repo.EnqueueNotification(ctx, job)
}

func (q SQLQueue) Dequeue(ctx context.Context) (domain.Job, error) {
	job, err := q.Repo.ClaimNotification(ctx)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, ErrEmpty
	}
	return job, err
}

func (q SQLQueue) Finish(ctx context.Context, job domain.Job, jobErr error) error {
	return q.Repo.FinishNotification(ctx, job.ID, jobErr)
}

// RedisQueue is a list-backed queue: LPUSH to enqueue, BRPOP to claim.
// Failed jobs are pushed to Key+":failed" with their error.
type RedisQueue struct {
	Client *redis.Client
	Key    string
	// Block bounds how long Dequeue waits for a job.
	Block time.Duration
}

type failedJob struct {
	domain.Job
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

func NewRedisQueue(client *redis.Client, key string, block time.Duration) RedisQueue {
	if key == "" {
		key = "taskmanager:notifications"
	}
	if block <= 0 {
		block = time.Second
	}
	return RedisQueue{Client: client, Key: key, Block: block}
}

func (q RedisQueue) FailedKey() string {
	return q.Key + ":failed"
}

func (q RedisQueue) Enqueue(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.Client.LPush(ctx, q.Key, data).Err()
}

func (q RedisQueue) Dequeue(ctx context.Context) (domain.Job, error) {
	res, err := q.Client.BRPop(ctx, q.Block, q.Key).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, ErrEmpty
	}
	if err != nil {
		return domain.Job{}, err
	}
	// res is [key, value]
	if len(res) != 2 {
		return domain.Job{}, fmt.Errorf("unexpected BRPOP reply %v", res)
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return job, nil
}

func (q RedisQueue) Finish(ctx context.Context, job domain.Job, jobErr error) error {
	if jobErr == nil {
		return nil
	}
	data, err := json.Marshal(failedJob{Job: job, Error: jobErr.Error(), FailedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return q.Client.LPush(ctx, q.FailedKey(), data).Err()
}
