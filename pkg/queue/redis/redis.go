// Package redis provides a Redis-backed JobStore. Each job lives in its own
// key as a JSON document; ready jobs sit on a per-queue list, delayed and
// retrying jobs on a per-queue sorted set scored by their due time, and
// jobKey dedup uses SETNX markers that are released when a job finishes.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
)

const (
	keyPrefix    = "runway:queue"
	maxRetryWait = 5 * time.Minute
)

// Store implements queue.JobStore on Redis.
type Store struct {
	client *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &Store{client: redis.NewClient(options)}, nil
}

// NewStoreWithClient wraps an existing client, mainly for tests.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func jobKey(id string) string            { return keyPrefix + ":job:" + id }
func readyKey(queueName string) string   { return keyPrefix + ":ready:" + queueName }
func delayedKey(queueName string) string { return keyPrefix + ":delayed:" + queueName }
func dedupKey(queueName, key string) string {
	return keyPrefix + ":dedup:" + queueName + ":" + key
}

func queuesKey() string { return keyPrefix + ":queues" }

func (s *Store) Start(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

func (s *Store) Stop(_ context.Context) error {
	return nil
}

func (s *Store) CreateQueue(ctx context.Context, name string) error {
	if err := s.client.SAdd(ctx, queuesKey(), name).Err(); err != nil {
		return fmt.Errorf("failed to register queue: %w", err)
	}

	return nil
}

func (s *Store) Send(ctx context.Context, job *models.Job) (string, error) {
	if job.ID == "" {
		job.ID = models.NewID("job")
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	job.State = models.JobStateCreated

	if job.JobKey != "" {
		acquired, err := s.client.SetNX(ctx, dedupKey(job.QueueName, job.JobKey), job.ID, 0).Result()
		if err != nil {
			return "", fmt.Errorf("failed to reserve job key: %w", err)
		}

		if !acquired {
			return "", nil
		}
	}

	if err := s.saveJob(ctx, job); err != nil {
		return "", err
	}

	if err := s.CreateQueue(ctx, job.QueueName); err != nil {
		return "", err
	}

	if job.StartAfter.After(time.Now().UTC()) {
		err := s.client.ZAdd(ctx, delayedKey(job.QueueName), redis.Z{
			Score:  float64(job.StartAfter.UnixMilli()),
			Member: job.ID,
		}).Err()
		if err != nil {
			return "", fmt.Errorf("failed to schedule delayed job: %w", err)
		}

		return job.ID, nil
	}

	if err := s.client.RPush(ctx, readyKey(job.QueueName), job.ID).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job.ID, nil
}

// Fetch promotes due delayed jobs onto the ready list, then pops up to
// limit ids. LPOP hands each id to exactly one caller, which is the claim.
func (s *Store) Fetch(ctx context.Context, queueName string, limit int) ([]*models.Job, error) {
	if err := s.promoteDue(ctx, queueName); err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = 1
	}

	now := time.Now().UTC()
	claimed := make([]*models.Job, 0, limit)

	for len(claimed) < limit {
		id, err := s.client.LPop(ctx, readyKey(queueName)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to pop job: %w", err)
		}

		job, err := s.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				continue
			}

			return nil, err
		}

		if job.State == models.JobStateCancelled {
			continue
		}

		if job.ExpireAt != nil && job.ExpireAt.Before(now) {
			job.State = models.JobStateExpired
			job.CompletedAt = &now

			if err := s.finishJob(ctx, job); err != nil {
				return nil, err
			}

			continue
		}

		job.State = models.JobStateActive
		started := now
		job.StartedAt = &started

		if err := s.saveJob(ctx, job); err != nil {
			return nil, err
		}

		claimed = append(claimed, job)
	}

	return claimed, nil
}

func (s *Store) promoteDue(ctx context.Context, queueName string) error {
	nowScore := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)

	due, err := s.client.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: nowScore,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, id := range due {
		removed, err := s.client.ZRem(ctx, delayedKey(queueName), id).Result()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job: %w", err)
		}

		// Another fetcher promoted it first.
		if removed == 0 {
			continue
		}

		if err := s.client.RPush(ctx, readyKey(queueName), id).Err(); err != nil {
			return fmt.Errorf("failed to enqueue promoted job: %w", err)
		}
	}

	return nil
}

func (s *Store) Complete(ctx context.Context, jobID string, output map[string]any) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State.IsFinished() {
		return nil
	}

	now := time.Now().UTC()
	job.State = models.JobStateCompleted
	job.CompletedAt = &now
	job.Output = output
	job.Error = ""

	return s.finishJob(ctx, job)
}

func (s *Store) Fail(ctx context.Context, jobID, message string) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State.IsFinished() {
		return nil
	}

	job.Error = message

	if job.RetryCount < job.RetryLimit {
		job.RetryCount++
		job.State = models.JobStateRetry
		job.StartAfter = time.Now().UTC().Add(retryBackoff(job))

		if err := s.saveJob(ctx, job); err != nil {
			return err
		}

		err := s.client.ZAdd(ctx, delayedKey(job.QueueName), redis.Z{
			Score:  float64(job.StartAfter.UnixMilli()),
			Member: job.ID,
		}).Err()
		if err != nil {
			return fmt.Errorf("failed to schedule retry: %w", err)
		}

		return nil
	}

	now := time.Now().UTC()
	job.State = models.JobStateFailed
	job.CompletedAt = &now

	return s.finishJob(ctx, job)
}

func retryBackoff(job *models.Job) time.Duration {
	delay := job.RetryDelay

	for i := 1; i < job.RetryCount; i++ {
		delay *= 2
		if delay >= maxRetryWait {
			return maxRetryWait
		}
	}

	return delay
}

func (s *Store) Cancel(ctx context.Context, jobID string) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}

	if job.State == models.JobStateCancelled {
		return nil
	}

	if job.State.IsFinished() {
		return fmt.Errorf("job %s already finished as %s", jobID, job.State)
	}

	now := time.Now().UTC()
	job.State = models.JobStateCancelled
	job.CompletedAt = &now

	// Drop any pending delivery.
	if err := s.client.LRem(ctx, readyKey(job.QueueName), 0, job.ID).Err(); err != nil {
		return fmt.Errorf("failed to remove cancelled job from queue: %w", err)
	}

	if err := s.client.ZRem(ctx, delayedKey(job.QueueName), job.ID).Err(); err != nil {
		return fmt.Errorf("failed to remove cancelled job from schedule: %w", err)
	}

	return s.finishJob(ctx, job)
}

func (s *Store) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	return s.loadJob(ctx, jobID)
}

// Counts walks the queue's job documents. Suitable for the metrics timer
// cadence, not hot paths.
func (s *Store) Counts(ctx context.Context, queueName string) (queue.Counts, error) {
	var counts queue.Counts

	now := time.Now().UTC()

	iter := s.client.Scan(ctx, 0, keyPrefix+":job:*", 200).Iterator()

	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}

		if err != nil {
			return counts, fmt.Errorf("failed to read job document: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}

		if job.QueueName != queueName {
			continue
		}

		counts.Total++

		switch job.State {
		case models.JobStateCreated:
			if job.StartAfter.After(now) {
				counts.Delayed++
			} else {
				counts.Created++
			}
		case models.JobStateActive:
			counts.Active++
		case models.JobStateRetry:
			counts.Retry++
		case models.JobStateCompleted:
			counts.Completed++
		case models.JobStateCancelled:
			counts.Cancelled++
		case models.JobStateExpired:
			counts.Expired++
		case models.JobStateFailed:
			counts.Failed++
		}
	}

	if err := iter.Err(); err != nil {
		return counts, fmt.Errorf("failed to scan jobs: %w", err)
	}

	return counts, nil
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	names, err := s.client.SMembers(ctx, queuesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}

	return names, nil
}

func (s *Store) Truncate(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+":*", 200).Iterator()

	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to delete key: %w", err)
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan keys for truncate: %w", err)
	}

	return nil
}

func (s *Store) saveJob(ctx context.Context, job *models.Job) error {
	document, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := s.client.Set(ctx, jobKey(job.ID), document, 0).Err(); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}

	return nil
}

// finishJob saves a terminal job and releases its dedup marker so the key
// becomes reusable.
func (s *Store) finishJob(ctx context.Context, job *models.Job) error {
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}

	if job.JobKey != "" {
		if err := s.client.Del(ctx, dedupKey(job.QueueName, job.JobKey)).Err(); err != nil {
			return fmt.Errorf("failed to release job key: %w", err)
		}
	}

	return nil
}

func (s *Store) loadJob(ctx context.Context, jobID string) (*models.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, fmt.Errorf("corrupt job document: %w", err)
	}

	return &job, nil
}
