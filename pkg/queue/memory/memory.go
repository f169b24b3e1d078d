// Package memory provides an in-process JobStore for tests and single-node
// development. Claiming is serialized by a mutex, so each job is handed to
// exactly one worker per delivery.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
)

const maxRetryBackoff = 5 * time.Minute

// Store keeps jobs in a map guarded by one mutex.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*models.Job
	queues map[string]bool
}

func NewStore() *Store {
	return &Store{
		jobs:   make(map[string]*models.Job),
		queues: make(map[string]bool),
	}
}

func (s *Store) Start(_ context.Context) error {
	return nil
}

func (s *Store) Stop(_ context.Context) error {
	return nil
}

func (s *Store) CreateQueue(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queues[name] = true

	return nil
}

func (s *Store) Send(_ context.Context, job *models.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.JobKey != "" {
		for _, existing := range s.jobs {
			if existing.QueueName == job.QueueName && existing.JobKey == job.JobKey && !existing.State.IsFinished() {
				return "", nil
			}
		}
	}

	if job.ID == "" {
		job.ID = models.NewID("job")
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	job.State = models.JobStateCreated
	s.queues[job.QueueName] = true
	s.jobs[job.ID] = cloneJob(job)

	return job.ID, nil
}

// Fetch sweeps expirations, then claims up to limit due jobs ordered by
// priority (highest first) and age.
func (s *Store) Fetch(_ context.Context, queueName string, limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	s.sweepExpired(now)

	due := make([]*models.Job, 0)

	for _, job := range s.jobs {
		if job.QueueName != queueName {
			continue
		}

		if job.State != models.JobStateCreated && job.State != models.JobStateRetry {
			continue
		}

		if job.StartAfter.After(now) {
			continue
		}

		due = append(due, job)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}

		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*models.Job, 0, len(due))

	for _, job := range due {
		job.State = models.JobStateActive
		started := now
		job.StartedAt = &started
		claimed = append(claimed, cloneJob(job))
	}

	return claimed, nil
}

// sweepExpired marks overdue pending jobs expired. Caller holds the lock.
func (s *Store) sweepExpired(now time.Time) {
	for _, job := range s.jobs {
		if job.State.IsFinished() || job.ExpireAt == nil {
			continue
		}

		if job.ExpireAt.Before(now) {
			job.State = models.JobStateExpired
			completed := now
			job.CompletedAt = &completed
		}
	}
}

func (s *Store) Complete(_ context.Context, jobID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if job.State.IsFinished() {
		return nil
	}

	now := time.Now().UTC()
	job.State = models.JobStateCompleted
	job.CompletedAt = &now
	job.Output = output
	job.Error = ""

	return nil
}

// Fail applies the store-level retry policy: while attempts remain the job
// goes back to retry with exponential backoff, otherwise it fails
// terminally.
func (s *Store) Fail(_ context.Context, jobID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if job.State.IsFinished() {
		return nil
	}

	job.Error = message

	if job.RetryCount < job.RetryLimit {
		job.RetryCount++
		job.State = models.JobStateRetry

		delay := job.RetryDelay
		for i := 1; i < job.RetryCount; i++ {
			delay *= 2
			if delay >= maxRetryBackoff {
				delay = maxRetryBackoff

				break
			}
		}

		job.StartAfter = time.Now().UTC().Add(delay)

		return nil
	}

	now := time.Now().UTC()
	job.State = models.JobStateFailed
	job.CompletedAt = &now

	return nil
}

func (s *Store) Cancel(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
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

	return nil
}

func (s *Store) GetJobByID(_ context.Context, jobID string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	return cloneJob(job), nil
}

func (s *Store) Counts(_ context.Context, queueName string) (queue.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var counts queue.Counts

	for _, job := range s.jobs {
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

	return counts, nil
}

func (s *Store) Queues(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.queues))
	for name := range s.queues {
		names = append(names, name)
	}

	sort.Strings(names)

	return names, nil
}

func (s *Store) Truncate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*models.Job)

	return nil
}

func cloneJob(job *models.Job) *models.Job {
	clone := *job

	if job.Data != nil {
		clone.Data = make(map[string]any, len(job.Data))
		for k, v := range job.Data {
			clone.Data[k] = v
		}
	}

	if job.Output != nil {
		clone.Output = make(map[string]any, len(job.Output))
		for k, v := range job.Output {
			clone.Output[k] = v
		}
	}

	return &clone
}
