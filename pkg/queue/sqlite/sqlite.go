// Package sqlite provides a durable single-node JobStore on SQLite. Jobs
// are claimed inside a transaction, so each delivery goes to exactly one
// worker even with several pools polling the same database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	// SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/nuvoh/runway/pkg/models"
	"github.com/nuvoh/runway/pkg/queue"
)

const maxRetryWait = 5 * time.Minute

const schema = `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue_name TEXT NOT NULL,
		state TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		job_key TEXT,
		start_after TIMESTAMP NOT NULL,
		expire_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		document TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs (queue_name, state, start_after);
	CREATE INDEX IF NOT EXISTS idx_jobs_key ON jobs (queue_name, job_key);

	CREATE TABLE IF NOT EXISTS queues (
		name TEXT PRIMARY KEY
	);
`

// Store implements queue.JobStore on a SQLite database file.
type Store struct {
	db   *sql.DB
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Start(ctx context.Context) error {
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Serialized access keeps claim transactions simple.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return fmt.Errorf("failed to create job schema: %w", err)
	}

	s.db = db

	return nil
}

func (s *Store) Stop(_ context.Context) error {
	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil

	if err != nil {
		return fmt.Errorf("failed to close sqlite database: %w", err)
	}

	return nil
}

// conn returns the open database, or ErrNotStarted before Start has run.
func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, queue.ErrNotStarted
	}

	return s.db, nil
}

func (s *Store) CreateQueue(ctx context.Context, name string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `INSERT OR IGNORE INTO queues (name) VALUES (?)`, name)
	if err != nil {
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

	db, err := s.conn()
	if err != nil {
		return "", err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin send transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if job.JobKey != "" {
		var existing int

		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM jobs
			WHERE queue_name = ? AND job_key = ?
			AND state NOT IN ('completed', 'cancelled', 'expired', 'failed')`,
			job.QueueName, job.JobKey,
		).Scan(&existing)
		if err != nil {
			return "", fmt.Errorf("failed to check job key: %w", err)
		}

		if existing > 0 {
			return "", nil
		}
	}

	document, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, queue_name, state, priority, job_key, start_after, expire_at, created_at, document)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.QueueName, string(job.State), job.Priority, nullable(job.JobKey),
		job.StartAfter, job.ExpireAt, job.CreatedAt, string(document),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO queues (name) VALUES (?)`, job.QueueName); err != nil {
		return "", fmt.Errorf("failed to register queue: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit send: %w", err)
	}

	return job.ID, nil
}

// Fetch claims up to limit due jobs inside one transaction: expire overdue
// rows, select by priority and age, and mark the claimed rows active before
// committing.
func (s *Store) Fetch(ctx context.Context, queueName string, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 1
	}

	now := time.Now().UTC()

	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin fetch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := s.expireOverdue(ctx, tx, now); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT document FROM jobs
		WHERE queue_name = ? AND state IN ('created', 'retry') AND start_after <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		queueName, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to select due jobs: %w", err)
	}

	claimed := make([]*models.Job, 0, limit)

	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			rows.Close()

			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(document), &job); err != nil {
			rows.Close()

			return nil, fmt.Errorf("corrupt job document: %w", err)
		}

		claimed = append(claimed, &job)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate due jobs: %w", err)
	}

	for _, job := range claimed {
		job.State = models.JobStateActive
		started := now
		job.StartedAt = &started

		if err := updateJob(ctx, tx, job); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit fetch: %w", err)
	}

	return claimed, nil
}

func (s *Store) expireOverdue(ctx context.Context, tx *sql.Tx, now time.Time) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT document FROM jobs
		WHERE expire_at IS NOT NULL AND expire_at < ?
		AND state IN ('created', 'retry', 'active')`,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to select overdue jobs: %w", err)
	}

	overdue := make([]*models.Job, 0)

	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			rows.Close()

			return fmt.Errorf("failed to scan overdue row: %w", err)
		}

		var job models.Job
		if err := json.Unmarshal([]byte(document), &job); err != nil {
			continue
		}

		overdue = append(overdue, &job)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate overdue jobs: %w", err)
	}

	for _, job := range overdue {
		job.State = models.JobStateExpired
		completed := now
		job.CompletedAt = &completed

		if err := updateJob(ctx, tx, job); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) Complete(ctx context.Context, jobID string, output map[string]any) error {
	return s.mutateJob(ctx, jobID, func(job *models.Job) error {
		if job.State.IsFinished() {
			return nil
		}

		now := time.Now().UTC()
		job.State = models.JobStateCompleted
		job.CompletedAt = &now
		job.Output = output
		job.Error = ""

		return nil
	})
}

func (s *Store) Fail(ctx context.Context, jobID, message string) error {
	return s.mutateJob(ctx, jobID, func(job *models.Job) error {
		if job.State.IsFinished() {
			return nil
		}

		job.Error = message

		if job.RetryCount < job.RetryLimit {
			job.RetryCount++
			job.State = models.JobStateRetry
			job.StartAfter = time.Now().UTC().Add(retryBackoff(job))

			return nil
		}

		now := time.Now().UTC()
		job.State = models.JobStateFailed
		job.CompletedAt = &now

		return nil
	})
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
	return s.mutateJob(ctx, jobID, func(job *models.Job) error {
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
	})
}

func (s *Store) mutateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var document string

	err = tx.QueryRowContext(ctx, `SELECT document FROM jobs WHERE id = ?`, jobID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if err != nil {
		return fmt.Errorf("failed to load job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(document), &job); err != nil {
		return fmt.Errorf("corrupt job document: %w", err)
	}

	if err := mutate(&job); err != nil {
		return err
	}

	if err := updateJob(ctx, tx, &job); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job update: %w", err)
	}

	return nil
}

func updateJob(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	document, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, start_after = ?, document = ? WHERE id = ?`,
		string(job.State), job.StartAfter, string(document), job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	return nil
}

func (s *Store) GetJobByID(ctx context.Context, jobID string) (*models.Job, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	var document string

	err = db.QueryRowContext(ctx, `SELECT document FROM jobs WHERE id = ?`, jobID).Scan(&document)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", queue.ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	var job models.Job
	if err := json.Unmarshal([]byte(document), &job); err != nil {
		return nil, fmt.Errorf("corrupt job document: %w", err)
	}

	return &job, nil
}

func (s *Store) Counts(ctx context.Context, queueName string) (queue.Counts, error) {
	var counts queue.Counts

	db, err := s.conn()
	if err != nil {
		return counts, err
	}

	now := time.Now().UTC()

	rows, err := db.QueryContext(ctx, `
		SELECT state, start_after, COUNT(*) FROM jobs
		WHERE queue_name = ?
		GROUP BY state, start_after > ?`,
		queueName, now,
	)
	if err != nil {
		return counts, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			state      string
			startAfter time.Time
			n          int
		)

		if err := rows.Scan(&state, &startAfter, &n); err != nil {
			return counts, fmt.Errorf("failed to scan count row: %w", err)
		}

		counts.Total += n

		switch models.JobState(state) {
		case models.JobStateCreated:
			if startAfter.After(now) {
				counts.Delayed += n
			} else {
				counts.Created += n
			}
		case models.JobStateActive:
			counts.Active += n
		case models.JobStateRetry:
			counts.Retry += n
		case models.JobStateCompleted:
			counts.Completed += n
		case models.JobStateCancelled:
			counts.Cancelled += n
		case models.JobStateExpired:
			counts.Expired += n
		case models.JobStateFailed:
			counts.Failed += n
		}
	}

	return counts, rows.Err()
}

func (s *Store) Queues(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT name FROM queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan queue name: %w", err)
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

func (s *Store) Truncate(ctx context.Context) error {
	if s.db == nil {
		db, err := sql.Open("sqlite", s.path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite database: %w", err)
		}

		defer func() {
			_ = db.Close()
		}()

		if _, err := db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
			return fmt.Errorf("failed to truncate jobs: %w", err)
		}

		return nil
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("failed to truncate jobs: %w", err)
	}

	return nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}

	return value
}
