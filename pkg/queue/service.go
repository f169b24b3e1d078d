package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nuvoh/runway/pkg/models"
)

const (
	defaultMaxConcurrency = 4
	defaultRetryLimit     = 3
	defaultRetryDelayMS   = 1000
	defaultTimeoutMS      = 30000
	defaultHealthInterval = 30 * time.Second
	defaultMetricsWindow  = 15 * time.Second
	defaultPollInterval   = 250 * time.Millisecond

	// Worker stat entries idle this long are evicted on the next health
	// sweep.
	workerStatTTL = 10 * time.Minute
)

// Config tunes the service and the defaults merged into submissions.
type Config struct {
	MaxConcurrency      int
	RetryLimit          int
	RetryDelayMS        int
	TimeoutMS           int
	HealthCheckInterval time.Duration
	MetricsInterval     time.Duration
	PollInterval        time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = defaultMaxConcurrency
	}

	if c.RetryLimit <= 0 {
		c.RetryLimit = defaultRetryLimit
	}

	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = defaultRetryDelayMS
	}

	if c.TimeoutMS <= 0 {
		c.TimeoutMS = defaultTimeoutMS
	}

	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthInterval
	}

	if c.MetricsInterval <= 0 {
		c.MetricsInterval = defaultMetricsWindow
	}

	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
}

// SubmitRequest is a validated job submission. Defaults from the service
// config are merged in before validation, so a zero field means "use the
// configured default", not "zero". RetryLimit is a pointer because 0 is a
// valid value: nil means "use the default", an explicit 0 disables retries.
type SubmitRequest struct {
	QueueName  string         `validate:"required"`
	Name       string         `validate:"required"`
	Data       map[string]any `validate:"required"`
	RetryLimit *int           `validate:"omitempty,min=0,max=10"`
	RetryDelay int            `validate:"min=100,max=300000"`
	Timeout    int            `validate:"min=1000,max=3600000"`
	Priority   int            `validate:"min=-10,max=10"`
	Delay      int            `validate:"min=0,max=86400000"`
	ExpireIn   int            `validate:"omitempty,min=1000,max=86400000"`
	JobKey     string
}

// Handler processes one job and returns its output. An error marks the job
// failed at the store, which applies its own retry/backoff.
type Handler func(ctx context.Context, job *models.Job) (map[string]any, error)

// WorkerID identifies one worker goroutine in a pool.
type WorkerID string

// WorkerStats are per-worker counters.
type WorkerStats struct {
	Queue        string    `json:"queue"`
	Active       int       `json:"active"`
	Completed    int       `json:"completed"`
	Failed       int       `json:"failed"`
	LastActivity time.Time `json:"last_activity"`
}

// WorkerOptions tune one registered pool.
type WorkerOptions struct {
	TeamSize   int
	Timeout    time.Duration
	RetryLimit int
}

type registration struct {
	queueName string
	handler   Handler
	options   WorkerOptions
}

// Service fronts the durable store with validation, worker pools, and
// observability.
type Service struct {
	store    JobStore
	logger   *slog.Logger
	config   Config
	validate *validator.Validate

	mu            sync.Mutex
	started       bool
	registrations []registration
	stats         map[WorkerID]*WorkerStats
	queueCounts   map[string]Counts

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(store JobStore, logger *slog.Logger, config Config) *Service {
	config.withDefaults()

	return &Service{
		store:       store,
		logger:      logger.With("module", "queue_service"),
		config:      config,
		validate:    validator.New(),
		stats:       make(map[WorkerID]*WorkerStats),
		queueCounts: make(map[string]Counts),
	}
}

// Initialize starts the store, every registered worker pool, and the
// background health and metrics timers. Idempotent.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job store: %w", err)
	}

	// Queues for pools registered before the store was running.
	for _, reg := range s.registrations {
		if err := s.store.CreateQueue(ctx, reg.queueName); err != nil {
			return fmt.Errorf("failed to ensure queue %s: %w", reg.queueName, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true

	for _, reg := range s.registrations {
		s.startPool(runCtx, reg)
	}

	s.wg.Add(2)
	go s.healthLoop(runCtx)
	go s.metricsLoop(runCtx)

	s.logger.InfoContext(ctx, "Queue service initialized", "max_concurrency", s.config.MaxConcurrency)

	return nil
}

// Stop halts workers, timers, and the store. Safe if already stopped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()

	if !s.started {
		s.mu.Unlock()

		return nil
	}

	s.started = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	if err := s.store.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop job store: %w", err)
	}

	s.logger.InfoContext(ctx, "Queue service stopped")

	return nil
}

// Submit validates and enqueues one job, returning its id. A jobKey that
// collides with an existing job yields ErrDuplicateJob with nothing
// enqueued.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	s.mergeDefaults(&req)

	if err := s.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid job submission: %w", err)
	}

	if err := s.store.CreateQueue(ctx, req.QueueName); err != nil {
		return "", fmt.Errorf("failed to ensure queue %s: %w", req.QueueName, err)
	}

	now := time.Now().UTC()

	job := &models.Job{
		ID:         models.NewID("job"),
		QueueName:  req.QueueName,
		Name:       req.Name,
		Data:       req.Data,
		State:      models.JobStateCreated,
		RetryLimit: *req.RetryLimit,
		RetryDelay: time.Duration(req.RetryDelay) * time.Millisecond,
		Priority:   req.Priority,
		Timeout:    time.Duration(req.Timeout) * time.Millisecond,
		JobKey:     req.JobKey,
		StartAfter: now.Add(time.Duration(req.Delay) * time.Millisecond),
		CreatedAt:  now,
	}

	if req.ExpireIn > 0 {
		expireAt := now.Add(time.Duration(req.ExpireIn) * time.Millisecond)
		job.ExpireAt = &expireAt
	}

	id, err := s.store.Send(ctx, job)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	if id == "" {
		return "", fmt.Errorf("%w: %s on queue %s", ErrDuplicateJob, req.JobKey, req.QueueName)
	}

	s.logger.InfoContext(ctx, "Job submitted",
		"job_id", id,
		"queue", req.QueueName,
		"name", req.Name,
		"data", RedactData(req.Data),
	)

	return id, nil
}

func (s *Service) mergeDefaults(req *SubmitRequest) {
	if req.RetryLimit == nil {
		limit := s.config.RetryLimit
		req.RetryLimit = &limit
	}

	if req.RetryDelay == 0 {
		req.RetryDelay = s.config.RetryDelayMS
	}

	if req.Timeout == 0 {
		req.Timeout = s.config.TimeoutMS
	}
}

// RegisterWorker attaches a bounded pool to a queue. Pools registered
// before Initialize start with the service, and their queues are created
// once Initialize has started the store; pools registered after start
// immediately.
func (s *Service) RegisterWorker(ctx context.Context, queueName string, handler Handler, options WorkerOptions) error {
	if options.TeamSize <= 0 {
		options.TeamSize = s.config.MaxConcurrency
	}

	if options.Timeout <= 0 {
		options.Timeout = time.Duration(s.config.TimeoutMS) * time.Millisecond
	}

	reg := registration{queueName: queueName, handler: handler, options: options}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.registrations = append(s.registrations, reg)

	if s.started {
		if err := s.store.CreateQueue(ctx, queueName); err != nil {
			return fmt.Errorf("failed to ensure queue %s: %w", queueName, err)
		}

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		previousCancel := s.cancel
		s.cancel = func() {
			previousCancel()
			cancel()
		}
		s.startPool(runCtx, reg)
	}

	s.logger.InfoContext(ctx, "Worker registered", "queue", queueName, "team_size", options.TeamSize)

	return nil
}

// startPool launches the pool goroutines. Caller holds the lock.
func (s *Service) startPool(ctx context.Context, reg registration) {
	for i := 0; i < reg.options.TeamSize; i++ {
		workerID := WorkerID(fmt.Sprintf("%s-%d", reg.queueName, i))
		s.stats[workerID] = &WorkerStats{Queue: reg.queueName, LastActivity: time.Now().UTC()}

		s.wg.Add(1)

		go s.workLoop(ctx, workerID, reg)
	}
}

func (s *Service) workLoop(ctx context.Context, workerID WorkerID, reg registration) {
	defer s.wg.Done()

	logger := s.logger.With("worker_id", string(workerID), "queue", reg.queueName)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobs, err := s.store.Fetch(ctx, reg.queueName, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			logger.WarnContext(ctx, "Fetch failed", "error", err)
			s.sleep(ctx, s.config.PollInterval)

			continue
		}

		if len(jobs) == 0 {
			s.sleep(ctx, s.config.PollInterval)

			continue
		}

		for _, job := range jobs {
			s.runJob(ctx, workerID, reg, job, logger)
		}
	}
}

func (s *Service) runJob(ctx context.Context, workerID WorkerID, reg registration, job *models.Job, logger *slog.Logger) {
	s.touchStats(workerID, func(stats *WorkerStats) { stats.Active++ })

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = reg.options.Timeout
	}

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	output, err := reg.handler(jobCtx, job)

	cancel()

	if err != nil {
		// The store applies its own retry/backoff on failure.
		if failErr := s.store.Fail(ctx, job.ID, err.Error()); failErr != nil {
			logger.ErrorContext(ctx, "Failed to mark job failed", "job_id", job.ID, "error", failErr)
		}

		s.touchStats(workerID, func(stats *WorkerStats) {
			stats.Active--
			stats.Failed++
		})

		logger.WarnContext(ctx, "Job handler failed", "job_id", job.ID, "error", err)

		return
	}

	if completeErr := s.store.Complete(ctx, job.ID, output); completeErr != nil {
		logger.ErrorContext(ctx, "Failed to mark job completed", "job_id", job.ID, "error", completeErr)
	}

	s.touchStats(workerID, func(stats *WorkerStats) {
		stats.Active--
		stats.Completed++
	})
}

func (s *Service) touchStats(workerID WorkerID, update func(*WorkerStats)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats, ok := s.stats[workerID]
	if !ok {
		stats = &WorkerStats{}
		s.stats[workerID] = stats
	}

	update(stats)
	stats.LastActivity = time.Now().UTC()
}

func (s *Service) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

// CancelJob cancels one job at the store.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	return s.store.Cancel(ctx, jobID)
}

// GetJob returns one job's normalized status.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.store.GetJobByID(ctx, jobID)
}

// WorkerSnapshot returns a copy of the per-worker counters.
func (s *Service) WorkerSnapshot() map[WorkerID]WorkerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[WorkerID]WorkerStats, len(s.stats))
	for id, stats := range s.stats {
		snapshot[id] = *stats
	}

	return snapshot
}

// Purge hard-resets the queue storage: stop the store, truncate, restart.
// Test and maintenance use only. A truncate failure still attempts the
// restart.
func (s *Service) Purge(ctx context.Context) error {
	if err := s.store.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop store for purge: %w", err)
	}

	truncateErr := s.store.Truncate(ctx)

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("failed to restart store after purge: %w", err)
	}

	if truncateErr != nil {
		return fmt.Errorf("failed to truncate job storage: %w", truncateErr)
	}

	s.logger.InfoContext(ctx, "Queue storage purged")

	return nil
}
