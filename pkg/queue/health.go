package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// HealthState is the coarse service condition.
type HealthState string

const (
	HealthStateHealthy   HealthState = "healthy"
	HealthStateDegraded  HealthState = "degraded"
	HealthStateUnhealthy HealthState = "unhealthy"
)

// QueueHealth is one queue's condition with the counters behind it.
type QueueHealth struct {
	Queue     string      `json:"queue"`
	State     HealthState `json:"state"`
	Counts    Counts      `json:"counts"`
	ErrorRate float64     `json:"error_rate"`
}

// Health is the service-wide condition: the worst queue wins.
type Health struct {
	State   HealthState   `json:"state"`
	Queues  []QueueHealth `json:"queues"`
	Workers int           `json:"workers"`
}

func (s *Service) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdleStats()

			health, err := s.Health(ctx)
			if err != nil {
				s.logger.WarnContext(ctx, "Health check failed", "error", err)

				continue
			}

			if health.State != HealthStateHealthy {
				s.logger.WarnContext(ctx, "Queue service degraded", "state", health.State)
			}
		}
	}
}

func (s *Service) metricsLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.refreshCounts(ctx); err != nil {
				s.logger.WarnContext(ctx, "Metrics refresh failed", "error", err)
			}
		}
	}
}

func (s *Service) refreshCounts(ctx context.Context) error {
	queues, err := s.store.Queues(ctx)
	if err != nil {
		return err
	}

	fresh := make(map[string]Counts, len(queues))

	for _, queue := range queues {
		counts, err := s.store.Counts(ctx, queue)
		if err != nil {
			return err
		}

		fresh[queue] = counts
	}

	s.mu.Lock()
	s.queueCounts = fresh
	s.mu.Unlock()

	return nil
}

// evictIdleStats drops counters for workers with no activity past the TTL.
func (s *Service) evictIdleStats() {
	cutoff := time.Now().UTC().Add(-workerStatTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, stats := range s.stats {
		if stats.Active == 0 && stats.LastActivity.Before(cutoff) {
			delete(s.stats, id)
		}
	}
}

// Health recomputes per-queue conditions from fresh store counts. An error
// rate above 10% is unhealthy; above 5%, or more than 100 active jobs, is
// degraded.
func (s *Service) Health(ctx context.Context) (*Health, error) {
	if err := s.refreshCounts(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	counts := make(map[string]Counts, len(s.queueCounts))
	for queue, c := range s.queueCounts {
		counts[queue] = c
	}
	workers := len(s.stats)
	s.mu.Unlock()

	health := &Health{State: HealthStateHealthy, Workers: workers}

	names := make([]string, 0, len(counts))
	for queue := range counts {
		names = append(names, queue)
	}

	sort.Strings(names)

	for _, queue := range names {
		queueHealth := classifyQueue(queue, counts[queue])
		health.Queues = append(health.Queues, queueHealth)

		if worse(queueHealth.State, health.State) {
			health.State = queueHealth.State
		}
	}

	return health, nil
}

func classifyQueue(queue string, counts Counts) QueueHealth {
	health := QueueHealth{Queue: queue, State: HealthStateHealthy, Counts: counts}

	finished := counts.Completed + counts.Failed
	if finished > 0 {
		health.ErrorRate = float64(counts.Failed) / float64(finished)
	}

	switch {
	case health.ErrorRate > 0.10:
		health.State = HealthStateUnhealthy
	case health.ErrorRate > 0.05 || counts.Active > 100:
		health.State = HealthStateDegraded
	}

	return health
}

func worse(candidate, current HealthState) bool {
	rank := map[HealthState]int{
		HealthStateHealthy:   0,
		HealthStateDegraded:  1,
		HealthStateUnhealthy: 2,
	}

	return rank[candidate] > rank[current]
}

// PrometheusMetrics renders the per-queue counters and per-worker stats in
// Prometheus text exposition format.
func (s *Service) PrometheusMetrics(ctx context.Context) (string, error) {
	health, err := s.Health(ctx)
	if err != nil {
		return "", err
	}

	snapshot := s.WorkerSnapshot()

	var b strings.Builder

	b.WriteString("# HELP queue_jobs Job counts by queue and state.\n")
	b.WriteString("# TYPE queue_jobs gauge\n")

	for _, queueHealth := range health.Queues {
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "created", queueHealth.Counts.Created)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "delayed", queueHealth.Counts.Delayed)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "active", queueHealth.Counts.Active)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "retry", queueHealth.Counts.Retry)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "completed", queueHealth.Counts.Completed)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "cancelled", queueHealth.Counts.Cancelled)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "expired", queueHealth.Counts.Expired)
		writeGauge(&b, "queue_jobs", queueHealth.Queue, "failed", queueHealth.Counts.Failed)
	}

	b.WriteString("# HELP queue_error_rate Failed share of finished jobs per queue.\n")
	b.WriteString("# TYPE queue_error_rate gauge\n")

	for _, queueHealth := range health.Queues {
		fmt.Fprintf(&b, "queue_error_rate{queue=%q} %g\n", queueHealth.Queue, queueHealth.ErrorRate)
	}

	b.WriteString("# HELP queue_worker_jobs Jobs handled per worker.\n")
	b.WriteString("# TYPE queue_worker_jobs counter\n")

	workerIDs := make([]string, 0, len(snapshot))
	for id := range snapshot {
		workerIDs = append(workerIDs, string(id))
	}

	sort.Strings(workerIDs)

	for _, id := range workerIDs {
		stats := snapshot[WorkerID(id)]
		fmt.Fprintf(&b, "queue_worker_jobs{worker=%q,queue=%q,outcome=\"completed\"} %d\n", id, stats.Queue, stats.Completed)
		fmt.Fprintf(&b, "queue_worker_jobs{worker=%q,queue=%q,outcome=\"failed\"} %d\n", id, stats.Queue, stats.Failed)
	}

	return b.String(), nil
}

func writeGauge(b *strings.Builder, metric, queue, state string, value int) {
	fmt.Fprintf(b, "%s{queue=%q,state=%q} %d\n", metric, queue, state, value)
}
