package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"queuectl/internal/models"
	"queuectl/internal/store"
	"queuectl/internal/telemetry"
)

// EventRetried is recorded when an operator re-queues a dead job.
const EventRetried = "dlq_retry"

// Service provides DLQ operations over the job store. Dead jobs are ordinary
// rows in state "dead"; there is no separate queue.
type Service struct {
	store  store.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewService creates a DLQ service. A nil now uses time.Now.
func NewService(st store.Store, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{store: st, now: now, logger: slog.Default()}
}

// WithLogger sets the logger used for non-fatal failures.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

// List returns every dead job, most recently updated first.
func (s *Service) List(ctx context.Context) ([]models.Job, error) {
	return s.store.ListJobsByState(ctx, models.StateDead)
}

// Retry moves a dead job back to pending with a fresh attempt budget. Retry
// policy (max-retries, timeout) is re-read from current configuration.
func (s *Service) Retry(ctx context.Context, id string) (models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if job.State != models.StateDead {
		return models.Job{}, fmt.Errorf("%w: %s is not in the dlq (state %s)", store.ErrNotFound, id, job.State)
	}

	settings, err := store.LoadSettings(ctx, s.store)
	if err != nil {
		return models.Job{}, fmt.Errorf("load settings: %w", err)
	}
	now := s.now()
	if err := s.store.UpdateJob(ctx, id, models.JobPatch{
		State:       models.Ptr(models.StatePending),
		Attempts:    models.Ptr(0),
		MaxRetries:  models.Ptr(settings.MaxRetries),
		TimeoutMS:   models.Ptr(settings.TimeoutMS),
		RunAfter:    &now,
		ReleaseLock: true,
	}); err != nil {
		return models.Job{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	if err := s.store.AppendEvent(ctx, id, EventRetried, fmt.Sprintf("max_retries=%d timeout=%d", settings.MaxRetries, settings.TimeoutMS)); err != nil {
		// The job is already back in the queue; history is best effort.
		s.logger.Warn("append event failed", "job_id", id, "event", EventRetried, "err", err)
	}
	telemetry.DLQRetries.Inc()
	return s.store.GetJob(ctx, id)
}
