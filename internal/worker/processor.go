package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"queuectl/internal/models"
	"queuectl/internal/store"
	"queuectl/internal/telemetry"
)

// Job history event names written by the worker.
const (
	EventClaimed        = "claimed"
	EventCompleted      = "completed"
	EventRetryScheduled = "retry_scheduled"
	EventDeadLetter     = "dead_letter"
)

// Processor drives the worker execution loop.
type Processor struct {
	store        store.Store
	exec         Executor
	logger       *slog.Logger
	pollInterval time.Duration
	workerID     string
	now          func() time.Time
}

// Option customises a Processor.
type Option func(*Processor)

// WithPollInterval sets how long an idle worker sleeps between claims.
func WithPollInterval(d time.Duration) Option {
	return func(p *Processor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithWorkerID tags log lines and events with the worker's id.
func WithWorkerID(id string) Option {
	return func(p *Processor) { p.workerID = id }
}

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithClock overrides the time source used to compute run_after.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a worker loop that claims jobs from st and runs them with exec.
func NewProcessor(st store.Store, exec Executor, opts ...Option) *Processor {
	p := &Processor{
		store:        st,
		exec:         exec,
		logger:       slog.Default(),
		pollInterval: time.Second,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("worker_id", p.workerID)
	return p
}

// Run starts the main worker loop until context cancellation. A job that is
// already executing when ctx is cancelled is finished first.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started", "poll_interval", p.pollInterval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return ctx.Err()
		default:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("worker iteration failed", "err", err)
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			p.logger.Info("worker stopping")
			return ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
}

// RunOnce claims and executes at most one job. It reports whether a job was
// claimed; claim errors count as "nothing claimed".
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.store.PollAndLock(ctx)
	if err != nil {
		telemetry.ClaimErrors.Inc()
		return false, fmt.Errorf("claim failed: %w", err)
	}
	if job == nil {
		return false, nil
	}
	// The claimed job is seen through to a final write even during shutdown.
	return true, p.process(context.WithoutCancel(ctx), *job)
}

func (p *Processor) process(ctx context.Context, job models.Job) error {
	log := p.logger.With("job_id", job.ID)

	// A reclaimed job whose previous worker died mid-run may already have used
	// its last attempt.
	if job.Attempts >= job.MaxRetries {
		detail := fmt.Sprintf("attempts=%d exhausted before run", job.Attempts)
		return p.deadLetter(ctx, log, job, job.Attempts, detail, Result{ExitCode: -1}, nil)
	}

	// Count the attempt before running so a crash mid-command still uses it.
	attempts := job.Attempts + 1
	if err := p.store.UpdateJob(ctx, job.ID, models.JobPatch{Attempts: &attempts}); err != nil {
		return fmt.Errorf("record attempt for %s: %w", job.ID, err)
	}
	p.event(ctx, log, job.ID, EventClaimed, fmt.Sprintf("attempt=%d worker=%s", attempts, p.workerID))
	log.Info("job claimed", "attempt", attempts, "command", job.Command)

	res, runErr := p.exec.Run(ctx, job.Command, job.Timeout())
	if res.Output != "" {
		log.Info("job output", "output", res.Output)
	}

	if runErr == nil {
		if err := p.store.UpdateJob(ctx, job.ID, models.JobPatch{
			State:       models.Ptr(models.StateCompleted),
			ReleaseLock: true,
		}); err != nil {
			return fmt.Errorf("mark %s completed: %w", job.ID, err)
		}
		p.event(ctx, log, job.ID, EventCompleted, "")
		telemetry.WorkerSuccess.Inc()
		log.Info("job completed", "attempt", attempts)
		return nil
	}

	if attempts >= job.MaxRetries {
		return p.deadLetter(ctx, log, job, attempts, runErr.Error(), res, runErr)
	}

	settings, err := store.LoadSettings(ctx, p.store)
	if err != nil {
		log.Warn("load settings failed, using defaults", "err", err)
		settings = models.DefaultSettings()
	}
	delay := Backoff(settings.DelayBaseMS, attempts)
	runAfter := p.now().Add(delay)
	if err := p.store.UpdateJob(ctx, job.ID, models.JobPatch{
		State:       models.Ptr(models.StateFailed),
		RunAfter:    &runAfter,
		ReleaseLock: true,
	}); err != nil {
		return fmt.Errorf("schedule retry for %s: %w", job.ID, err)
	}
	p.event(ctx, log, job.ID, EventRetryScheduled,
		fmt.Sprintf("run_after=%s attempts=%d", runAfter.UTC().Format(time.RFC3339), attempts))
	telemetry.WorkerFailures.Inc()
	log.Warn("job failed, retry scheduled",
		"attempt", attempts, "exit_code", res.ExitCode, "backoff", settings.Backoff, "delay", delay, "err", runErr)
	return nil
}

func (p *Processor) deadLetter(ctx context.Context, log *slog.Logger, job models.Job, attempts int, detail string, res Result, runErr error) error {
	if err := p.store.UpdateJob(ctx, job.ID, models.JobPatch{
		State:       models.Ptr(models.StateDead),
		ReleaseLock: true,
	}); err != nil {
		return fmt.Errorf("mark %s dead: %w", job.ID, err)
	}
	p.event(ctx, log, job.ID, EventDeadLetter, detail)
	telemetry.WorkerDeadLetter.Inc()
	log.Warn("job moved to dlq", "attempt", attempts, "exit_code", res.ExitCode, "err", runErr)
	return nil
}

// event records history; failures are logged and never fail the job.
func (p *Processor) event(ctx context.Context, log *slog.Logger, jobID, name, detail string) {
	if err := p.store.AppendEvent(ctx, jobID, name, detail); err != nil {
		log.Warn("append event failed", "event", name, "err", err)
	}
}
