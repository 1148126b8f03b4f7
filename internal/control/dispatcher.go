package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"queuectl/internal/dlq"
	"queuectl/internal/models"
	"queuectl/internal/store"
	"queuectl/internal/supervisor"
	"queuectl/internal/telemetry"
)

// ErrRateLimited is returned when the enqueue token bucket is empty.
var ErrRateLimited = errors.New("enqueue rate limited")

const rateLimitKey = "rl:queuectl:enqueue"

// Limiter gates enqueue requests. ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Dispatcher executes control requests against the store and owns the
// daemon's worker registry.
type Dispatcher struct {
	store    store.Store
	dlq      *dlq.Service
	launcher supervisor.Launcher
	limiter  Limiter
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	workers map[string]supervisor.Handle
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter enables enqueue rate limiting.
func WithLimiter(l Limiter) Option {
	return func(d *Dispatcher) { d.limiter = l }
}

// WithLogger sets the logger; nil keeps slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source for created_at, run_after and uptime.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// NewDispatcher creates a Dispatcher over st that starts workers through launcher.
func NewDispatcher(st store.Store, launcher supervisor.Launcher, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    st,
		launcher: launcher,
		logger:   slog.Default(),
		now:      time.Now,
		workers:  make(map[string]supervisor.Handle),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.dlq = dlq.NewService(st, d.now).WithLogger(d.logger)
	return d
}

// Handle runs one request. Every error becomes a failure response.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("control handler panicked", "command", req.Command, "panic", r)
			resp = failResponse(fmt.Errorf("internal error: %v", r))
		}
		outcome := "ok"
		if !resp.Success {
			outcome = "error"
		}
		telemetry.ControlRequests.WithLabelValues(req.Command, outcome).Inc()
	}()

	var (
		result any
		err    error
	)
	switch req.Command {
	case CmdEnqueue:
		result, err = d.enqueue(ctx, req)
	case CmdWorker:
		result, err = d.worker(ctx, req)
	case CmdStatus:
		result, err = d.status(ctx)
	case CmdList:
		result, err = d.list(ctx, req)
	case CmdDLQ:
		result, err = d.dlqCommand(ctx, req)
	case CmdConfig:
		result, err = d.config(ctx, req)
	case CmdMetrics:
		result, err = d.metrics(ctx)
	default:
		err = fmt.Errorf("%w: invalid command %q", store.ErrInvalidArgument, req.Command)
	}
	if err != nil {
		d.logger.Warn("control request failed", "command", req.Command, "option", req.Option, "err", err)
		return failResponse(err)
	}
	return okResponse(result)
}

// runAfterLayouts are tried in order. Layouts without a zone are read as UTC.
var runAfterLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseRunAfter(v string) (time.Time, error) {
	var err error
	for _, layout := range runAfterLayouts {
		var t time.Time
		if t, err = time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

func (d *Dispatcher) enqueue(ctx context.Context, req Request) (any, error) {
	if strings.TrimSpace(req.Value) == "" {
		return nil, fmt.Errorf("error enqueuing: %w: job object missing", store.ErrInvalidArgument)
	}
	var p jobPayload
	if err := json.Unmarshal([]byte(req.Value), &p); err != nil {
		return nil, fmt.Errorf("error enqueuing: %w: invalid job json: %v", store.ErrInvalidArgument, err)
	}
	if p.ID == "" || p.Command == "" {
		return nil, fmt.Errorf("error enqueuing: %w: id and command are required", store.ErrInvalidArgument)
	}
	priority := models.PriorityNormal
	if p.Priority != nil {
		if *p.Priority != models.PriorityNormal && *p.Priority != models.PriorityHigh {
			return nil, fmt.Errorf("error enqueuing: %w: invalid priority value %d", store.ErrInvalidArgument, *p.Priority)
		}
		priority = *p.Priority
	}
	now := d.now().UTC()
	runAfter := now
	if p.RunAfter != "" {
		t, err := parseRunAfter(p.RunAfter)
		if err != nil {
			return nil, fmt.Errorf("error enqueuing: %w: invalid run_after value %q", store.ErrInvalidArgument, p.RunAfter)
		}
		runAfter = t.UTC()
	}

	if d.limiter != nil {
		allowed, _, err := d.limiter.Allow(ctx, rateLimitKey)
		if err != nil {
			return nil, fmt.Errorf("error enqueuing: rate limit: %w", err)
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			return nil, fmt.Errorf("error enqueuing: %w", ErrRateLimited)
		}
	}

	settings, err := store.LoadSettings(ctx, d.store)
	if err != nil {
		return nil, fmt.Errorf("error enqueuing: %w", err)
	}
	job := models.Job{
		ID:         p.ID,
		Command:    p.Command,
		State:      models.StatePending,
		MaxRetries: settings.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
		TimeoutMS:  settings.TimeoutMS,
		RunAfter:   runAfter,
		Priority:   priority,
	}
	if err := d.store.AddJob(ctx, job); err != nil {
		return nil, fmt.Errorf("error enqueuing: %w", err)
	}
	telemetry.EnqueueCounter.Inc()
	d.logger.Info("job enqueued", "job_id", job.ID, "command", job.Command, "priority", priority, "run_after", runAfter)
	return "Job enqueued", nil
}

func (d *Dispatcher) worker(ctx context.Context, req Request) (any, error) {
	switch req.Option {
	case "start":
		n, err := strconv.Atoi(strings.TrimSpace(req.Value))
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: --count must be a positive integer", store.ErrInvalidArgument)
		}
		started, err := d.StartWorkers(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("error starting worker: started %d of %d: %w", started, n, err)
		}
		return fmt.Sprintf("Started %d worker(s)", started), nil
	case "stop":
		stopped := d.StopWorkers()
		return fmt.Sprintf("Stopped %d worker(s)", stopped), nil
	default:
		return nil, fmt.Errorf("%w: unknown worker option %q", store.ErrInvalidArgument, req.Option)
	}
}

// StartWorkers launches n workers and tracks their handles. It returns how
// many were started before any launch error.
func (d *Dispatcher) StartWorkers(ctx context.Context, n int) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 0; i < n; i++ {
		h, err := d.launcher.Launch(ctx)
		if err != nil {
			telemetry.WorkersGauge.Set(float64(len(d.workers)))
			return i, err
		}
		d.workers[h.ID()] = h
		d.logger.Info("worker launched", "worker_id", h.ID())
	}
	telemetry.WorkersGauge.Set(float64(len(d.workers)))
	return n, nil
}

// StopWorkers signals every tracked worker and forgets it. It does not wait
// for in-flight jobs.
func (d *Dispatcher) StopWorkers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.workers)
	for id, h := range d.workers {
		if err := h.Stop(); err != nil {
			d.logger.Warn("stop worker failed", "worker_id", id, "err", err)
		}
		delete(d.workers, id)
	}
	telemetry.WorkersGauge.Set(0)
	return n
}

// WorkerCount is the number of tracked workers.
func (d *Dispatcher) WorkerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workers)
}

// Status counts jobs per state and tracked workers.
func (d *Dispatcher) Status(ctx context.Context) (StatusReport, error) {
	counts, err := d.store.CountByState(ctx)
	if err != nil {
		return StatusReport{}, fmt.Errorf("error getting status: %w", err)
	}
	report := StatusReport{Jobs: make(map[string]int, len(models.States)), Workers: d.WorkerCount()}
	for _, st := range models.States {
		report.Jobs[string(st)] = counts[st]
	}
	return report, nil
}

func (d *Dispatcher) status(ctx context.Context) (any, error) {
	return d.Status(ctx)
}

func (d *Dispatcher) list(ctx context.Context, req Request) (any, error) {
	if req.Value == "" {
		return nil, fmt.Errorf("error getting list: %w: state not provided", store.ErrInvalidArgument)
	}
	state, err := models.ParseState(req.Value)
	if err != nil {
		return nil, fmt.Errorf("error getting list: %w: %v", store.ErrInvalidArgument, err)
	}
	jobs, err := d.store.ListJobsByState(ctx, state)
	if err != nil {
		return nil, fmt.Errorf("error getting list: %w", err)
	}
	return jobs, nil
}

func (d *Dispatcher) dlqCommand(ctx context.Context, req Request) (any, error) {
	switch req.Option {
	case "list":
		jobs, err := d.dlq.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("error accessing dlq: %w", err)
		}
		return jobs, nil
	case "retry":
		if req.Value == "" {
			return nil, fmt.Errorf("%w: job id not provided", store.ErrInvalidArgument)
		}
		if _, err := d.dlq.Retry(ctx, req.Value); err != nil {
			return nil, fmt.Errorf("error retrying dlq job: %w", err)
		}
		d.logger.Info("dlq job requeued", "job_id", req.Value)
		return fmt.Sprintf("Job %s added to queue", req.Value), nil
	default:
		return nil, fmt.Errorf("%w: unknown dlq option %q", store.ErrInvalidArgument, req.Option)
	}
}

func (d *Dispatcher) config(ctx context.Context, req Request) (any, error) {
	switch req.Option {
	case "set":
		if req.Flag == "" || req.Value == "" {
			return nil, fmt.Errorf("error configuring: %w: key and value are required", store.ErrInvalidArgument)
		}
		if err := d.store.SetConfig(ctx, req.Flag, req.Value); err != nil {
			return nil, fmt.Errorf("error configuring: %w", err)
		}
		d.logger.Info("config updated", "key", req.Flag, "value", req.Value)
		return fmt.Sprintf("Updated %s to %s", req.Flag, req.Value), nil
	case "get":
		if req.Flag == "" {
			return nil, fmt.Errorf("error reading config: %w: key is required", store.ErrInvalidArgument)
		}
		v, ok, err := d.store.GetConfig(ctx, req.Flag)
		if err != nil {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
		if !ok {
			v = defaultValue(req.Flag)
		}
		return ConfigValue{Key: req.Flag, Value: v, Set: ok}, nil
	default:
		return nil, fmt.Errorf("%w: unknown config option %q", store.ErrInvalidArgument, req.Option)
	}
}

func defaultValue(key string) string {
	s := models.DefaultSettings()
	switch key {
	case models.KeyMaxRetries:
		return strconv.Itoa(s.MaxRetries)
	case models.KeyBackoff:
		return s.Backoff
	case models.KeyDelayBase:
		return strconv.FormatInt(s.DelayBaseMS, 10)
	case models.KeyTimeout:
		return strconv.FormatInt(s.TimeoutMS, 10)
	}
	return ""
}

// Metrics builds the metrics snapshot.
func (d *Dispatcher) Metrics(ctx context.Context) (models.MetricsSnapshot, error) {
	jm, err := d.store.JobMetrics(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("error generating metrics: %w", err)
	}
	dm, err := d.store.DaemonMetrics(ctx)
	if err != nil {
		return models.MetricsSnapshot{}, fmt.Errorf("error generating metrics: %w", err)
	}
	snap := models.MetricsSnapshot{JobMetrics: jm, TotalCommands: dm.TotalCommands}
	if !dm.StartedAt.IsZero() {
		snap.UptimeSeconds = int64(d.now().Sub(dm.StartedAt) / time.Second)
	}
	return snap, nil
}

func (d *Dispatcher) metrics(ctx context.Context) (any, error) {
	return d.Metrics(ctx)
}
