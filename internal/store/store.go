package store

import (
	"context"
	"fmt"
	"time"

	"queuectl/internal/models"
)

// Store is the durable job table plus the typed configuration table. Every
// state transition goes through it; it is shared by the daemon and all
// worker processes.
type Store interface {
	Migrate(ctx context.Context) error
	Close() error

	AddJob(ctx context.Context, job models.Job) error
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobsByState(ctx context.Context, state models.State) ([]models.Job, error)
	UpdateJob(ctx context.Context, id string, patch models.JobPatch) error

	// PollAndLock atomically claims the next eligible job. It returns nil
	// when nothing is runnable.
	PollAndLock(ctx context.Context) (*models.Job, error)

	SetConfig(ctx context.Context, key, value string) error
	GetConfig(ctx context.Context, key string) (string, bool, error)

	CountByState(ctx context.Context) (map[models.State]int, error)
	JobMetrics(ctx context.Context) (models.JobMetrics, error)
	RecordDaemonStart(ctx context.Context, at time.Time) error
	IncrementCommands(ctx context.Context) error
	DaemonMetrics(ctx context.Context) (models.DaemonMetrics, error)

	AppendEvent(ctx context.Context, jobID, event, detail string) error
	ListEvents(ctx context.Context, jobID string) ([]models.Event, error)
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)

// Option configures a Store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used for leases and timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Open connects to the store selected by driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Store, error) {
	switch driver {
	case "", "sqlite":
		s, err := NewSQLite(dsn, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, dsn, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", ErrInvalidArgument, driver)
	}
}

// LoadSettings resolves every config key, falling back to defaults for keys
// that were never set.
func LoadSettings(ctx context.Context, s Store) (models.Settings, error) {
	settings := models.DefaultSettings()
	for _, key := range models.ConfigKeys {
		v, ok, err := s.GetConfig(ctx, key)
		if err != nil {
			return settings, fmt.Errorf("read config %s: %w", key, err)
		}
		if ok {
			settings.Apply(key, v)
		}
	}
	return settings, nil
}

// validatePatch rejects patches that both set and release the lease.
func validatePatch(p models.JobPatch) error {
	if p.LockedAt != nil && p.ReleaseLock {
		return fmt.Errorf("%w: patch both sets and releases the lease", ErrInvalidArgument)
	}
	if p.State != nil {
		if _, err := models.ParseState(string(*p.State)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
	}
	return nil
}

// patchColumns returns the columns touched by p with their values. Times are
// converted with enc so each dialect can store its own representation.
func patchColumns(p models.JobPatch, now time.Time, enc func(time.Time) any) ([]string, []any) {
	cols := make([]string, 0, 8)
	args := make([]any, 0, 8)
	add := func(col string, v any) {
		cols = append(cols, col)
		args = append(args, v)
	}
	if p.State != nil {
		add("state", string(*p.State))
	}
	if p.Attempts != nil {
		add("attempts", *p.Attempts)
	}
	if p.MaxRetries != nil {
		add("max_retries", *p.MaxRetries)
	}
	if p.TimeoutMS != nil {
		add("timeout", *p.TimeoutMS)
	}
	if p.RunAfter != nil {
		add("run_after", enc(*p.RunAfter))
	}
	switch {
	case p.LockedAt != nil:
		add("locked_at", enc(*p.LockedAt))
	case p.ReleaseLock:
		add("locked_at", nil)
	}
	add("updated_at", enc(now))
	return cols, args
}
