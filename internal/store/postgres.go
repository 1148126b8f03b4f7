package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"queuectl/internal/models"
)

// Postgres wraps pgxpool for deployments that already run a Postgres server.
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent claimers skip
// rows another transaction is locking instead of blocking on them.
type Postgres struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string, opts ...Option) (*Postgres, error) {
	o := buildOptions(opts)
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, now: o.now}, nil
}

// Migrate executes the embedded SQL migrations in order.
func (s *Postgres) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *Postgres) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Postgres) AddJob(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, locked_at, timeout, run_after, priority, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.Command, string(job.State), job.Attempts, job.MaxRetries,
		job.CreatedAt, job.UpdatedAt, job.LockedAt, job.TimeoutMS, job.RunAfter, job.Priority, job.StartedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) ListJobsByState(ctx context.Context, state models.State) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = $1 ORDER BY updated_at DESC, id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanPostgresJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) UpdateJob(ctx context.Context, id string, patch models.JobPatch) error {
	if err := validatePatch(patch); err != nil {
		return err
	}
	cols, args := patchColumns(patch, s.now().UTC(), func(t time.Time) any { return t.UTC() })
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *Postgres) PollAndLock(ctx context.Context) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, txError("begin claim", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.now().UTC()
	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('pending', 'failed', 'processing')
		  AND (locked_at IS NULL OR locked_at + timeout * INTERVAL '1 millisecond' < $1)
		  AND run_after <= $1
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`, now)
	job, err := scanPostgresJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, txError("select candidate", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET state = $2, locked_at = $3, started_at = $3, updated_at = $3 WHERE id = $1
	`, job.ID, string(models.StateProcessing), now); err != nil {
		return nil, txError("lock candidate", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, txError("commit claim", err)
	}

	job.State = models.StateProcessing
	job.LockedAt = &now
	job.StartedAt = &now
	job.UpdatedAt = now
	return &job, nil
}

func (s *Postgres) SetConfig(ctx context.Context, key, value string) error {
	if !models.ValidConfigKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	normalized, err := models.NormalizeConfigValue(key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, normalized); err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *Postgres) GetConfig(ctx context.Context, key string) (string, bool, error) {
	if !models.ValidConfigKey(key) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	var v *string
	err := s.pool.QueryRow(ctx, `SELECT value FROM config WHERE key = $1`, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config: %w", err)
	}
	if v == nil {
		return "", false, nil
	}
	return *v, true, nil
}

func (s *Postgres) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *Postgres) JobMetrics(ctx context.Context) (models.JobMetrics, error) {
	var m models.JobMetrics
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE state = 'completed') FROM jobs
	`).Scan(&m.TotalJobs, &m.CompletedJobs); err != nil {
		return m, fmt.Errorf("count jobs: %w", err)
	}

	var avg *float64
	var maxRuntime *int64
	if err := s.pool.QueryRow(ctx, `
		SELECT
			AVG(EXTRACT(EPOCH FROM date_trunc('second', updated_at)) - EXTRACT(EPOCH FROM date_trunc('second', started_at)))::float8,
			MAX(EXTRACT(EPOCH FROM date_trunc('second', updated_at)) - EXTRACT(EPOCH FROM date_trunc('second', started_at)))::bigint
		FROM jobs
		WHERE state = 'completed' AND started_at IS NOT NULL
	`).Scan(&avg, &maxRuntime); err != nil {
		return m, fmt.Errorf("runtime metrics: %w", err)
	}
	if avg != nil {
		m.AverageRuntime = *avg
	}
	if maxRuntime != nil {
		m.MaxRuntime = *maxRuntime
	}
	return m, nil
}

func (s *Postgres) RecordDaemonStart(ctx context.Context, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `INSERT INTO metrics (daemon_startup, total_commands) VALUES ($1, 0)`, at.UTC()); err != nil {
		return fmt.Errorf("record daemon start: %w", err)
	}
	return nil
}

func (s *Postgres) IncrementCommands(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE metrics SET total_commands = total_commands + 1
		WHERE id = (SELECT id FROM metrics ORDER BY id DESC LIMIT 1)
	`); err != nil {
		return fmt.Errorf("increment commands: %w", err)
	}
	return nil
}

func (s *Postgres) DaemonMetrics(ctx context.Context) (models.DaemonMetrics, error) {
	var dm models.DaemonMetrics
	var started *time.Time
	var total *int64
	if err := s.pool.QueryRow(ctx, `
		SELECT (SELECT daemon_startup FROM metrics ORDER BY id DESC LIMIT 1), (SELECT SUM(total_commands)::bigint FROM metrics)
	`).Scan(&started, &total); err != nil {
		return dm, fmt.Errorf("daemon metrics: %w", err)
	}
	if started != nil {
		dm.StartedAt = started.UTC()
	}
	if total != nil {
		dm.TotalCommands = *total
	}
	return dm, nil
}

func (s *Postgres) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at) VALUES ($1, $2, $3, $4)
	`, jobID, event, detail, s.now().UTC()); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *Postgres) ListEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Recorded = e.Recorded.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanPostgresJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var state string
	if err := row.Scan(&job.ID, &job.Command, &state, &job.Attempts, &job.MaxRetries,
		&job.CreatedAt, &job.UpdatedAt, &job.LockedAt, &job.TimeoutMS, &job.RunAfter,
		&job.Priority, &job.StartedAt); err != nil {
		return models.Job{}, err
	}
	job.State = models.State(state)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	job.RunAfter = job.RunAfter.UTC()
	if job.LockedAt != nil {
		t := job.LockedAt.UTC()
		job.LockedAt = &t
	}
	if job.StartedAt != nil {
		t := job.StartedAt.UTC()
		job.StartedAt = &t
	}
	return job, nil
}
