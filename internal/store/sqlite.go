package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"queuectl/internal/models"
)

const jobColumns = `id, command, state, attempts, max_retries, created_at, updated_at, locked_at, timeout, run_after, priority, started_at`

// SQLite is the default single-node store. Claims run inside BEGIN IMMEDIATE
// transactions so the candidate SELECT and the UPDATE hold the database write
// lock together, which serializes claimers across processes.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite opens (creating if needed) the database file at path.
func NewSQLite(path string, opts ...Option) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty sqlite path", ErrInvalidArgument)
	}
	o := buildOptions(opts)
	dsn := path + "?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLite{db: db, now: o.now}, nil
}

// Migrate applies the embedded schema.
func (s *SQLite) Migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) AddJob(ctx context.Context, job models.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, command, state, attempts, max_retries, created_at, updated_at, locked_at, timeout, run_after, priority, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Command, string(job.State), job.Attempts, job.MaxRetries,
		millis(job.CreatedAt), millis(job.UpdatedAt), nullMillis(job.LockedAt),
		job.TimeoutMS, millis(job.RunAfter), job.Priority, nullMillis(job.StartedAt))
	if err != nil {
		if isSQLiteDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateID, job.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLite) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *SQLite) ListJobsByState(ctx context.Context, state models.State) ([]models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE state = ? ORDER BY updated_at DESC, id ASC
	`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.Job, 0)
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLite) UpdateJob(ctx context.Context, id string, patch models.JobPatch) error {
	if err := validatePatch(patch); err != nil {
		return err
	}
	cols, args := patchColumns(patch, s.now(), func(t time.Time) any { return millis(t) })
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func (s *SQLite) PollAndLock(ctx context.Context) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, txError("begin claim", err)
	}
	defer tx.Rollback() // no-op after commit

	now := s.now()
	nowMS := millis(now)
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ('pending', 'failed', 'processing')
		  AND (locked_at IS NULL OR locked_at + timeout < ?)
		  AND run_after <= ?
		ORDER BY priority DESC, created_at ASC, rowid ASC
		LIMIT 1
	`, nowMS, nowMS)
	job, err := scanSQLiteJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, txError("select candidate", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = ?, locked_at = ?, started_at = ?, updated_at = ? WHERE id = ?
	`, string(models.StateProcessing), nowMS, nowMS, nowMS, job.ID); err != nil {
		return nil, txError("lock candidate", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, txError("commit claim", err)
	}

	stamp := fromMillis(nowMS)
	job.State = models.StateProcessing
	job.LockedAt = &stamp
	job.StartedAt = &stamp
	job.UpdatedAt = stamp
	return &job, nil
}

func (s *SQLite) SetConfig(ctx context.Context, key, value string) error {
	if !models.ValidConfigKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	normalized, err := models.NormalizeConfigValue(key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, normalized)
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}

func (s *SQLite) GetConfig(ctx context.Context, key string) (string, bool, error) {
	if !models.ValidConfigKey(key) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config: %w", err)
	}
	return v.String, v.Valid, nil
}

func (s *SQLite) CountByState(ctx context.Context) (map[models.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	return scanCounts(rows)
}

func (s *SQLite) JobMetrics(ctx context.Context) (models.JobMetrics, error) {
	var m models.JobMetrics
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN state = 'completed' THEN 1 ELSE 0 END), 0) FROM jobs
	`).Scan(&m.TotalJobs, &m.CompletedJobs); err != nil {
		return m, fmt.Errorf("count jobs: %w", err)
	}

	var avg sql.NullFloat64
	var maxRuntime sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT AVG((updated_at / 1000) - (started_at / 1000)), MAX((updated_at / 1000) - (started_at / 1000))
		FROM jobs
		WHERE state = 'completed' AND started_at IS NOT NULL
	`).Scan(&avg, &maxRuntime); err != nil {
		return m, fmt.Errorf("runtime metrics: %w", err)
	}
	m.AverageRuntime = avg.Float64
	m.MaxRuntime = maxRuntime.Int64
	return m, nil
}

func (s *SQLite) RecordDaemonStart(ctx context.Context, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO metrics (daemon_startup, total_commands) VALUES (?, 0)`, millis(at))
	if err != nil {
		return fmt.Errorf("record daemon start: %w", err)
	}
	return nil
}

func (s *SQLite) IncrementCommands(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE metrics SET total_commands = total_commands + 1
		WHERE id = (SELECT id FROM metrics ORDER BY id DESC LIMIT 1)
	`)
	if err != nil {
		return fmt.Errorf("increment commands: %w", err)
	}
	return nil
}

func (s *SQLite) DaemonMetrics(ctx context.Context) (models.DaemonMetrics, error) {
	var dm models.DaemonMetrics
	var started sql.NullInt64
	var total sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT daemon_startup FROM metrics ORDER BY id DESC LIMIT 1), (SELECT SUM(total_commands) FROM metrics)
	`).Scan(&started, &total); err != nil {
		return dm, fmt.Errorf("daemon metrics: %w", err)
	}
	if started.Valid {
		dm.StartedAt = fromMillis(started.Int64)
	}
	dm.TotalCommands = total.Int64
	return dm, nil
}

func (s *SQLite) AppendEvent(ctx context.Context, jobID, event, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_events (job_id, event, detail, recorded_at) VALUES (?, ?, ?, ?)
	`, jobID, event, detail, millis(s.now()))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (s *SQLite) ListEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, event, detail, recorded_at FROM job_events WHERE job_id = ? ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]models.Event, 0)
	for rows.Next() {
		var e models.Event
		var at int64
		if err := rows.Scan(&e.JobID, &e.Event, &e.Detail, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Recorded = fromMillis(at)
		events = append(events, e)
	}
	return events, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var state string
	var created, updated, runAfter int64
	var locked, started sql.NullInt64
	if err := row.Scan(&job.ID, &job.Command, &state, &job.Attempts, &job.MaxRetries,
		&created, &updated, &locked, &job.TimeoutMS, &runAfter, &job.Priority, &started); err != nil {
		return models.Job{}, err
	}
	job.State = models.State(state)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	job.RunAfter = fromMillis(runAfter)
	job.LockedAt = nullTime(locked)
	job.StartedAt = nullTime(started)
	return job, nil
}

func scanCounts(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) (map[models.State]int, error) {
	counts := make(map[models.State]int, len(models.States))
	for _, st := range models.States {
		counts[st] = 0
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.State(state)] = n
	}
	return counts, rows.Err()
}

func isSQLiteDuplicate(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
