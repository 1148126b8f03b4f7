package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"queuectl/internal/models"
)

// testClock is a settable time source shared by a store under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 11, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *testClock) Store

func newJob(id string, created time.Time) models.Job {
	return models.Job{
		ID:         id,
		Command:    "echo " + id,
		State:      models.StatePending,
		MaxRetries: 3,
		CreatedAt:  created,
		UpdatedAt:  created,
		TimeoutMS:  5000,
		RunAfter:   created,
	}
}

func mustAdd(t *testing.T, s Store, job models.Job) {
	t.Helper()
	if err := s.AddJob(context.Background(), job); err != nil {
		t.Fatalf("add job %s: %v", job.ID, err)
	}
}

func mustClaim(t *testing.T, s Store) *models.Job {
	t.Helper()
	job, err := s.PollAndLock(context.Background())
	if err != nil {
		t.Fatalf("poll and lock: %v", err)
	}
	return job
}

// runStoreSuite exercises the Store contract against one implementation.
func runStoreSuite(t *testing.T, newStore storeFactory) {
	t.Run("AddGetDuplicate", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		mustAdd(t, s, newJob("t1", clock.Now()))
		err := s.AddJob(ctx, newJob("t1", clock.Now()))
		if !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("expected ErrDuplicateID, got %v", err)
		}

		got, err := s.GetJob(ctx, "t1")
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Command != "echo t1" || got.State != models.StatePending || got.LockedAt != nil {
			t.Fatalf("unexpected job: %+v", got)
		}
		if !got.CreatedAt.Equal(clock.Now()) {
			t.Fatalf("created_at mismatch: got %s want %s", got.CreatedAt, clock.Now())
		}

		counts, err := s.CountByState(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[models.StatePending] != 1 {
			t.Fatalf("expected exactly one row, got %v", counts)
		}

		if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("UpdateIsMerge", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()
		mustAdd(t, s, newJob("m1", clock.Now()))

		claimed := mustClaim(t, s)
		if claimed == nil || claimed.ID != "m1" {
			t.Fatalf("expected to claim m1, got %+v", claimed)
		}

		clock.Advance(time.Second)
		if err := s.UpdateJob(ctx, "m1", models.JobPatch{Attempts: models.Ptr(1)}); err != nil {
			t.Fatalf("update attempts: %v", err)
		}
		got, _ := s.GetJob(ctx, "m1")
		if got.Attempts != 1 || got.State != models.StateProcessing || got.LockedAt == nil {
			t.Fatalf("partial update clobbered fields: %+v", got)
		}
		if got.MaxRetries != 3 || got.TimeoutMS != 5000 {
			t.Fatalf("untouched fields changed: %+v", got)
		}
		if !got.UpdatedAt.Equal(clock.Now()) {
			t.Fatalf("updated_at not refreshed: %s", got.UpdatedAt)
		}

		if err := s.UpdateJob(ctx, "m1", models.JobPatch{
			State:       models.Ptr(models.StateCompleted),
			ReleaseLock: true,
		}); err != nil {
			t.Fatalf("release: %v", err)
		}
		got, _ = s.GetJob(ctx, "m1")
		if got.LockedAt != nil || got.State != models.StateCompleted || got.Attempts != 1 {
			t.Fatalf("release failed: %+v", got)
		}

		bad := models.JobPatch{LockedAt: models.Ptr(clock.Now()), ReleaseLock: true}
		if err := s.UpdateJob(ctx, "m1", bad); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if err := s.UpdateJob(ctx, "nope", models.JobPatch{Attempts: models.Ptr(2)}); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ClaimOrder", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		start := clock.Now()

		mustAdd(t, s, newJob("old-normal", start))
		mustAdd(t, s, newJob("new-normal", start.Add(time.Second)))
		high := newJob("new-high", start.Add(2*time.Second))
		high.Priority = models.PriorityHigh
		mustAdd(t, s, high)
		clock.Advance(5 * time.Second)

		want := []string{"new-high", "old-normal", "new-normal"}
		for _, id := range want {
			job := mustClaim(t, s)
			if job == nil || job.ID != id {
				t.Fatalf("claim order: want %s got %+v", id, job)
			}
			if job.State != models.StateProcessing || job.LockedAt == nil || job.StartedAt == nil {
				t.Fatalf("claim did not stamp lease: %+v", job)
			}
		}
		if job := mustClaim(t, s); job != nil {
			t.Fatalf("expected no job, got %s", job.ID)
		}
	})

	t.Run("RunAfterGatesClaim", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		job := newJob("later", clock.Now())
		job.RunAfter = clock.Now().Add(time.Minute)
		mustAdd(t, s, job)

		if got := mustClaim(t, s); got != nil {
			t.Fatalf("claimed before run_after: %+v", got)
		}
		clock.Advance(time.Minute)
		if got := mustClaim(t, s); got == nil || got.ID != "later" {
			t.Fatalf("expected later once due, got %+v", got)
		}
	})

	t.Run("StaleLeaseIsReclaimed", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()
		mustAdd(t, s, newJob("crash", clock.Now()))

		first := mustClaim(t, s)
		if first == nil {
			t.Fatalf("expected a claim")
		}
		if again := mustClaim(t, s); again != nil {
			t.Fatalf("active lease was claimed twice")
		}

		// Simulate a dead worker: the lease started timeout+1s ago.
		abandoned := clock.Now().Add(-first.Timeout() - time.Second)
		if err := s.UpdateJob(ctx, "crash", models.JobPatch{LockedAt: &abandoned}); err != nil {
			t.Fatalf("backdate lease: %v", err)
		}
		second := mustClaim(t, s)
		if second == nil || second.ID != "crash" {
			t.Fatalf("stale job not reclaimed: %+v", second)
		}
		if !second.LockedAt.Equal(clock.Now()) {
			t.Fatalf("lease not renewed: %s", second.LockedAt)
		}
	})

	t.Run("TerminalStatesNotClaimed", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()
		for _, st := range []models.State{models.StateCompleted, models.StateDead} {
			j := newJob(string(st), clock.Now())
			j.State = st
			mustAdd(t, s, j)
		}
		failed := newJob("failed", clock.Now())
		failed.State = models.StateFailed
		mustAdd(t, s, failed)

		got := mustClaim(t, s)
		if got == nil || got.ID != "failed" {
			t.Fatalf("expected failed job to be retried, got %+v", got)
		}
		if got := mustClaim(t, s); got != nil {
			t.Fatalf("terminal job claimed: %+v", got)
		}
		dead, err := s.ListJobsByState(ctx, models.StateDead)
		if err != nil || len(dead) != 1 {
			t.Fatalf("list dead: %v %v", dead, err)
		}
	})

	t.Run("ListOrderedByUpdatedDesc", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()
		mustAdd(t, s, newJob("a", clock.Now()))
		mustAdd(t, s, newJob("b", clock.Now()))
		clock.Advance(time.Second)
		if err := s.UpdateJob(ctx, "a", models.JobPatch{Attempts: models.Ptr(0)}); err != nil {
			t.Fatalf("touch a: %v", err)
		}
		jobs, err := s.ListJobsByState(ctx, models.StatePending)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(jobs) != 2 || jobs[0].ID != "a" || jobs[1].ID != "b" {
			t.Fatalf("unexpected order: %+v", jobs)
		}
	})

	t.Run("ListTiesOrderedByID", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		for _, id := range []string{"c", "a", "b"} {
			mustAdd(t, s, newJob(id, clock.Now()))
		}
		jobs, err := s.ListJobsByState(context.Background(), models.StatePending)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(jobs) != 3 || jobs[0].ID != "a" || jobs[1].ID != "b" || jobs[2].ID != "c" {
			t.Fatalf("unexpected tie order: %+v", jobs)
		}
	})

	t.Run("Config", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		if _, ok, err := s.GetConfig(ctx, models.KeyMaxRetries); err != nil || ok {
			t.Fatalf("expected unset max-retries, ok=%v err=%v", ok, err)
		}
		cases := map[string]string{
			models.KeyMaxRetries: "5",
			models.KeyBackoff:    "exponential",
			models.KeyDelayBase:  "2000",
			models.KeyTimeout:    "100",
		}
		for k, v := range cases {
			if err := s.SetConfig(ctx, k, v); err != nil {
				t.Fatalf("set %s: %v", k, err)
			}
			got, ok, err := s.GetConfig(ctx, k)
			if err != nil || !ok || got != v {
				t.Fatalf("get %s: got %q ok=%v err=%v", k, got, ok, err)
			}
		}

		if err := s.SetConfig(ctx, "colour", "blue"); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("expected ErrInvalidKey, got %v", err)
		}
		if err := s.SetConfig(ctx, models.KeyMaxRetries, "many"); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if got, _, _ := s.GetConfig(ctx, models.KeyMaxRetries); got != "5" {
			t.Fatalf("rejected write mutated state: %q", got)
		}

		settings, err := LoadSettings(ctx, s)
		if err != nil {
			t.Fatalf("load settings: %v", err)
		}
		if settings.MaxRetries != 5 || settings.DelayBaseMS != 2000 || settings.TimeoutMS != 100 {
			t.Fatalf("unexpected settings: %+v", settings)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()

		mustAdd(t, s, newJob("fast", clock.Now()))
		mustAdd(t, s, newJob("slow", clock.Now().Add(time.Millisecond)))
		mustAdd(t, s, newJob("idle", clock.Now().Add(2*time.Millisecond)))

		fast := mustClaim(t, s)
		clock.Advance(2 * time.Second)
		if err := s.UpdateJob(ctx, fast.ID, models.JobPatch{State: models.Ptr(models.StateCompleted), ReleaseLock: true}); err != nil {
			t.Fatalf("complete fast: %v", err)
		}
		slow := mustClaim(t, s)
		clock.Advance(4 * time.Second)
		if err := s.UpdateJob(ctx, slow.ID, models.JobPatch{State: models.Ptr(models.StateCompleted), ReleaseLock: true}); err != nil {
			t.Fatalf("complete slow: %v", err)
		}

		m, err := s.JobMetrics(ctx)
		if err != nil {
			t.Fatalf("job metrics: %v", err)
		}
		if m.TotalJobs != 3 || m.CompletedJobs != 2 {
			t.Fatalf("counts: %+v", m)
		}
		if m.MaxRuntime != 4 || m.AverageRuntime != 3 {
			t.Fatalf("runtimes: %+v", m)
		}

		if err := s.RecordDaemonStart(ctx, clock.Now()); err != nil {
			t.Fatalf("record start: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := s.IncrementCommands(ctx); err != nil {
				t.Fatalf("increment: %v", err)
			}
		}
		dm, err := s.DaemonMetrics(ctx)
		if err != nil {
			t.Fatalf("daemon metrics: %v", err)
		}
		if dm.TotalCommands != 3 || !dm.StartedAt.Equal(clock.Now()) {
			t.Fatalf("daemon metrics: %+v", dm)
		}
	})

	t.Run("Events", func(t *testing.T) {
		clock := newTestClock()
		s := newStore(t, clock)
		ctx := context.Background()
		if err := s.AppendEvent(ctx, "e1", "claimed", "attempt=1"); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.AppendEvent(ctx, "e1", "completed", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
		events, err := s.ListEvents(ctx, "e1")
		if err != nil {
			t.Fatalf("list events: %v", err)
		}
		if len(events) != 2 || events[0].Event != "claimed" || events[1].Event != "completed" {
			t.Fatalf("unexpected events: %+v", events)
		}
	})
}
