package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"queuectl/internal/models"
)

func openSQLite(t *testing.T, path string, opts ...Option) *SQLite {
	t.Helper()
	s, err := NewSQLite(path, opts...)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, clock *testClock) Store {
		return openSQLite(t, filepath.Join(t.TempDir(), "queue.db"), WithClock(clock.Now))
	})
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s := openSQLite(t, path)
	if err := s.SetConfig(context.Background(), models.KeyTimeout, "250"); err != nil {
		t.Fatalf("set config: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, ok, err := s.GetConfig(context.Background(), models.KeyTimeout)
	if err != nil || !ok || v != "250" {
		t.Fatalf("re-migration reset config: %q ok=%v err=%v", v, ok, err)
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	s, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()
	if _, ok := s.(*SQLite); !ok {
		t.Fatalf("expected *SQLite, got %T", s)
	}
	if _, err := Open(context.Background(), "mongo", "x"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := NewSQLite(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

// Several independent handles on one file stand in for separate worker
// processes. Every job must be claimed exactly once.
func TestSQLiteClaimMutualExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	seed := openSQLite(t, path)
	now := time.Now().UTC()
	const jobs = 20
	for i := 0; i < jobs; i++ {
		j := newJob(fmt.Sprintf("job-%02d", i), now)
		j.TimeoutMS = 60000
		mustAdd(t, seed, j)
	}

	handles := []*SQLite{seed, openSQLite(t, path), openSQLite(t, path)}

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
		errs    = make(chan error, 16)
	)
	for _, h := range handles {
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func(s *SQLite) {
				defer wg.Done()
				for {
					job, err := s.PollAndLock(context.Background())
					if err != nil {
						errs <- err
						return
					}
					if job == nil {
						return
					}
					mu.Lock()
					claimed[job.ID]++
					mu.Unlock()
				}
			}(h)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("claim error: %v", err)
	}

	if len(claimed) != jobs {
		t.Fatalf("expected %d distinct claims, got %d", jobs, len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}
