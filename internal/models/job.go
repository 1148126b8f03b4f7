package models

import (
	"fmt"
	"time"
)

// State enumerates job lifecycle states persisted in the store.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateDead       State = "dead"
)

// States lists every state in display order.
var States = []State{StatePending, StateProcessing, StateCompleted, StateFailed, StateDead}

// ParseState validates a user supplied state name.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}

// Priority values accepted at enqueue.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Job represents a shell command persisted in the jobs table.
type Job struct {
	ID         string     `json:"id"`
	Command    string     `json:"command"`
	State      State      `json:"state"`
	Attempts   int        `json:"attempts"`
	MaxRetries int        `json:"max_retries"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LockedAt   *time.Time `json:"locked_at,omitempty"`
	TimeoutMS  int64      `json:"timeout"`
	RunAfter   time.Time  `json:"run_after"`
	Priority   int        `json:"priority"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
}

// Timeout is the execution limit and lease length of the job.
func (j Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutMS) * time.Millisecond
}

// LeaseExpired reports whether the job's lease, if any, ended before now.
func (j Job) LeaseExpired(now time.Time) bool {
	if j.LockedAt == nil {
		return true
	}
	return j.LockedAt.Add(j.Timeout()).Before(now)
}

// JobPatch is a partial update. Nil fields are left unchanged; the lease is
// only touched when LockedAt is set or ReleaseLock is true.
type JobPatch struct {
	State       *State
	Attempts    *int
	MaxRetries  *int
	TimeoutMS   *int64
	RunAfter    *time.Time
	LockedAt    *time.Time
	ReleaseLock bool
}

// Event is a row of a job's history.
type Event struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Ptr returns a pointer to v, handy when building patches.
func Ptr[T any](v T) *T {
	return &v
}
