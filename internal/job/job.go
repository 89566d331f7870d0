// Package job tracks the state of background ingestion tasks. The
// Tracker is an explicitly owned registry passed to whoever runs the
// work; it holds no global state.
package job

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the job id is unknown to this tracker.
var ErrNotFound = errors.New("job not found")

// State is a job lifecycle state.
type State string

// Job states. Transitions only move forward: Pending to Running, then
// exactly one of the terminal states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCanceled
}

// Kind labels what a job does.
type Kind string

const (
	KindFile  Kind = "file"
	KindText  Kind = "text"
	KindURL   Kind = "url"
	KindCrawl Kind = "crawl"
)

// Job is a snapshot of one tracked task. Values returned by the
// tracker are copies; mutating them has no effect on tracked state.
type Job struct {
	ID        string
	Kind      Kind
	Source    string // filename, URL or document id the job works on
	State     State
	Stage     string // pipeline stage while running
	Reason    string // failure or cancellation reason
	Done      int      // items completed so far
	Total     int      // items expected, 0 when unknown
	Documents []string // ids of documents the job produced
	CreatedAt time.Time
	UpdatedAt time.Time
}

// snapshot returns a copy safe to hand out: the documents slice is
// detached so later appends cannot leak into it.
func (j Job) snapshot() Job {
	j.Documents = append([]string(nil), j.Documents...)
	return j
}

// Tracker is a concurrency-safe in-memory job registry.
type Tracker struct {
	mu   sync.Mutex
	jobs map[string]*Job
	now  func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

// Create registers a new pending job and returns its id.
func (t *Tracker) Create(kind Kind, source string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := uuid.NewString()
	now := t.now()
	t.jobs[id] = &Job{
		ID:        id,
		Kind:      kind,
		Source:    source,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id
}

// Get returns a snapshot of the job.
func (t *Tracker) Get(id string) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return j.snapshot(), nil
}

// List returns snapshots of all jobs, newest first.
func (t *Tracker) List() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Start moves a pending job to running. Starting a job in any other
// state is a no-op returning false; callers use this to honor a
// cancellation that happened before the work began.
func (t *Tracker) Start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.State != StatePending {
		return false
	}
	j.State = StateRunning
	j.UpdatedAt = t.now()
	return true
}

// Progress updates the running job's stage and counters. Updates to
// jobs in a terminal state are dropped so a late worker write cannot
// resurrect a finished job.
func (t *Tracker) Progress(id, stage string, done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.State.Terminal() {
		return
	}
	j.Stage = stage
	j.Done = done
	j.Total = total
	j.UpdatedAt = t.now()
}

// AddDocument records a document id produced by the job. Records
// against terminal jobs are dropped.
func (t *Tracker) AddDocument(id, docID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.State.Terminal() {
		return
	}
	j.Documents = append(j.Documents, docID)
	j.UpdatedAt = t.now()
}

// Succeed marks the job succeeded. Terminal states never change.
func (t *Tracker) Succeed(id string) {
	t.finish(id, StateSucceeded, "")
}

// Fail marks the job failed with a reason.
func (t *Tracker) Fail(id, reason string) {
	t.finish(id, StateFailed, reason)
}

// Cancel requests cancellation. A pending or running job becomes
// canceled; a finished job is left alone and Cancel reports false.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.State.Terminal() {
		return false
	}
	j.State = StateCanceled
	j.Reason = "canceled by request"
	j.UpdatedAt = t.now()
	return true
}

// Canceled reports whether the job has been canceled. Workers poll
// this between pipeline stages.
func (t *Tracker) Canceled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	return ok && j.State == StateCanceled
}

func (t *Tracker) finish(id string, state State, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, ok := t.jobs[id]
	if !ok || j.State.Terminal() {
		return
	}
	j.State = state
	j.Reason = reason
	j.UpdatedAt = t.now()
}

// Sweep removes terminal jobs whose last update is older than maxAge
// and returns how many were removed.
func (t *Tracker) Sweep(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-maxAge)
	removed := 0
	for id, j := range t.jobs {
		if j.State.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(t.jobs, id)
			removed++
		}
	}
	return removed
}
