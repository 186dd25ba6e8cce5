// Package queue holds the pending work set: an ordered, deduplicated queue
// of update-check and chapter-download tasks, write-through persisted so a
// restart can rebuild it.
//
// The uniqueness invariant lives here: at most one non-terminal task per
// (story, kind, ordinal). Enqueueing a duplicate is an idempotent no-op,
// which is what makes the scheduler's Tick safe to re-run.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"serialarr/internal/model"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

var (
	ErrClosed      = errors.New("task queue closed")
	ErrUnknownTask = errors.New("unknown task id")
	ErrNotRunning  = errors.New("task is not running")
)

// Outcome is the result a worker reports through Ack.
type Outcome struct {
	State      model.TaskState // Succeeded, Retrying, Failed or Cancelled
	RetryAfter time.Duration   // only for Retrying
	ErrorKind  model.FailureKind
	Error      string
}

type entry struct {
	task *model.Task
	seq  uint64
}

// Queue is safe for concurrent use. All task state transitions flow through
// Enqueue/Dequeue/Ack, each persisting before mutating the in-memory view,
// so the store never lags behind what workers observe.
type Queue struct {
	mu     sync.Mutex
	st     store.Store
	log    logx.Logger
	clock  func() time.Time
	closed bool

	byKey   map[model.TaskKey]string
	byID    map[string]*model.Task
	pending []entry // sorted by (NextEligibleAt, seq)
	seq     uint64

	// wake is closed and replaced to broadcast to every blocked Dequeue.
	wake chan struct{}
}

func New(st store.Store, log logx.Logger) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Queue{
		st:    st,
		log:   log,
		clock: time.Now,
		byKey: map[model.TaskKey]string{},
		byID:  map[string]*model.Task{},
		wake:  make(chan struct{}),
	}
}

// SetClock overrides the time source (tests).
func (q *Queue) SetClock(clock func() time.Time) { q.clock = clock }

// Restore loads open tasks from the store into the in-memory queue.
// Pending/Retrying tasks become dispatchable again; Running tasks stay out
// of the dispatch order (the startup sweep flips stale ones to Retrying
// before Restore runs).
func (q *Queue) Restore(ctx context.Context) error {
	tasks, err := q.st.ListOpenTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading open tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range tasks {
		t := tasks[i]
		if _, dup := q.byKey[t.Key()]; dup {
			continue
		}
		tc := t
		q.byKey[tc.Key()] = tc.ID
		q.byID[tc.ID] = &tc
		if tc.State == model.TaskPending || tc.State == model.TaskRetrying {
			q.insertLocked(&tc)
		}
	}
	q.log.Info("task queue restored", logx.Int("open", len(tasks)))
	return nil
}

// Enqueue inserts a task unless an equivalent non-terminal task already
// exists. The bool reports whether the task was actually inserted. The key
// is reserved before the store write, so concurrent enqueues of the same
// key race on the map, not on the store; on store failure the reservation
// is rolled back and nothing is half-created.
func (q *Queue) Enqueue(ctx context.Context, t model.Task) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.State = model.TaskPending
	now := q.clock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.NextEligibleAt.IsZero() {
		t.NextEligibleAt = now
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, ErrClosed
	}
	if _, dup := q.byKey[t.Key()]; dup {
		q.mu.Unlock()
		return false, nil
	}
	q.byKey[t.Key()] = t.ID
	q.mu.Unlock()

	if err := q.st.SaveTask(ctx, t); err != nil {
		q.mu.Lock()
		if q.byKey[t.Key()] == t.ID {
			delete(q.byKey, t.Key())
		}
		q.mu.Unlock()
		return false, fmt.Errorf("persisting task: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	tc := t
	q.byID[tc.ID] = &tc
	q.insertLocked(&tc)
	q.wakeUp()
	return true, nil
}

// Dequeue blocks until a task is eligible (next-eligible-at reached) or ctx
// is done. The returned task is transitioned to Running with its attempt
// count incremented, persisted before it is handed out.
func (q *Queue) Dequeue(ctx context.Context) (model.Task, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return model.Task{}, ErrClosed
		}
		now := q.clock()
		if len(q.pending) > 0 && !q.pending[0].task.NextEligibleAt.After(now) {
			e := q.pending[0]
			q.pending = q.pending[1:]
			t := e.task
			prevState := t.State
			t.State = model.TaskRunning
			t.Attempts++
			snapshot := *t
			q.mu.Unlock()

			if err := q.st.SaveTask(ctx, snapshot); err != nil {
				// Infrastructure trouble: put the task back untouched and
				// surface the error so the worker can back off.
				q.mu.Lock()
				t.State = prevState
				t.Attempts--
				q.insertLocked(t)
				q.mu.Unlock()
				return model.Task{}, fmt.Errorf("persisting running state: %w", err)
			}
			return snapshot, nil
		}

		var (
			timer *time.Timer
			wait  <-chan time.Time
		)
		if len(q.pending) > 0 {
			timer = time.NewTimer(q.pending[0].task.NextEligibleAt.Sub(now))
			wait = timer.C
		}
		wakeCh := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return model.Task{}, ctx.Err()
		case <-wakeCh:
		case <-wait:
		}
		// Stopped per iteration: Dequeue may loop through many wake
		// cycles before it returns.
		if timer != nil {
			timer.Stop()
		}
	}
}

// Ack finishes one execution attempt. Terminal outcomes remove the task
// from the open set (freeing its key); Retrying re-inserts it with the
// backoff-computed eligibility. Ack persists first; if the store is down
// the task stays Running and the error propagates so the caller leaves it
// for the startup sweep.
func (q *Queue) Ack(ctx context.Context, taskID string, out Outcome) (model.Task, error) {
	q.mu.Lock()
	t, ok := q.byID[taskID]
	if !ok {
		q.mu.Unlock()
		return model.Task{}, ErrUnknownTask
	}
	if t.State != model.TaskRunning {
		q.mu.Unlock()
		return model.Task{}, ErrNotRunning
	}

	updated := *t
	updated.State = out.State
	updated.LastErrorKind = out.ErrorKind
	updated.LastError = out.Error
	if out.State == model.TaskRetrying {
		updated.NextEligibleAt = q.clock().Add(out.RetryAfter)
	}
	q.mu.Unlock()

	if err := q.st.SaveTask(ctx, updated); err != nil {
		return model.Task{}, fmt.Errorf("persisting outcome: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	*t = updated
	if updated.State.Terminal() {
		delete(q.byKey, t.Key())
		delete(q.byID, t.ID)
	} else if updated.State == model.TaskRetrying {
		q.insertLocked(t)
		q.wakeUp()
	}
	return updated, nil
}

// Depths reports open-task counts by state for the status surface.
func (q *Queue) Depths() map[model.TaskState]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[model.TaskState]int{}
	for _, t := range q.byID {
		out[t.State]++
	}
	return out
}

// OpenTasks returns a copy of every non-terminal task.
func (q *Queue) OpenTasks() []model.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.Task, 0, len(q.byID))
	for _, t := range q.byID {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// HasRunningCheck reports whether a check-update task for the story is
// currently Running. This is the derived check-in-progress flag.
func (q *Queue) HasRunningCheck(storyID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.byKey[model.TaskKey{StoryID: storyID, Kind: model.TaskCheckUpdate}]
	if !ok {
		return false
	}
	t := q.byID[id]
	return t != nil && t.State == model.TaskRunning
}

// Close stops handing out tasks. In-flight tasks can still be acked.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.wakeUp()
	q.mu.Unlock()
}

func (q *Queue) insertLocked(t *model.Task) {
	q.seq++
	e := entry{task: t, seq: q.seq}
	i := sort.Search(len(q.pending), func(i int) bool {
		pi := q.pending[i]
		if !pi.task.NextEligibleAt.Equal(t.NextEligibleAt) {
			return pi.task.NextEligibleAt.After(t.NextEligibleAt)
		}
		return pi.seq > e.seq
	})
	q.pending = append(q.pending, entry{})
	copy(q.pending[i+1:], q.pending[i:])
	q.pending[i] = e
}

func (q *Queue) wakeUp() {
	close(q.wake)
	q.wake = make(chan struct{})
}
