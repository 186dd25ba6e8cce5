// Package engine runs the worker pool: it dequeues tasks, passes them
// through the per-provider politeness gate, executes the provider call, and
// acks the outcome back to the queue. One worker handles at most one task
// at a time; provider-level parallelism is bounded by the gate, not the
// pool size.
package engine

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"serialarr/internal/eventbus"
	"serialarr/internal/library"
	"serialarr/internal/model"
	"serialarr/internal/politeness"
	"serialarr/internal/provider"
	"serialarr/internal/queue"
	"serialarr/internal/retry"
	"serialarr/internal/runtime/supervisor"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

// Config tunes the pool.
type Config struct {
	// Workers is the pool size. Defaults to 4.
	Workers int
	// StaleAfter is how long a Running task may sit without an update
	// before the startup sweep reclaims it. Defaults to 10m.
	StaleAfter time.Duration
	// ReclaimDelay is how soon reclaimed tasks become eligible again.
	// Defaults to 30s.
	ReclaimDelay time.Duration
	// RefreshCheckedOnFailure also bumps a story's last-checked timestamp
	// when its check fails terminally. The scheduler keys its cadence off
	// the attempt timestamp either way; this only changes what operators
	// see as the last check.
	RefreshCheckedOnFailure bool
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 10 * time.Minute
	}
	if c.ReclaimDelay <= 0 {
		c.ReclaimDelay = 30 * time.Second
	}
	return c
}

// StoryEvent is the payload on every engine-published bus event.
type StoryEvent struct {
	StoryID      string `json:"story_id"`
	Title        string `json:"title"`
	Provider     string `json:"provider"`
	NewChapters  int    `json:"new_chapters,omitempty"`
	Ordinal      int    `json:"ordinal,omitempty"`
	ChapterTitle string `json:"chapter_title,omitempty"`
	Error        string `json:"error,omitempty"`
}

// TaskOutcome is the payload on task-settled bus events.
type TaskOutcome struct {
	TaskID    string            `json:"task_id"`
	Kind      model.TaskKind    `json:"kind"`
	StoryID   string            `json:"story_id"`
	Provider  string            `json:"provider"`
	Outcome   model.TaskState   `json:"outcome"`
	ErrorKind model.FailureKind `json:"error_kind,omitempty"`
	Attempts  int               `json:"attempts"`
	Duration  time.Duration     `json:"duration"`
}

// Engine owns the workers. Construct with New, then Start once.
type Engine struct {
	cfg    Config
	st     store.Store
	q      *queue.Queue
	gate   *politeness.Gate
	policy retry.Policy
	reg    *provider.Registry
	lib    *library.Library
	bus    eventbus.Bus
	log    logx.Logger
	clock  func() time.Time

	sup *supervisor.Supervisor

	inFlight  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

func New(cfg Config, st store.Store, q *queue.Queue, gate *politeness.Gate, policy retry.Policy, reg *provider.Registry, lib *library.Library, bus eventbus.Bus, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:    cfg.withDefaults(),
		st:     st,
		q:      q,
		gate:   gate,
		policy: policy,
		reg:    reg,
		lib:    lib,
		bus:    bus,
		log:    log,
		clock:  time.Now,
	}
}

// SetClock overrides the time source (tests).
func (e *Engine) SetClock(clock func() time.Time) { e.clock = clock }

// Start performs the crash-recovery sweep, restores the queue from the
// store, and launches the workers.
func (e *Engine) Start(ctx context.Context) error {
	now := e.clock()
	reclaimed, err := e.st.ReclaimStale(ctx, now.Add(-e.cfg.StaleAfter), now.Add(e.cfg.ReclaimDelay))
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		e.log.Warn("reclaimed stale running tasks", logx.Int("count", reclaimed))
	}
	if err := e.q.Restore(ctx); err != nil {
		return err
	}

	e.sup = supervisor.New(ctx, supervisor.WithLogger(e.log))
	for i := 0; i < e.cfg.Workers; i++ {
		e.sup.GoRestart("worker-"+strconv.Itoa(i), e.workerLoop)
	}
	e.log.Info("engine started", logx.Int("workers", e.cfg.Workers))
	return nil
}

// Stop closes the queue and waits for in-flight work to finish or ctx to
// expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.q.Close()
	if e.sup == nil {
		return nil
	}
	return e.sup.Stop(ctx)
}

func (e *Engine) workerLoop(ctx context.Context) error {
	for {
		t, err := e.q.Dequeue(ctx)
		if err != nil {
			switch err {
			case queue.ErrClosed, context.Canceled, context.DeadlineExceeded:
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			// Store trouble while dispatching. Back off rather than spin.
			e.log.Error("dequeue failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		e.inFlight.Add(1)
		e.execute(ctx, t)
		e.inFlight.Add(-1)
	}
}

// Snapshot is the engine's point-in-time view for the status surface.
type Snapshot struct {
	Workers   int            `json:"workers"`
	InFlight  int64          `json:"in_flight"`
	Processed int64          `json:"processed"`
	Succeeded int64          `json:"succeeded"`
	Failed    int64          `json:"failed"`
	Retried   int64          `json:"retried"`
	Depths    map[string]int `json:"queue_depths"`
	Providers map[string]int `json:"provider_in_flight"`
}

func (e *Engine) Snapshot() Snapshot {
	depths := map[string]int{}
	for state, n := range e.q.Depths() {
		depths[string(state)] = n
	}
	return Snapshot{
		Workers:   e.cfg.Workers,
		InFlight:  e.inFlight.Load(),
		Processed: e.processed.Load(),
		Succeeded: e.succeeded.Load(),
		Failed:    e.failed.Load(),
		Retried:   e.retried.Load(),
		Depths:    depths,
		Providers: e.gate.InFlight(),
	}
}

func taskKindField(t model.Task) logx.Field { return logx.String("kind", string(t.Kind)) }
