// Package scheduler decides when each monitored story gets an update check.
// Checks are staggered: every story hashes to a fixed offset within the
// check interval, so a thousand stories spread over the whole hour instead
// of stampeding a provider at minute zero.
package scheduler

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/robfig/cron/v3"

	"serialarr/internal/model"
	"serialarr/internal/queue"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

// Config tunes the scheduler.
type Config struct {
	// Interval is how often each story is checked. Defaults to 1h.
	Interval time.Duration
	// Resolution is the tick cadence. Defaults to 1m.
	Resolution time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Resolution <= 0 {
		c.Resolution = time.Minute
	}
	return c
}

// Scheduler enqueues check-update tasks. It keeps no memory of what it has
// enqueued: idempotence comes from the queue's key dedup plus the stories'
// last-checked timestamps, so a restarted process never double-schedules.
type Scheduler struct {
	cfg  Config
	st   store.Store
	q    *queue.Queue
	log  logx.Logger
	cron *cron.Cron
}

func New(cfg Config, st store.Store, q *queue.Queue, log logx.Logger) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{cfg: cfg.withDefaults(), st: st, q: q, log: log}
}

// Start begins ticking in the background. Stop with Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron = cron.New()
	s.cron.Schedule(cron.Every(s.cfg.Resolution), cron.FuncJob(func() {
		if err := s.Tick(ctx, time.Now()); err != nil && ctx.Err() == nil {
			s.log.Error("scheduler tick failed", logx.Err(err))
		}
	}))
	s.cron.Start()
	s.log.Info("scheduler started",
		logx.Duration("interval", s.cfg.Interval),
		logx.Duration("resolution", s.cfg.Resolution))
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Tick enqueues a check for every monitored story whose slot in the current
// interval has arrived and which has not been checked since that slot.
// Safe to call repeatedly with the same timestamp.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	stories, err := s.st.ListStories(ctx)
	if err != nil {
		return err
	}

	var enqueued int
	for _, story := range stories {
		if !story.Monitored {
			continue
		}
		slot := s.slotFor(story.ID, now)
		if now.Before(slot) {
			// Slot not reached yet this interval; the story is due if it
			// also missed the previous one.
			slot = slot.Add(-s.cfg.Interval)
		}
		// A terminally failed check counts as this slot's attempt, so a
		// broken story is retried next interval, not next tick.
		last := story.LastCheckedAt
		if story.LastAttemptAt.After(last) {
			last = story.LastAttemptAt
		}
		if !last.Before(slot) {
			continue
		}
		ok, err := s.q.Enqueue(ctx, model.Task{
			Kind:     model.TaskCheckUpdate,
			StoryID:  story.ID,
			Provider: story.Provider,
		})
		if err != nil {
			return err
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.log.Debug("checks scheduled", logx.Int("count", enqueued))
	}
	return nil
}

// ForceCheck enqueues an immediate check regardless of the story's slot.
// The bool reports whether a new task was created (false when a check is
// already queued or running).
func (s *Scheduler) ForceCheck(ctx context.Context, story model.Story) (bool, error) {
	return s.q.Enqueue(ctx, model.Task{
		Kind:     model.TaskCheckUpdate,
		StoryID:  story.ID,
		Provider: story.Provider,
	})
}

// slotFor returns the story's check time within the interval containing
// now. The offset is a stable hash of the story ID, so a story keeps the
// same slot across restarts.
func (s *Scheduler) slotFor(storyID string, now time.Time) time.Time {
	h := fnv.New64a()
	h.Write([]byte(storyID))
	offset := time.Duration(h.Sum64() % uint64(s.cfg.Interval))
	return now.Truncate(s.cfg.Interval).Add(offset)
}
