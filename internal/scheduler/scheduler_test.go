package scheduler

import (
	"context"
	"testing"
	"time"

	"serialarr/internal/model"
	"serialarr/internal/queue"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

func newTestScheduler(t *testing.T, interval time.Duration) (*Scheduler, *store.Memory, *queue.Queue) {
	t.Helper()
	st := store.NewMemory()
	q := queue.New(st, logx.Nop())
	s := New(Config{Interval: interval}, st, q, logx.Nop())
	return s, st, q
}

func track(t *testing.T, st store.Store, id string, lastChecked time.Time) {
	t.Helper()
	err := st.PutStory(context.Background(), model.Story{
		ID: id, Provider: "royalroad",
		SourceURL: "https://www.royalroad.com/fiction/1/" + id,
		Monitored: true, LastCheckedAt: lastChecked,
	})
	if err != nil {
		t.Fatalf("tracking %s: %v", id, err)
	}
}

func TestTickEnqueuesDueStories(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()

	// Never checked: due as soon as the slot passes.
	track(t, st, "s1", time.Time{})

	// Late enough in the interval that every slot has passed.
	now := time.Date(2026, 3, 1, 12, 59, 59, 0, time.UTC)
	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	open := q.OpenTasks()
	if len(open) != 1 {
		t.Fatalf("open tasks = %d, want 1", len(open))
	}
	if open[0].Kind != model.TaskCheckUpdate || open[0].StoryID != "s1" {
		t.Fatalf("unexpected task %+v", open[0])
	}
}

func TestTickIsIdempotent(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()

	track(t, st, "s1", time.Time{})
	now := time.Date(2026, 3, 1, 12, 59, 59, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.Tick(ctx, now); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if got := len(q.OpenTasks()); got != 1 {
		t.Fatalf("open tasks = %d after repeated ticks, want 1", got)
	}
}

func TestTickSkipsRecentlyChecked(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 59, 59, 0, time.UTC)

	// Checked at tick time: no slot in this interval can be newer, so the
	// story is not due again until the next interval.
	track(t, st, "s1", now)
	if err := s.Tick(ctx, now); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(q.OpenTasks()); got != 0 {
		t.Fatalf("open tasks = %d, want 0", got)
	}

	// Next interval: due again.
	next := now.Add(time.Hour)
	if err := s.Tick(ctx, next); err != nil {
		t.Fatalf("next tick: %v", err)
	}
	if got := len(q.OpenTasks()); got != 1 {
		t.Fatalf("open tasks = %d in next interval, want 1", got)
	}
}

func TestTickDefersFailedStoryToNextInterval(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	slot := s.slotFor("s1", base)
	intervalEnd := base.Add(time.Hour)

	// A check that failed terminally never refreshed LastCheckedAt, but it
	// did record an attempt. That attempt consumes this interval's slot.
	err := st.PutStory(ctx, model.Story{
		ID: "s1", Provider: "royalroad",
		SourceURL: "https://www.royalroad.com/fiction/1/s1",
		Monitored: true, LastAttemptAt: slot,
	})
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}

	// Ticks between the slot and the end of the interval must all skip.
	mid := slot.Add(intervalEnd.Sub(slot) / 2)
	for _, tick := range []time.Time{slot, mid, intervalEnd.Add(-time.Second)} {
		if err := s.Tick(ctx, tick); err != nil {
			t.Fatalf("tick at %v: %v", tick, err)
		}
	}
	if got := len(q.OpenTasks()); got != 0 {
		t.Fatalf("open tasks = %d, broken story re-checked inside its interval", got)
	}

	if err := s.Tick(ctx, slot.Add(time.Hour)); err != nil {
		t.Fatalf("next interval tick: %v", err)
	}
	if got := len(q.OpenTasks()); got != 1 {
		t.Fatalf("open tasks = %d in next interval, want 1", got)
	}
}

func TestTickSkipsUnmonitored(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()

	err := st.PutStory(ctx, model.Story{
		ID: "paused", Provider: "royalroad",
		SourceURL: "https://www.royalroad.com/fiction/1/paused",
		Monitored: false,
	})
	if err != nil {
		t.Fatalf("tracking: %v", err)
	}
	if err := s.Tick(ctx, time.Date(2026, 3, 1, 12, 59, 59, 0, time.UTC)); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := len(q.OpenTasks()); got != 0 {
		t.Fatalf("unmonitored story scheduled: %d tasks", got)
	}
}

func TestSlotsAreStableAndSpread(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestScheduler(t, time.Hour)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a1 := s.slotFor("story-a", now)
	a2 := s.slotFor("story-a", now.Add(10*time.Minute))
	if !a1.Equal(a2) {
		t.Fatalf("slot moved within the interval: %v vs %v", a1, a2)
	}

	// Distinct stories should not all land on the same instant. With an
	// hour-long interval and a 64-bit hash a collision across three IDs
	// would point at a broken offset computation.
	b := s.slotFor("story-b", now)
	c := s.slotFor("story-c", now)
	if a1.Equal(b) && b.Equal(c) {
		t.Fatalf("all slots identical: %v", a1)
	}

	for _, slot := range []time.Time{a1, b, c} {
		if slot.Before(now) || !slot.Before(now.Add(time.Hour)) {
			t.Fatalf("slot %v outside interval [%v, %v)", slot, now, now.Add(time.Hour))
		}
	}
}

func TestForceCheckBypassesSlot(t *testing.T) {
	t.Parallel()
	s, st, q := newTestScheduler(t, time.Hour)
	ctx := context.Background()

	track(t, st, "s1", time.Now())
	story, err := st.GetStory(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	created, err := s.ForceCheck(ctx, story)
	if err != nil || !created {
		t.Fatalf("force check: created=%v err=%v", created, err)
	}
	// A second force while the first is queued is deduplicated.
	created, err = s.ForceCheck(ctx, story)
	if err != nil {
		t.Fatalf("second force check: %v", err)
	}
	if created {
		t.Fatal("duplicate force check should not create a task")
	}
	if got := len(q.OpenTasks()); got != 1 {
		t.Fatalf("open tasks = %d, want 1", got)
	}
}
