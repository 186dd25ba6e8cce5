package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"serialarr/internal/eventbus"
	"serialarr/internal/model"
	"serialarr/internal/provider"
	"serialarr/internal/queue"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

func (e *Engine) execute(ctx context.Context, t model.Task) {
	start := e.clock()

	story, err := e.st.GetStory(ctx, t.StoryID)
	if errors.Is(err, store.ErrNotFound) {
		// Story was removed while the task waited; nothing left to do.
		e.settle(ctx, t, start, queue.Outcome{
			State: model.TaskCancelled,
			Error: "story no longer tracked",
		})
		return
	}
	if err != nil {
		e.leaveForReclaim(t, fmt.Errorf("loading story: %w", err))
		return
	}

	src, ok := e.reg.ByKey(t.Provider)
	if !ok {
		e.settle(ctx, t, start, queue.Outcome{
			State:     model.TaskFailed,
			ErrorKind: model.FailureStructural,
			Error:     "provider not registered: " + t.Provider,
		})
		return
	}

	if err := e.gate.Acquire(ctx, t.Provider); err != nil {
		// Shutdown while waiting for a slot. The task stays Running and is
		// reclaimed on the next start.
		return
	}
	runErr := e.runGuarded(ctx, &t, story, src)
	e.gate.Release(t.Provider)

	if runErr == nil {
		e.settle(ctx, t, start, queue.Outcome{State: model.TaskSucceeded})
		e.afterSuccess(ctx, t, story)
		return
	}

	kind := provider.KindOf(runErr)
	if kind == model.FailureInternal {
		e.leaveForReclaim(t, runErr)
		return
	}

	d := e.policy.Decide(t.Attempts, kind)
	out := queue.Outcome{ErrorKind: kind, Error: runErr.Error()}
	if d.Retry {
		out.State = model.TaskRetrying
		out.RetryAfter = d.After
	} else {
		out.State = model.TaskFailed
	}
	e.settle(ctx, t, start, out)
	if out.State == model.TaskFailed {
		e.afterFailure(ctx, t, story, kind, runErr)
	}
}

// runGuarded dispatches by kind and converts panics in provider code into
// Structural failures so one broken scraper can't take a worker down.
func (e *Engine) runGuarded(ctx context.Context, t *model.Task, story model.Story, src provider.Source) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = provider.Structural(fmt.Errorf("panic: %v", r))
			e.log.Error("task panicked",
				logx.String("task", t.ID),
				taskKindField(*t),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	switch t.Kind {
	case model.TaskCheckUpdate:
		return e.runCheck(ctx, t, story, src)
	case model.TaskDownloadChapter:
		return e.runDownload(ctx, t, story, src)
	default:
		return provider.Structural(fmt.Errorf("unknown task kind %q", t.Kind))
	}
}

// runCheck fetches current metadata, refreshes stored story attributes, and
// enqueues one download task per chapter past the marker, in ascending
// ordinal order.
func (e *Engine) runCheck(ctx context.Context, t *model.Task, story model.Story, src provider.Source) error {
	info, err := src.Metadata(ctx, story.SourceURL)
	if err != nil {
		return err
	}

	now := e.clock()
	if info.Title != "" && (info.Title != story.Title || info.Author != story.Author) {
		story.Title = info.Title
		story.Author = info.Author
		if err := e.st.PutStory(ctx, story); err != nil {
			return provider.Internal(fmt.Errorf("updating story metadata: %w", err))
		}
	}

	var enqueued int
	for _, ref := range info.Chapters {
		if ref.Ordinal <= story.ChapterMark {
			continue
		}
		ok, err := e.q.Enqueue(ctx, model.Task{
			Kind:         model.TaskDownloadChapter,
			StoryID:      story.ID,
			Provider:     story.Provider,
			Ordinal:      ref.Ordinal,
			ChapterURL:   ref.URL,
			ChapterTitle: ref.Title,
		})
		if err != nil {
			return provider.Internal(fmt.Errorf("enqueueing chapter %d: %w", ref.Ordinal, err))
		}
		if ok {
			enqueued++
		}
	}

	if err := e.st.TouchStoryChecked(ctx, story.ID, now); err != nil {
		return provider.Internal(fmt.Errorf("recording check time: %w", err))
	}

	if enqueued > 0 {
		e.log.Info("new chapters found",
			logx.String("story", story.ID),
			logx.String("title", story.Title),
			logx.Int("count", enqueued))
		e.bus.Publish(eventbus.Event{Type: eventbus.EventNewChaptersFound, Data: StoryEvent{
			StoryID:     story.ID,
			Title:       story.Title,
			Provider:    story.Provider,
			NewChapters: enqueued,
		}})
	} else {
		e.log.Debug("no new chapters", logx.String("story", story.ID))
	}
	return nil
}

// runDownload fetches one chapter and writes it to the library. The chapter
// marker is advanced separately, after the success is acked, so it only
// ever reflects persisted task state.
func (e *Engine) runDownload(ctx context.Context, t *model.Task, story model.Story, src provider.Source) error {
	e.bus.Publish(eventbus.Event{Type: eventbus.EventDownloadStarted, Data: StoryEvent{
		StoryID:      story.ID,
		Title:        story.Title,
		Provider:     story.Provider,
		Ordinal:      t.Ordinal,
		ChapterTitle: t.ChapterTitle,
	}})

	ch, err := src.Chapter(ctx, provider.ChapterRef{
		Ordinal: t.Ordinal,
		Title:   t.ChapterTitle,
		URL:     t.ChapterURL,
	})
	if err != nil {
		return err
	}

	if _, err := e.lib.SaveChapter(story, t.Ordinal, ch); err != nil {
		return provider.Internal(fmt.Errorf("writing chapter to library: %w", err))
	}
	return nil
}

// settle acks the task, records counters and history, and publishes
// failure events. It is the single funnel for every non-internal outcome.
func (e *Engine) settle(ctx context.Context, t model.Task, start time.Time, out queue.Outcome) {
	acked, err := e.q.Ack(ctx, t.ID, out)
	if err != nil {
		// Store down at the ack: the task stays Running for the sweep.
		e.log.Error("ack failed", logx.String("task", t.ID), logx.Err(err))
		return
	}

	e.processed.Add(1)
	switch acked.State {
	case model.TaskSucceeded:
		e.succeeded.Add(1)
	case model.TaskRetrying:
		e.retried.Add(1)
		e.log.Warn("task will retry",
			logx.String("task", acked.ID),
			taskKindField(acked),
			logx.String("story", acked.StoryID),
			logx.Int("attempt", acked.Attempts),
			logx.String("error_kind", string(acked.LastErrorKind)),
			logx.String("err", acked.LastError),
			logx.Time("next_eligible", acked.NextEligibleAt))
	case model.TaskFailed:
		e.failed.Add(1)
	}

	entry := model.HistoryEntry{
		At:        e.clock(),
		TaskID:    acked.ID,
		StoryID:   acked.StoryID,
		Kind:      acked.Kind,
		Ordinal:   acked.Ordinal,
		Outcome:   acked.State,
		Attempts:  acked.Attempts,
		ErrorKind: acked.LastErrorKind,
		Detail:    acked.LastError,
		Duration:  e.clock().Sub(start),
	}
	if err := e.st.AppendHistory(ctx, entry); err != nil {
		e.log.Warn("history append failed", logx.Err(err))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.EventTaskSettled, Data: TaskOutcome{
		TaskID:    acked.ID,
		Kind:      acked.Kind,
		StoryID:   acked.StoryID,
		Provider:  acked.Provider,
		Outcome:   acked.State,
		ErrorKind: acked.LastErrorKind,
		Attempts:  acked.Attempts,
		Duration:  entry.Duration,
	}})
}

// afterSuccess handles post-ack bookkeeping for succeeded tasks. Marker
// advancement happens here because it must observe the acked Succeeded row.
func (e *Engine) afterSuccess(ctx context.Context, t model.Task, story model.Story) {
	if t.Kind != model.TaskDownloadChapter {
		return
	}
	mark, err := e.st.AdvanceStoryMarker(ctx, story.ID)
	if err != nil {
		e.log.Error("marker advance failed", logx.String("story", story.ID), logx.Err(err))
	} else if mark > story.ChapterMark {
		e.log.Info("chapter marker advanced",
			logx.String("story", story.ID),
			logx.Int("mark", mark))
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.EventDownloadFinished, Data: StoryEvent{
		StoryID:      story.ID,
		Title:        story.Title,
		Provider:     story.Provider,
		Ordinal:      t.Ordinal,
		ChapterTitle: t.ChapterTitle,
	}})
}

func (e *Engine) afterFailure(ctx context.Context, t model.Task, story model.Story, kind model.FailureKind, runErr error) {
	e.log.Warn("task failed",
		logx.String("task", t.ID),
		taskKindField(t),
		logx.String("story", t.StoryID),
		logx.Int("attempts", t.Attempts),
		logx.String("error_kind", string(kind)),
		logx.Err(runErr))

	switch t.Kind {
	case model.TaskCheckUpdate:
		// The attempt timestamp always moves so the scheduler treats the
		// failed check as consuming this interval's slot. Whether the
		// operator-facing checked time also moves is policy.
		touch := e.st.TouchStoryAttempt
		if e.cfg.RefreshCheckedOnFailure {
			touch = e.st.TouchStoryChecked
		}
		if err := touch(ctx, story.ID, e.clock()); err != nil {
			e.log.Warn("recording failed check time", logx.Err(err))
		}
	case model.TaskDownloadChapter:
		e.bus.Publish(eventbus.Event{Type: eventbus.EventDownloadFailed, Data: StoryEvent{
			StoryID:      story.ID,
			Title:        story.Title,
			Provider:     story.Provider,
			Ordinal:      t.Ordinal,
			ChapterTitle: t.ChapterTitle,
			Error:        runErr.Error(),
		}})
	}
}

// leaveForReclaim logs an infrastructure failure and deliberately does not
// ack: the task stays Running and the next startup sweep makes it Retrying.
func (e *Engine) leaveForReclaim(t model.Task, err error) {
	e.log.Error("infrastructure failure, task left for reclaim",
		logx.String("task", t.ID),
		taskKindField(t),
		logx.String("story", t.StoryID),
		logx.Err(err))
}
