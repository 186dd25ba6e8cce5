package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"serialarr/internal/model"
)

// Memory is a process-local Store used by tests and throwaway runs. It
// honors the same contract as the SQLite backend, including the open-task
// uniqueness behavior callers rely on.
type Memory struct {
	mu      sync.Mutex
	stories map[string]model.Story
	tasks   map[string]model.Task
	history []model.HistoryEntry
	histSeq int64
}

func NewMemory() *Memory {
	return &Memory{
		stories: map[string]model.Story{},
		tasks:   map[string]model.Task{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) PutStory(_ context.Context, s model.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if prev, ok := m.stories[s.ID]; ok {
		prev.Title = s.Title
		prev.Author = s.Author
		prev.Monitored = s.Monitored
		prev.UpdatedAt = now
		m.stories[s.ID] = prev
		return nil
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.stories[s.ID] = s
	return nil
}

func (m *Memory) GetStory(_ context.Context, id string) (model.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return model.Story{}, ErrNotFound
	}
	return s, nil
}

func (m *Memory) ListStories(_ context.Context) ([]model.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Story, 0, len(m.stories))
	for _, s := range m.stories {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) DeleteStory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stories[id]; !ok {
		return ErrNotFound
	}
	delete(m.stories, id)
	return nil
}

func (m *Memory) TouchStoryChecked(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return ErrNotFound
	}
	s.LastCheckedAt = at
	s.LastAttemptAt = at
	s.UpdatedAt = time.Now()
	m.stories[id] = s
	return nil
}

func (m *Memory) TouchStoryAttempt(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[id]
	if !ok {
		return ErrNotFound
	}
	s.LastAttemptAt = at
	s.UpdatedAt = time.Now()
	m.stories[id] = s
	return nil
}

func (m *Memory) AdvanceStoryMarker(_ context.Context, storyID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stories[storyID]
	if !ok {
		return 0, ErrNotFound
	}

	succeeded := map[int]bool{}
	for _, t := range m.tasks {
		if t.StoryID == storyID && t.Kind == model.TaskDownloadChapter && t.State == model.TaskSucceeded {
			succeeded[t.Ordinal] = true
		}
	}
	mark := s.ChapterMark
	for succeeded[mark+1] {
		mark++
	}
	if mark != s.ChapterMark {
		s.ChapterMark = mark
		s.UpdatedAt = time.Now()
		m.stories[storyID] = s
	}
	return mark, nil
}

func (m *Memory) SaveTask(_ context.Context, t model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.UpdatedAt = time.Now()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) ListOpenTasks(_ context.Context) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Task
	for _, t := range m.tasks {
		if !t.State.Terminal() {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ReclaimStale(_ context.Context, cutoff, nextEligible time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.State == model.TaskRunning && t.UpdatedAt.Before(cutoff) {
			t.State = model.TaskRetrying
			t.NextEligibleAt = nextEligible
			t.UpdatedAt = time.Now()
			m.tasks[id] = t
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendHistory(_ context.Context, e model.HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.histSeq++
	e.ID = m.histSeq
	m.history = append(m.history, e)
	return nil
}

func (m *Memory) RecentHistory(_ context.Context, limit int) ([]model.HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 100
	}
	n := len(m.history)
	if limit > n {
		limit = n
	}
	out := make([]model.HistoryEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.history[i])
	}
	return out, nil
}
