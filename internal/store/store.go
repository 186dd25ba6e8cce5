// Package store is the persistence collaborator. The orchestration core
// never issues raw queries; it talks to this narrow interface, which the
// SQLite and in-memory backends implement.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"serialarr/internal/model"
	"serialarr/pkg/logx"
)

var (
	ErrNotFound = errors.New("not found")
	ErrDisabled = errors.New("storage disabled")
)

// Config configures the backend.
//
// Driver values:
//   - "sqlite": SQLite database file (the default for deployments)
//   - "memory": process-local store (tests, throwaway runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API the core writes task lifecycles through.
type Store interface {
	// Stories.
	PutStory(ctx context.Context, s model.Story) error
	GetStory(ctx context.Context, id string) (model.Story, error)
	ListStories(ctx context.Context) ([]model.Story, error)
	// DeleteStory removes the story row. Open tasks pointing at it are not
	// touched; they cancel themselves on next dispatch.
	DeleteStory(ctx context.Context, id string) error
	// TouchStoryChecked refreshes both the last-checked and last-attempt
	// timestamps after a successful check.
	TouchStoryChecked(ctx context.Context, id string, at time.Time) error
	// TouchStoryAttempt refreshes only the last-attempt timestamp. The
	// scheduler keys its cadence off this, so a terminally failed check
	// still consumes the story's slot.
	TouchStoryAttempt(ctx context.Context, id string, at time.Time) error
	// AdvanceStoryMarker moves the chapter marker forward over contiguous
	// succeeded download tasks and returns the new marker. The marker never
	// skips a chapter whose download hasn't succeeded yet.
	AdvanceStoryMarker(ctx context.Context, storyID string) (int, error)

	// Tasks.
	SaveTask(ctx context.Context, t model.Task) error
	// ListOpenTasks returns all non-terminal tasks, oldest first.
	ListOpenTasks(ctx context.Context) ([]model.Task, error)
	// ReclaimStale flips Running tasks last updated before cutoff to
	// Retrying, eligible at nextEligible. Called once at startup so work
	// interrupted by a crash or kill is picked up again.
	ReclaimStale(ctx context.Context, cutoff, nextEligible time.Time) (int, error)

	// History.
	AppendHistory(ctx context.Context, e model.HistoryEntry) error
	RecentHistory(ctx context.Context, limit int) ([]model.HistoryEntry, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
