package model

import "time"

type TaskKind string

const (
	TaskCheckUpdate     TaskKind = "check-update"
	TaskDownloadChapter TaskKind = "download-chapter"
)

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskRetrying  TaskState = "retrying"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state ends a task's lifecycle.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// FailureKind classifies why a provider call (or task) failed. The retry
// policy consumes this taxonomy; providers must map their own errors into it
// rather than leaking site-specific representations.
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureTransient covers timeouts, 5xx, and rate-limit responses.
	FailureTransient FailureKind = "transient"
	// FailureStructural means the response no longer matches the expected
	// layout: the scraper needs attention, retrying won't help.
	FailureStructural FailureKind = "structural"
	// FailureAuth means expired or invalid session/credentials.
	FailureAuth FailureKind = "auth"
	// FailureInternal means our own infrastructure (store, filesystem)
	// failed. Tasks are left unacked for reclaim instead of being failed.
	FailureInternal FailureKind = "internal"
)

// TaskKey identifies the unit of deduplication: at most one non-terminal
// task may exist per key.
type TaskKey struct {
	StoryID string
	Kind    TaskKind
	Ordinal int
}

// Task is a schedulable unit of work: either an update check for a story or
// the download of one chapter.
type Task struct {
	ID       string
	Kind     TaskKind
	StoryID  string
	Provider string

	// Ordinal is the 1-based chapter index for download tasks, 0 for checks.
	Ordinal      int
	ChapterURL   string
	ChapterTitle string

	Attempts      int
	State         TaskState
	LastErrorKind FailureKind
	LastError     string

	CreatedAt      time.Time
	NextEligibleAt time.Time
	UpdatedAt      time.Time
}

func (t Task) Key() TaskKey {
	return TaskKey{StoryID: t.StoryID, Kind: t.Kind, Ordinal: t.Ordinal}
}

// HistoryEntry records one terminal-or-retrying task outcome for operators.
type HistoryEntry struct {
	ID        int64         `json:"id"`
	At        time.Time     `json:"at"`
	TaskID    string        `json:"task_id"`
	StoryID   string        `json:"story_id"`
	Kind      TaskKind      `json:"kind"`
	Ordinal   int           `json:"ordinal"`
	Outcome   TaskState     `json:"outcome"`
	Attempts  int           `json:"attempts"`
	ErrorKind FailureKind   `json:"error_kind,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Duration  time.Duration `json:"duration"`
}
