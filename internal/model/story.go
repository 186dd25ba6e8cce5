// Package model holds the shared domain types: tracked stories, tasks and
// their lifecycle states, failure kinds, and history entries.
package model

import "time"

// Story is a tracked serial. The chapter marker is the highest chapter
// ordinal known to be downloaded; update checks compare the remote chapter
// count against it.
//
// A story's "check in progress" flag is not stored anywhere: it is derived
// from the existence of a Running check-update task, so it can never drift
// from queue state (and survives restarts for free).
type Story struct {
	ID        string
	Provider  string
	SourceURL string
	Title     string
	Author    string
	Monitored bool

	// ChapterMark is the highest contiguous chapter ordinal whose download
	// succeeded. It only advances, and only through the task transition path.
	ChapterMark int

	// LastCheckedAt is when the last check completed successfully.
	// LastAttemptAt also covers checks that failed terminally; the
	// scheduler gates cadence on it, so a broken story waits for its next
	// slot instead of being re-checked every tick.
	LastCheckedAt time.Time
	LastAttemptAt time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// StoryStatus is the read-only per-story view exposed to the presentation
// layer.
type StoryStatus struct {
	Story
	CheckInProgress bool `json:"check_in_progress"`
}
