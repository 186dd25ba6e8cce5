// Package provider defines the capability contract each source site
// implements, plus the failure taxonomy the rest of the system consumes.
package provider

import (
	"context"
	"time"
)

// Info is the metadata snapshot returned by one update check: story
// attributes plus the full chapter index in ascending ordinal order.
type Info struct {
	Title       string
	Author      string
	Description string
	CoverURL    string
	Chapters    []ChapterRef
}

// ChapterCount is a convenience accessor for diffing against a story's
// chapter marker.
func (i *Info) ChapterCount() int { return len(i.Chapters) }

// ChapterRef identifies one chapter within a story. Ordinal is 1-based and
// assigned in source order by the provider.
type ChapterRef struct {
	Ordinal int
	Title   string
	URL     string
}

// Chapter is downloaded chapter content. Owned by one task execution; never
// shared across tasks.
type Chapter struct {
	Title       string
	Content     string
	PublishedAt time.Time
}

// SearchResult is one candidate story from a provider search.
type SearchResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
}

// Source is the contract a site-specific fetcher implements.
//
// Every operation must classify its failures through Transient/Structural/
// Auth (see errors.go) so callers can consume the shared taxonomy.
type Source interface {
	// Key returns the provider id, e.g. "royalroad".
	Key() string
	// Recognizes reports whether this provider handles the given story URL.
	Recognizes(rawURL string) bool
	// Metadata fetches the story's current metadata and chapter index.
	Metadata(ctx context.Context, sourceURL string) (*Info, error)
	// Chapter fetches the content of one chapter.
	Chapter(ctx context.Context, ref ChapterRef) (*Chapter, error)
}

// Searcher is the optional search capability. Detect it with a type
// assertion; providers without it simply don't implement the interface.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Search runs a query against src if it supports searching. The second
// return is false when the capability is absent.
func Search(ctx context.Context, src Source, query string) ([]SearchResult, bool, error) {
	s, ok := src.(Searcher)
	if !ok {
		return nil, false, nil
	}
	res, err := s.Search(ctx, query)
	return res, true, err
}

// Settings carries per-provider tuning from config. Session is opaque
// credential material (e.g. a cookie header) handed to the provider
// untouched.
type Settings struct {
	MinDelay      time.Duration
	MaxDelay      time.Duration
	MaxConcurrent int
	Session       string
	UserAgent     string
}
