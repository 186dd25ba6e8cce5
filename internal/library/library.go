// Package library writes downloaded chapters to the on-disk library.
// Layout: <root>/<story title>/<NNNN> - <chapter title>.html, with names
// sanitized so any provider title maps to a portable filename.
package library

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"serialarr/internal/model"
	"serialarr/internal/provider"
	"serialarr/pkg/logx"
)

// Assembler packages a story's chapter files into a container format
// (EPUB, PDF). Implementations run outside the download path; the core
// only defines the boundary.
type Assembler interface {
	Assemble(ctx context.Context, story model.Story, storyDir string) (outPath string, err error)
}

// Library stores chapter content as standalone HTML documents.
type Library struct {
	root string
	log  logx.Logger
}

func New(root string, log logx.Logger) *Library {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Library{root: root, log: log}
}

// Root returns the library base directory.
func (l *Library) Root() string { return l.root }

// SaveChapter writes one chapter. The write goes through a temp file and
// rename so a crash never leaves a truncated chapter behind.
func (l *Library) SaveChapter(story model.Story, ordinal int, ch *provider.Chapter) (string, error) {
	dir := filepath.Join(l.root, sanitize(storyDirName(story)))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating story directory: %w", err)
	}

	title := ch.Title
	if title == "" {
		title = fmt.Sprintf("Chapter %d", ordinal)
	}
	name := fmt.Sprintf("%04d - %s.html", ordinal, sanitize(title))
	path := filepath.Join(dir, name)

	doc := renderDocument(story, ordinal, title, ch)

	tmp, err := os.CreateTemp(dir, ".chapter-*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("writing chapter: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("placing chapter: %w", err)
	}

	l.log.Debug("chapter written",
		logx.String("story", story.ID),
		logx.Int("ordinal", ordinal),
		logx.String("path", path))
	return path, nil
}

// HasChapter reports whether the chapter file already exists on disk.
func (l *Library) HasChapter(story model.Story, ordinal int) bool {
	dir := filepath.Join(l.root, sanitize(storyDirName(story)))
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	prefix := fmt.Sprintf("%04d - ", ordinal)
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return true
		}
	}
	return false
}

func storyDirName(story model.Story) string {
	if story.Title != "" {
		return story.Title
	}
	return story.ID
}

func renderDocument(story model.Story, ordinal int, title string, ch *provider.Chapter) string {
	var b strings.Builder
	b.WriteString("<!DOCTYPE html>\n<html>\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&b, "<title>%s</title>\n", htmlEscape(title))
	fmt.Fprintf(&b, "<meta name=\"story\" content=\"%s\">\n", htmlEscape(story.Title))
	fmt.Fprintf(&b, "<meta name=\"ordinal\" content=\"%d\">\n", ordinal)
	if !ch.PublishedAt.IsZero() {
		fmt.Fprintf(&b, "<meta name=\"published\" content=\"%s\">\n", ch.PublishedAt.Format(time.RFC3339))
	}
	b.WriteString("</head>\n<body>\n")
	fmt.Fprintf(&b, "<h1>%s</h1>\n", htmlEscape(title))
	b.WriteString(ch.Content)
	b.WriteString("\n</body>\n</html>\n")
	return b.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// sanitize maps a title to a filesystem-safe name: path separators and
// characters Windows rejects become underscores, control characters are
// dropped, and the result is length-capped.
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			// skip control characters
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.TrimSpace(b.String())
	out = strings.Trim(out, ".")
	if out == "" {
		out = "untitled"
	}
	const maxLen = 120
	if len(out) > maxLen {
		out = out[:maxLen]
		out = strings.TrimSpace(out)
	}
	return out
}
