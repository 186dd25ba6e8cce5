package questionablequesting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"serialarr/internal/model"
	"serialarr/internal/provider"
)

const threadPage = `<!DOCTYPE html>
<html><body>
<div class="p-description"><a class="username">ForumAuthor</a></div>
<h1 class="p-title-value">A Quest of Quests</h1>
</body></html>`

const threadmarksPage = `<!DOCTYPE html>
<html><body>
<div class="structItem--threadmark">
  <div class="structItem-title"><a href="/threads/a-quest.1234/post-100">Arc 1: Beginnings</a></div>
</div>
<div class="structItem--threadmark">
  <div class="structItem-title"><a href="/threads/a-quest.1234/post-200">Arc 2: Complications</a></div>
</div>
</body></html>`

const postsPage = `<!DOCTYPE html>
<html><body>
<article class="message--post" data-content="post-100">
  <time datetime="2026-02-01T18:30:00Z"></time>
  <div class="bbWrapper"><p>The quest began.</p></div>
</article>
<article class="message--post" data-content="post-101">
  <div class="bbWrapper"><p>Reader comment.</p></div>
</article>
<article class="message--post" data-content="post-200">
  <div class="bbWrapper"><p>Things got complicated.</p></div>
</article>
</body></html>`

func newThreadServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/a-quest.1234/threadmarks", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(threadmarksPage))
	})
	mux.HandleFunc("/threads/a-quest.1234/", func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "post-") {
			w.Write([]byte(postsPage))
			return
		}
		w.Write([]byte(threadPage))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestMetadataParsesThreadAndThreadmarks(t *testing.T) {
	t.Parallel()
	srv := newThreadServer(t)

	s := New(provider.Settings{})
	// Page and anchor suffixes must normalize down to the base thread.
	info, err := s.Metadata(context.Background(), srv.URL+"/threads/a-quest.1234/page-3#post-999")
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if info.Title != "A Quest of Quests" {
		t.Fatalf("title = %q", info.Title)
	}
	if info.Author != "ForumAuthor" {
		t.Fatalf("author = %q", info.Author)
	}
	if info.ChapterCount() != 2 {
		t.Fatalf("chapters = %d, want 2", info.ChapterCount())
	}
	for i, ref := range info.Chapters {
		if ref.Ordinal != i+1 {
			t.Fatalf("chapter %d has ordinal %d", i, ref.Ordinal)
		}
	}
	if info.Chapters[0].Title != "Arc 1: Beginnings" {
		t.Fatalf("chapter title = %q", info.Chapters[0].Title)
	}
	if !strings.HasSuffix(info.Chapters[1].URL, "/threads/a-quest.1234/post-200") {
		t.Fatalf("chapter url = %q", info.Chapters[1].URL)
	}
}

func TestMetadataWithoutThreadmarksIsStructural(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/threads/bare.77/threadmarks", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html><body><p>No threadmarks have been added yet.</p></body></html>`))
	})
	mux.HandleFunc("/threads/bare.77/", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(threadPage))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := New(provider.Settings{})
	_, err := s.Metadata(context.Background(), srv.URL+"/threads/bare.77/")
	if err == nil {
		t.Fatal("expected error for thread without threadmarks")
	}
	if kind := provider.KindOf(err); kind != model.FailureStructural {
		t.Fatalf("kind = %s, want structural", kind)
	}
}

func TestChapterExtractsThreadmarkedPost(t *testing.T) {
	t.Parallel()
	srv := newThreadServer(t)

	s := New(provider.Settings{})
	ch, err := s.Chapter(context.Background(), provider.ChapterRef{
		Ordinal: 2,
		Title:   "Arc 2: Complications",
		URL:     srv.URL + "/threads/a-quest.1234/post-200",
	})
	if err != nil {
		t.Fatalf("chapter: %v", err)
	}
	if !strings.Contains(ch.Content, "Things got complicated.") {
		t.Fatalf("content = %q", ch.Content)
	}
	if strings.Contains(ch.Content, "Reader comment.") {
		t.Fatal("content includes a post other than the threadmarked one")
	}
	if ch.Title != "Arc 2: Complications" {
		t.Fatalf("title = %q", ch.Title)
	}
}

func TestChapterPublishedAtFromPostTimestamp(t *testing.T) {
	t.Parallel()
	srv := newThreadServer(t)

	s := New(provider.Settings{})
	ch, err := s.Chapter(context.Background(), provider.ChapterRef{
		Ordinal: 1, Title: "Arc 1: Beginnings",
		URL: srv.URL + "/threads/a-quest.1234/post-100",
	})
	if err != nil {
		t.Fatalf("chapter: %v", err)
	}
	if ch.PublishedAt.IsZero() {
		t.Fatal("publishedAt not parsed from the post timestamp")
	}
}

func TestChapterMissingPostIsStructural(t *testing.T) {
	t.Parallel()
	srv := newThreadServer(t)

	s := New(provider.Settings{})
	_, err := s.Chapter(context.Background(), provider.ChapterRef{
		Ordinal: 3, Title: "Gone",
		URL: srv.URL + "/threads/a-quest.1234/post-999",
	})
	if err == nil {
		t.Fatal("expected error for post missing from page")
	}
	if kind := provider.KindOf(err); kind != model.FailureStructural {
		t.Fatalf("kind = %s, want structural", kind)
	}
}

func TestNormalizeThreadURL(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, in, want string
	}{
		{"bare", "https://forum.questionablequesting.com/threads/a-quest.1234", "https://forum.questionablequesting.com/threads/a-quest.1234/"},
		{"trailing slash", "https://forum.questionablequesting.com/threads/a-quest.1234/", "https://forum.questionablequesting.com/threads/a-quest.1234/"},
		{"page number", "https://forum.questionablequesting.com/threads/a-quest.1234/page-12", "https://forum.questionablequesting.com/threads/a-quest.1234/"},
		{"rss feed", "https://forum.questionablequesting.com/threads/a-quest.1234/threadmarks.rss", "https://forum.questionablequesting.com/threads/a-quest.1234/"},
		{"post anchor", "https://forum.questionablequesting.com/threads/a-quest.1234/page-3#post-999", "https://forum.questionablequesting.com/threads/a-quest.1234/"},
		{"not a thread", "https://forum.questionablequesting.com/forums/fiction.5/", "https://forum.questionablequesting.com/forums/fiction.5/"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := normalizeThreadURL(tc.in); got != tc.want {
				t.Fatalf("normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestRecognizes(t *testing.T) {
	t.Parallel()
	s := New(provider.Settings{})
	if !s.Recognizes("https://forum.questionablequesting.com/threads/a-quest.1234/") {
		t.Fatal("thread URL not recognized")
	}
	if s.Recognizes("https://www.royalroad.com/fiction/1234") {
		t.Fatal("foreign URL recognized")
	}
}

func TestExtractPostID(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"https://forum.questionablequesting.com/threads/a-quest.1234/post-86", "86"},
		{"https://forum.questionablequesting.com/posts/4211/", "4211"},
		{"https://forum.questionablequesting.com/threads/a-quest.1234/", ""},
	}
	for _, tc := range cases {
		if got := extractPostID(tc.in); got != tc.want {
			t.Fatalf("extractPostID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
