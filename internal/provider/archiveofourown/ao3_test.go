package archiveofourown

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"serialarr/internal/model"
	"serialarr/internal/provider"
)

func TestWorkIDFrom(t *testing.T) {
	t.Parallel()
	id, err := workIDFrom("https://archiveofourown.org/works/12345/chapters/678")
	if err != nil {
		t.Fatalf("workIDFrom: %v", err)
	}
	if id != "12345" {
		t.Fatalf("id = %q, want 12345", id)
	}

	_, err = workIDFrom("https://archiveofourown.org/users/somebody")
	if err == nil {
		t.Fatal("expected error for url without work id")
	}
	if kind := provider.KindOf(err); kind != model.FailureStructural {
		t.Fatalf("kind = %s, want structural", kind)
	}
}

func TestChapterParsesBody(t *testing.T) {
	t.Parallel()
	page := `<html><body>
<div id="chapters">
<div class="userstuff" role="article">
<h3 class="landmark">Chapter Text</h3>
<p>It was a dark and stormy night.</p>
</div>
</div>
</body></html>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(page))
	}))
	defer srv.Close()

	s := New(provider.Settings{})
	ch, err := s.Chapter(context.Background(), provider.ChapterRef{
		Ordinal: 1, Title: "1. Arrival", URL: srv.URL + "/works/1/chapters/1",
	})
	if err != nil {
		t.Fatalf("chapter: %v", err)
	}
	if !strings.Contains(ch.Content, "dark and stormy night") {
		t.Fatalf("content missing: %q", ch.Content)
	}
	if strings.Contains(ch.Content, "landmark") {
		t.Fatalf("landmark heading not stripped: %q", ch.Content)
	}
}

func TestChapterLoginWallIsAuth(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`<html><body><form id="new_user_session"></form></body></html>`))
	}))
	defer srv.Close()

	s := New(provider.Settings{})
	_, err := s.Chapter(context.Background(), provider.ChapterRef{URL: srv.URL + "/works/1/chapters/1"})
	if err == nil {
		t.Fatal("expected auth error for login wall")
	}
	if kind := provider.KindOf(err); kind != model.FailureAuth {
		t.Fatalf("kind = %s, want auth", kind)
	}
}

func TestSearchCapabilityIsAbsent(t *testing.T) {
	t.Parallel()
	var src provider.Source = New(provider.Settings{})
	if _, ok := src.(provider.Searcher); ok {
		t.Fatal("ao3 should not advertise search")
	}
	results, supported, err := provider.Search(context.Background(), src, "anything")
	if err != nil {
		t.Fatalf("search helper: %v", err)
	}
	if supported || results != nil {
		t.Fatalf("supported=%v results=%v, want capability absent", supported, results)
	}
}
