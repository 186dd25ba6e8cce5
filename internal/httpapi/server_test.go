package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"serialarr/internal/engine"
	"serialarr/internal/eventbus"
	"serialarr/internal/library"
	"serialarr/internal/model"
	"serialarr/internal/politeness"
	"serialarr/internal/provider"
	"serialarr/internal/queue"
	"serialarr/internal/retry"
	"serialarr/internal/scheduler"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

type stubSource struct{}

func (s *stubSource) Key() string { return "stub" }

func (s *stubSource) Recognizes(rawURL string) bool {
	return strings.Contains(rawURL, "stub.example")
}

func (s *stubSource) Metadata(context.Context, string) (*provider.Info, error) {
	return &provider.Info{Title: "Stub Story"}, nil
}

func (s *stubSource) Chapter(context.Context, provider.ChapterRef) (*provider.Chapter, error) {
	return &provider.Chapter{Content: "<p>x</p>"}, nil
}

func (s *stubSource) Search(_ context.Context, query string) ([]provider.SearchResult, error) {
	if query == "boom" {
		return nil, provider.Transient(errors.New("upstream 503"))
	}
	return []provider.SearchResult{{Title: "Stub Story", URL: "https://stub.example/s/1"}}, nil
}

type apiHarness struct {
	st store.Store
	q  *queue.Queue
	h  http.Handler
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	st := store.NewMemory()
	q := queue.New(st, logx.Nop())
	reg := provider.NewRegistry()
	if err := reg.Register(&stubSource{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	gate := politeness.New(politeness.Limits{MaxConcurrent: 1, MinDelay: time.Millisecond}, logx.Nop())
	lib := library.New(t.TempDir(), logx.Nop())
	bus := eventbus.New()
	eng := engine.New(engine.Config{}, st, q, gate, retry.Default(), reg, lib, bus, logx.Nop())
	sched := scheduler.New(scheduler.Config{}, st, q, logx.Nop())
	srv := New(":0", st, q, sched, eng, reg, prometheus.NewRegistry(), logx.Nop())
	return &apiHarness{st: st, q: q, h: srv.Router()}
}

func (a *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	rec := a.do(t, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
}

func TestAddStory(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)

	rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, want 201: %s", rec.Code, rec.Body)
	}
	created := decode[model.StoryStatus](t, rec)
	if created.ID == "" || created.Provider != "stub" || !created.Monitored {
		t.Fatalf("created = %+v", created)
	}

	// The initial check is enqueued immediately.
	open := a.q.OpenTasks()
	if len(open) != 1 || open[0].Kind != model.TaskCheckUpdate || open[0].StoryID != created.ID {
		t.Fatalf("open tasks = %+v, want one check for the new story", open)
	}

	// Same URL again returns the existing story, no duplicate.
	rec = a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200 for existing url", rec.Code)
	}
	again := decode[model.StoryStatus](t, rec)
	if again.ID != created.ID {
		t.Fatalf("duplicate add created a new story: %s vs %s", again.ID, created.ID)
	}

	stories, err := a.st.ListStories(context.Background())
	if err != nil || len(stories) != 1 {
		t.Fatalf("stories = %d (%v), want 1", len(stories), err)
	}
}

func TestAddStoryRejectsBadInput(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)

	if rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty url: code = %d, want 400", rec.Code)
	}
	rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://nowhere.example/x"})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unrecognized url: code = %d, want 422", rec.Code)
	}
}

func TestAddStoryUnmonitored(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	mon := false
	rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/2", Monitored: &mon})
	if rec.Code != http.StatusCreated {
		t.Fatalf("code = %d, want 201", rec.Code)
	}
	if created := decode[model.StoryStatus](t, rec); created.Monitored {
		t.Fatal("monitored = true, want false")
	}
}

func TestDeleteStory(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/3"})
	created := decode[model.StoryStatus](t, rec)

	if rec := a.do(t, http.MethodDelete, "/api/stories/"+created.ID, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: code = %d, want 204", rec.Code)
	}
	if rec := a.do(t, http.MethodDelete, "/api/stories/"+created.ID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: code = %d, want 404", rec.Code)
	}
}

func TestForceCheck(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	rec := a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/4"})
	created := decode[model.StoryStatus](t, rec)

	// The add already enqueued a check, so forcing another dedupes.
	rec = a.do(t, http.MethodPost, "/api/stories/"+created.ID+"/check", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("code = %d, want 202", rec.Code)
	}
	if body := decode[map[string]bool](t, rec); body["enqueued"] {
		t.Fatal("enqueued = true, want false while a check is already open")
	}

	if rec := a.do(t, http.MethodPost, "/api/stories/nope/check", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown story: code = %d, want 404", rec.Code)
	}
}

func TestListStories(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	a.do(t, http.MethodPost, "/api/stories/", addStoryRequest{URL: "https://stub.example/s/5"})

	rec := a.do(t, http.MethodGet, "/api/stories/", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	list := decode[[]model.StoryStatus](t, rec)
	if len(list) != 1 || list[0].CheckInProgress {
		t.Fatalf("list = %+v, want one story with no running check", list)
	}
}

func TestStatus(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)
	rec := a.do(t, http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	status := decode[statusResponse](t, rec)
	if status.Stories != 0 || len(status.Providers) != 1 || status.Providers[0] != "stub" {
		t.Fatalf("status = %+v", status)
	}
	if status.Engine.Workers == 0 {
		t.Fatal("engine snapshot missing")
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)

	rec := a.do(t, http.MethodGet, "/api/history", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if entries := decode[[]model.HistoryEntry](t, rec); len(entries) != 0 {
		t.Fatalf("entries = %d, want empty array", len(entries))
	}

	if err := a.st.AppendHistory(context.Background(), model.HistoryEntry{
		TaskID: "t1", StoryID: "s1", Kind: model.TaskCheckUpdate, Outcome: model.TaskSucceeded,
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if entries := decode[[]model.HistoryEntry](t, a.do(t, http.MethodGet, "/api/history", nil)); len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}

	if rec := a.do(t, http.MethodGet, "/api/history?limit=0", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=0: code = %d, want 400", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/history?limit=5000", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("limit=5000: code = %d, want 400", rec.Code)
	}
}

func TestSearch(t *testing.T) {
	t.Parallel()
	a := newAPIHarness(t)

	rec := a.do(t, http.MethodGet, "/api/search?provider=stub&q=story", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", rec.Code, rec.Body)
	}
	res := decode[searchResponse](t, rec)
	if !res.Supported || len(res.Results) != 1 {
		t.Fatalf("search = %+v", res)
	}

	if rec := a.do(t, http.MethodGet, "/api/search?provider=stub", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing q: code = %d, want 400", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/search?provider=nope&q=x", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown provider: code = %d, want 404", rec.Code)
	}
	if rec := a.do(t, http.MethodGet, "/api/search?provider=stub&q=boom", nil); rec.Code != http.StatusBadGateway {
		t.Fatalf("provider error: code = %d, want 502", rec.Code)
	}
}
