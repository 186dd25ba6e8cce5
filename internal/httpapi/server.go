// Package httpapi is the operational surface: story management, status,
// history, search passthrough, health, and the Prometheus scrape endpoint.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"serialarr/internal/engine"
	"serialarr/internal/metrics"
	"serialarr/internal/model"
	"serialarr/internal/provider"
	"serialarr/internal/queue"
	"serialarr/internal/scheduler"
	"serialarr/internal/store"
	"serialarr/pkg/logx"
)

// Server serves the HTTP API. Construct with New, then Start.
type Server struct {
	addr     string
	st       store.Store
	q        *queue.Queue
	sched    *scheduler.Scheduler
	eng      *engine.Engine
	reg      *provider.Registry
	gatherer prometheus.Gatherer
	log      logx.Logger

	srv *http.Server
}

func New(addr string, st store.Store, q *queue.Queue, sched *scheduler.Scheduler, eng *engine.Engine, reg *provider.Registry, gatherer prometheus.Gatherer, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{addr: addr, st: st, q: q, sched: sched, eng: eng, reg: reg, gatherer: gatherer, log: log}
}

// Router builds the route table. Exported so tests can drive the API with
// httptest without binding a port.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(s.gatherer))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/history", s.handleHistory)
		r.Get("/search", s.handleSearch)

		r.Route("/stories", func(r chi.Router) {
			r.Get("/", s.handleListStories)
			r.Post("/", s.handleAddStory)
			r.Delete("/{id}", s.handleDeleteStory)
			r.Post("/{id}/check", s.handleForceCheck)
		})
	})
	return r
}

// Start binds the listener in the background. Shut down with Stop.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", s.addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Engine    engine.Snapshot `json:"engine"`
	Stories   int             `json:"stories"`
	Providers []string        `json:"providers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stories, err := s.st.ListStories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Engine:    s.eng.Snapshot(),
		Stories:   len(stories),
		Providers: s.reg.Keys(),
	})
}

func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request) {
	stories, err := s.st.ListStories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]model.StoryStatus, 0, len(stories))
	for _, st := range stories {
		out = append(out, model.StoryStatus{
			Story:           st,
			CheckInProgress: s.q.HasRunningCheck(st.ID),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type addStoryRequest struct {
	URL       string `json:"url"`
	Monitored *bool  `json:"monitored,omitempty"`
}

func (s *Server) handleAddStory(w http.ResponseWriter, r *http.Request) {
	var req addStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	src, ok := s.reg.ForURL(req.URL)
	if !ok {
		writeError(w, http.StatusUnprocessableEntity, "no provider recognizes this url")
		return
	}

	// Same URL twice tracks the existing story rather than a duplicate.
	existing, err := s.st.ListStories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, st := range existing {
		if st.SourceURL == req.URL {
			writeJSON(w, http.StatusOK, model.StoryStatus{Story: st, CheckInProgress: s.q.HasRunningCheck(st.ID)})
			return
		}
	}

	story := model.Story{
		ID:        uuid.NewString(),
		Provider:  src.Key(),
		SourceURL: req.URL,
		Monitored: true,
	}
	if req.Monitored != nil {
		story.Monitored = *req.Monitored
	}
	if err := s.st.PutStory(r.Context(), story); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	// Kick off the first check immediately so the title fills in.
	if _, err := s.sched.ForceCheck(r.Context(), story); err != nil {
		s.log.Warn("initial check enqueue failed", logx.String("story", story.ID), logx.Err(err))
	}
	s.log.Info("story tracked", logx.String("story", story.ID), logx.String("provider", story.Provider), logx.String("url", story.SourceURL))
	writeJSON(w, http.StatusCreated, model.StoryStatus{Story: story})
}

func (s *Server) handleDeleteStory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.st.DeleteStory(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown story")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.log.Info("story removed", logx.String("story", id))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleForceCheck(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	story, err := s.st.GetStory(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "unknown story")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	created, err := s.sched.ForceCheck(r.Context(), story)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"enqueued": created})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1..1000")
			return
		}
		limit = n
	}
	entries, err := s.st.RecentHistory(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []model.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type searchResponse struct {
	Provider  string                  `json:"provider"`
	Supported bool                    `json:"supported"`
	Results   []provider.SearchResult `json:"results"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	prov := r.URL.Query().Get("provider")
	query := r.URL.Query().Get("q")
	if prov == "" || query == "" {
		writeError(w, http.StatusBadRequest, "provider and q are required")
		return
	}
	src, ok := s.reg.ByKey(prov)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	results, supported, err := provider.Search(r.Context(), src, query)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if results == nil {
		results = []provider.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Provider: prov, Supported: supported, Results: results})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
