// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pagepipe/pagepipe"
)

// Server exposes the conversion pipeline over HTTP: a JSON API for
// submissions, status and cache administration, plus a WebSocket feed
// for live queue state.
type Server struct {
	s *pagepipe.Scheduler
}

// New initializes a new Server.
func New(s *pagepipe.Scheduler) *Server {
	return &Server{s: s}
}

// Serve initializes the router and starts the web server at the given
// address.
func (srv *Server) Serve(addr string) error {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(rateLimiter(10, 30))

	r.Route("/api", func(r chi.Router) {
		r.Post("/conversions", srv.handleSubmit)
		r.Get("/conversions/{documentID}", srv.handleStatus)
		r.Get("/jobs", srv.handleListJobs)
		r.Get("/jobs/{jobID}", srv.handleLookupJob)
		r.Delete("/jobs/{jobID}", srv.handleCancelJob)
		r.Get("/system/status", srv.handleSystemStatus)
		r.Get("/system/metrics", srv.handleMetrics)
		r.Get("/system/health", srv.handleHealth)
		r.Get("/cache/stats", srv.handleCacheStats)
		r.Post("/cache/warm", srv.handleWarmCache)
		r.Post("/cache/cleanup", srv.handleCleanupCache)
		r.Post("/cache/invalidate", srv.handleInvalidateCache)
		r.Delete("/cache/{documentID}", srv.handleInvalidateOne)
		r.Delete("/cache", srv.handleClearCache)
	})
	r.Handle("/ws", wsserver{s: srv.s})
	r.Handle("/*", http.FileServer(http.Dir("public")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.s)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// -- Conversions --

func (srv *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentID  string         `json:"document_id"`
		RequesterID string         `json:"requester_id"`
		Priority    string         `json:"priority"`
		Metadata    map[string]any `json:"metadata"`
		Force       bool           `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	priority := pagepipe.PriorityNormal
	if body.Priority != "" {
		var err error
		priority, err = pagepipe.ParsePriority(body.Priority)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	res, err := srv.s.Submit(r.Context(), pagepipe.SubmitRequest{
		DocumentID:  body.DocumentID,
		RequesterID: body.RequesterID,
		Priority:    priority,
		Metadata:    body.Metadata,
		Force:       body.Force,
	})
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	if res.Cached {
		writeJSON(w, http.StatusOK, res)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		*pagepipe.SubmitResult
		EstimatedWaitHuman string `json:"estimated_wait_human"`
	}{res, pagepipe.FormatDuration(res.EstimatedWait)})
}

func (srv *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := srv.s.Status(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// -- Jobs --

func (srv *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &pagepipe.ListRequest{
		DocumentID:  q.Get("document_id"),
		RequesterID: q.Get("requester_id"),
		Status:      pagepipe.Status(q.Get("status")),
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))
	rsp, err := srv.s.List(r.Context(), req)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rsp)
}

func (srv *Server) handleLookupJob(w http.ResponseWriter, r *http.Request) {
	job, err := srv.s.Lookup(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (srv *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := srv.s.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeSchedulerError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -- System --

func (srv *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	status, err := srv.s.SystemStatus(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (srv *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := srv.s.Metrics(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health, err := srv.s.Health(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	code := http.StatusOK
	if !health.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

// -- Cache --

func (srv *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := srv.s.CacheStats(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (srv *Server) handleWarmCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentIDs []string `json:"document_ids"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	warmed, err := srv.s.WarmCache(r.Context(), body.DocumentIDs)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"warmed": warmed})
}

func (srv *Server) handleCleanupCache(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.s.CleanupCache(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (srv *Server) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DocumentIDs []string `json:"document_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	invalidated, err := srv.s.InvalidateCacheMultiple(r.Context(), body.DocumentIDs)
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": invalidated})
}

func (srv *Server) handleInvalidateOne(w http.ResponseWriter, r *http.Request) {
	removed, err := srv.s.InvalidateCache(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (srv *Server) handleClearCache(w http.ResponseWriter, r *http.Request) {
	cleared, err := srv.s.ClearCache(r.Context())
	if err != nil {
		writeSchedulerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

// -- Helpers --

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("%v", err)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeSchedulerError maps pipeline errors onto HTTP status codes.
func writeSchedulerError(w http.ResponseWriter, err error) {
	var (
		conflict   *pagepipe.ConflictError
		validation *pagepipe.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    conflict.Reason,
			"job_id":   conflict.JobID,
			"progress": conflict.Progress,
		})
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, pagepipe.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// -- Live state feed --

// State is the current state of the conversion pipeline as pushed to
// WebSocket clients.
type State struct {
	Type       string                 `json:"type"`
	Stats      *pagepipe.Stats        `json:"stats,omitempty"`
	System     *pagepipe.SystemStatus `json:"system,omitempty"`
	Queued     []*pagepipe.Job        `json:"queued,omitempty"`
	Processing []*pagepipe.Job        `json:"processing,omitempty"`
	Completed  []*pagepipe.Job        `json:"completed,omitempty"`
	Failed     []*pagepipe.Job        `json:"failed,omitempty"`
}

func watcher(ctx context.Context, s *pagepipe.Scheduler) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			stats, err := s.JobStats(ctx)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			newState.Stats = stats
			system, err := s.SystemStatus(ctx)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			newState.System = system
			lists := []struct {
				status pagepipe.Status
				limit  int
				dst    *[]*pagepipe.Job
			}{
				{pagepipe.StatusQueued, 0, &newState.Queued},
				{pagepipe.StatusProcessing, 0, &newState.Processing},
				{pagepipe.StatusCompleted, 10, &newState.Completed},
				{pagepipe.StatusFailed, 10, &newState.Failed},
			}
			for _, l := range lists {
				rsp, err := s.List(ctx, &pagepipe.ListRequest{Status: l.status, Limit: l.limit})
				if err != nil {
					log.Printf("%v", err)
					continue
				}
				*l.dst = rsp.Jobs
			}
			payload, err := json.Marshal(newState)
			if err != nil {
				log.Printf("%v", err)
				continue
			}
			h.broadcast <- payload
		case <-ctx.Done():
			return
		}
	}
}
