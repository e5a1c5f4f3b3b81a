package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"deshaker/internal/pipeline"
	"deshaker/internal/report"
	"deshaker/internal/storage"
)

// JobPipeline is the part of the pipeline the server drives.
type JobPipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes job submission, history and live results over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobPipeline
	hub      *Hub
	log      *slog.Logger
	server   *http.Server
}

// NewServer creates a server; nothing listens until Start.
func NewServer(addr string, store *storage.Store, pipe JobPipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		hub:      NewHub(log),
		log:      log,
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/shifts", s.handleShifts).Methods("GET")
	r.HandleFunc("/jobs/{id}/chart", s.handleChart).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	return r
}

// Serve runs a server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe JobPipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// startBackground runs the websocket hub and subscribes it to job results
// before returning.
func (s *Server) startBackground(ctx context.Context) {
	go s.hub.Run(ctx)
	resCh, unsubscribe := s.pipeline.Subscribe()
	go s.forwardResults(ctx, resCh, unsubscribe)
}

// forwardResults relays finished jobs to websocket clients.
func (s *Server) forwardResults(ctx context.Context, resCh <-chan pipeline.Result, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(res)
			if err != nil {
				s.log.Warn("encode result", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.Broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type submitRequest struct {
	Type      string           `json:"type"`
	InputPath string           `json:"input_path"`
	Output    string           `json:"output"`
	Options   pipeline.Options `json:"options"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad request body: %v", err), http.StatusBadRequest)
		return
	}
	jobType, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.InputPath == "" {
		http.Error(w, "input_path is required", http.StatusBadRequest)
		return
	}

	job := pipeline.Job{
		ID:        pipeline.NewJobID(jobType),
		Type:      jobType,
		InputPath: req.InputPath,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.pipeline.Submit(job); err != nil {
		if errors.Is(err, pipeline.ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "source", "http")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp["summary"] = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShifts(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	set, err := pipeline.LoadShifts(s.store, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := map[string]any{
		"shifts":  set,
		"summary": report.Summarize(set),
	}
	if crop, err := pipeline.LoadCrop(s.store, id); err == nil {
		resp["crop"] = crop
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	set, err := pipeline.LoadShifts(s.store, id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := report.RenderChart(w, set, "Frame shifts: "+id); err != nil {
		s.log.Warn("render chart", "job", id, "error", err)
	}
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}
