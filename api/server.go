package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"argus/core"
	"argus/search"
	"argus/stream"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxIngestBody bounds a single ingest request.
const maxIngestBody = 10 << 20

// EventStore is the storage surface the API needs.
type EventStore interface {
	InsertEvents(ctx context.Context, events []*core.Event) error
	SearchEvents(ctx context.Context, cq search.CompiledQuery) ([]map[string]interface{}, error)
	RecentRuns(ctx context.Context, detectionID string, limit int) ([]*core.DetectionRun, error)
	HealthCheck(ctx context.Context) error
}

// Server exposes the operational surface: metrics, health, event ingest and
// ad-hoc search. Detection management is done directly against the
// control-plane store.
type Server struct {
	store      EventStore
	pipeline   *stream.Pipeline
	resilience *core.Resilience
	logger     *zap.SugaredLogger
	httpServer *http.Server
}

// NewServer builds the HTTP server on the given port.
func NewServer(port int, store EventStore, pipeline *stream.Pipeline, res *core.Resilience, logger *zap.SugaredLogger) *Server {
	s := &Server{
		store:      store,
		pipeline:   pipeline,
		resilience: res,
		logger:     logger,
	}

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/events", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/v1/search", s.handleSearch).Methods(http.MethodPost)
	r.HandleFunc("/v1/detections/{id}/runs", s.handleRuns).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until Shutdown. Blocks; run in a goroutine.
func (s *Server) Start() error {
	s.logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ingestEvent is one wire-form event. StreamPos is the caller's durable
// stream offset; it feeds the deterministic alert id, so a redelivered
// entry must carry the same value. Callers without a durable stream leave
// it zero and the id is keyed on the event id alone.
type ingestEvent struct {
	core.Event
	StreamPos uint64 `json:"stream_pos,omitempty"`
}

type ingestRequest struct {
	Events []*ingestEvent `json:"events"`
}

// handleIngest accepts an event batch, persists it and feeds the stream
// pipeline. A backpressured pipeline rejects the batch with 429 so the
// sender retries later; the columnar write is not attempted in that case to
// keep batch and stream views aligned on retry.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty")
		return
	}

	now := time.Now().UTC()
	for i, e := range req.Events {
		if e.TenantID == "" || e.EventID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("event %d is missing tenant_id or event_id", i))
			return
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		e.IngestedAt = now
	}

	tenantID := req.Events[0].TenantID
	if err := s.resilience.Limiter.CheckErr(r.Context(), tenantID, "ingest"); err != nil {
		var rle *core.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.pipeline != nil && s.pipeline.Backpressured() {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusTooManyRequests, "stream pipeline backpressured")
		return
	}

	events := make([]*core.Event, len(req.Events))
	for i, e := range req.Events {
		events[i] = &e.Event
	}

	err := s.resilience.Execute(r.Context(), "insert_events", func(ctx context.Context) error {
		return s.store.InsertEvents(ctx, events)
	})
	if err != nil {
		s.logger.Errorw("Event ingest failed", "count", len(events), "error", err)
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	if s.pipeline != nil {
		for _, e := range req.Events {
			// Pos comes from the wire, never from local state, so a retried
			// batch converges on the same alert rows.
			if !s.pipeline.Enqueue(stream.Envelope{Pos: e.StreamPos, Event: &e.Event}) {
				// Persisted but not stream-evaluated; the scheduler will
				// still see these events in its next window.
				s.logger.Warnw("Stream queue full, envelope skipped", "event_id", e.EventID)
			}
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(req.Events)})
}

type searchRequest struct {
	Query     string    `json:"query"`
	TenantIDs []string  `json:"tenant_ids"`
	Last      string    `json:"last,omitempty"`
	From      time.Time `json:"from,omitempty"`
	To        time.Time `json:"to,omitempty"`
	Limit     int       `json:"limit,omitempty"`
	Offset    int       `json:"offset,omitempty"`
}

// handleSearch compiles and executes an ad-hoc query.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if len(req.TenantIDs) == 0 {
		writeError(w, http.StatusBadRequest, "tenant_ids must not be empty")
		return
	}

	if err := s.resilience.Limiter.CheckErr(r.Context(), req.TenantIDs[0], "search"); err != nil {
		var rle *core.RateLimitError
		if errors.As(err, &rle) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rle.RetryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	dsl := search.SearchDSL{
		Version:   1,
		TenantIDs: req.TenantIDs,
		Limit:     req.Limit,
		Offset:    req.Offset,
		Time:      search.TimeRange{From: req.From, To: req.To},
	}
	if req.Last != "" {
		last, err := time.ParseDuration(req.Last)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid last duration: %v", err))
			return
		}
		dsl.Time = search.TimeRange{Last: last}
	}
	if req.Query != "" {
		expr, err := search.Parse(req.Query)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		dsl.Where = expr
	}

	cq, err := search.CompileSearch(dsl, "")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var rows []map[string]interface{}
	err = s.resilience.Execute(r.Context(), "search", func(ctx context.Context) error {
		var queryErr error
		rows, queryErr = s.store.SearchEvents(ctx, cq)
		return queryErr
	})
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rows":     rows,
		"count":    len(rows),
		"warnings": cq.Warnings,
	})
}

// handleRuns returns the recent execution history for one detection,
// newest first.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	detectionID := mux.Vars(r)["id"]

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 1 and 1000")
			return
		}
		limit = n
	}

	var runs []*core.DetectionRun
	err := s.resilience.Execute(r.Context(), "recent_runs", func(ctx context.Context) error {
		var queryErr error
		runs, queryErr = s.store.RecentRuns(ctx, detectionID, limit)
		return queryErr
	})
	if err != nil {
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"detection_id": detectionID,
		"runs":         runs,
		"count":        len(runs),
	})
}

// storeErrorStatus maps resilience outcomes to HTTP statuses.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, core.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrQueryTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
