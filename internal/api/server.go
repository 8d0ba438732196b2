package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/config"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/models"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/ratelimit"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/scheduler"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/store"
	"github.com/ScarletRedJoker/Nebula-Command-sub013/internal/telemetry"
)

// Server wires HTTP handlers for producers, worker agents, and the
// collaborators that feed node registrations and GPU snapshots in.
type Server struct {
	cfg     config.Config
	store   store.Store
	sched   *scheduler.Scheduler
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st store.Store, sched *scheduler.Scheduler, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		sched:   sched,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/progress", s.handleProgress)
	r.Post("/jobs/{id}/complete", s.handleComplete)
	r.Post("/jobs/{id}/fail", s.handleFail)
	r.Post("/jobs/{id}/cancel", s.handleCancel)

	r.Post("/claim", s.handleClaim)
	r.Post("/locks/{id}/heartbeat", s.handleHeartbeat)

	r.Get("/queue/status", s.handleQueueStatus)

	r.Post("/nodes", s.handleRegisterNode)
	r.Post("/nodes/{id}/gpu", s.handleGpuSnapshot)

	return r
}

type enqueueRequest struct {
	Type           string         `json:"type"`
	Model          string         `json:"model"`
	Payload        map[string]any `json:"payload"`
	VramEstimateMb int            `json:"vram_estimate_mb"`
	Priority       int            `json:"priority"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}

	caller := callerFromRequest(r)
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), caller)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	job, err := s.sched.Enqueue(r.Context(), scheduler.EnqueueParams{
		Type:           req.Type,
		Model:          req.Model,
		Payload:        req.Payload,
		VramEstimateMb: req.VramEstimateMb,
		Priority:       req.Priority,
		RequestedBy:    caller,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.sched.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type claimRequest struct {
	NodeID string `json:"node_id"`
}

// handleClaim answers 204 when there is nothing this node can run; agents
// poll again later.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}

	claim, err := s.sched.Claim(r.Context(), req.NodeID)
	if err != nil {
		writeError(w, err)
		return
	}
	if claim == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, claim)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type progressRequest struct {
	Percent int `json:"percent"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sched.Progress(r.Context(), chi.URLParam(r, "id"), req.Percent); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type completeRequest struct {
	Result map[string]any `json:"result"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sched.Complete(r.Context(), chi.URLParam(r, "id"), req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

type failRequest struct {
	Error string `json:"error"`
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Error == "" {
		req.Error = "job failed"
	}
	if err := s.sched.Fail(r.Context(), chi.URLParam(r, "id"), req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "failed"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sched.QueueStatus(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type registerNodeRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "id is required", http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	node := models.Node{ID: req.ID, Name: req.Name, Enabled: enabled}
	if err := s.store.UpsertNode(r.Context(), node); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type gpuSnapshotRequest struct {
	TotalMb    int `json:"total_mb"`
	UsedMb     int `json:"used_mb"`
	FreeMb     int `json:"free_mb"`
	ReservedMb int `json:"reserved_mb"`
}

func (s *Server) handleGpuSnapshot(w http.ResponseWriter, r *http.Request) {
	var req gpuSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	nodeID := chi.URLParam(r, "id")
	if _, found, err := s.store.GetNode(r.Context(), nodeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	} else if !found {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	snap, err := s.store.InsertSnapshot(r.Context(), models.GpuSnapshot{
		NodeID:     nodeID,
		TotalMb:    req.TotalMb,
		UsedMb:     req.UsedMb,
		FreeMb:     req.FreeMb,
		ReservedMb: req.ReservedMb,
		CreatedAt:  timeNow(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// timeNow is swapped out in tests.
var timeNow = time.Now

func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Caller-ID"); v != "" {
		return v
	}
	return "default"
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, scheduler.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, scheduler.ErrNodeUnavailable):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
