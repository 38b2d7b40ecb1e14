package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/RezaEskandarii/firequeue/custom_errors"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/RezaEskandarii/firequeue/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type enqueueRequest struct {
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	MaxAttempts int             `json:"max_attempts"`
}

type leaseRequest struct {
	LeaseSeconds int `json:"lease_seconds"`
	WaitSeconds  int `json:"wait_seconds"`
}

type settleRequest struct {
	LeaseID string `json:"lease_id"`
	Reason  string `json:"reason"`
	Seconds int    `json:"seconds"`
}

type idResponse struct {
	ID string `json:"id"`
}

// jobView renders the payload inline when it is JSON.
type jobView struct {
	*types.Job
	Payload json.RawMessage `json:"payload,omitempty"`
}

func newJobView(j *types.Job) jobView {
	v := jobView{Job: j}
	switch {
	case len(j.Payload) == 0:
	case json.Valid(j.Payload):
		v.Payload = j.Payload
	default:
		v.Payload, _ = json.Marshal(string(j.Payload))
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.defaultMaxAttempts
	}

	id, err := s.engine.Enqueue(r.Context(), req.Type, req.Payload, req.MaxAttempts)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	lease := s.defaultLease
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}
	wait := min(time.Duration(max(req.WaitSeconds, 0))*time.Second, s.maxWait)

	job, err := s.engine.DequeueWait(r.Context(), lease, wait)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(id string, req settleRequest) error {
		return s.engine.Ack(r.Context(), id, req.LeaseID)
	})
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(id string, req settleRequest) error {
		reason := req.Reason
		if reason == "" {
			reason = "failed via api"
		}
		return s.engine.Fail(r.Context(), id, req.LeaseID, reason)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.settle(w, r, func(id string, req settleRequest) error {
		return s.engine.Release(r.Context(), id, req.LeaseID)
	})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	req, err := decodeSettle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	d := s.defaultLease
	if req.Seconds > 0 {
		d = time.Duration(req.Seconds) * time.Second
	}
	expiry, err := s.engine.Extend(r.Context(), chi.URLParam(r, "id"), req.LeaseID, d)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]time.Time{"lease_expiry": expiry})
}

func (s *Server) settle(w http.ResponseWriter, r *http.Request, fn func(id string, req settleRequest) error) {
	req, err := decodeSettle(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(chi.URLParam(r, "id"), req); err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "page_size", defaultPageSize)

	result, err := s.engine.DeadLetters(r.Context(), page, pageSize)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	views := make([]jobView, 0, len(result.Items))
	for i := range result.Items {
		views = append(views, newJobView(&result.Items[i]))
	}
	writeJSON(w, http.StatusOK, types.NewPaginationResult(views, result.TotalItems, result.Page, result.PageSize))
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id, err := s.engine.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.engine.Stats(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var validationErr *custom_errors.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &validationErr):
		status = http.StatusBadRequest
	case errors.Is(err, custom_errors.ErrUnknownLease), errors.Is(err, queue.ErrNotReplayable):
		status = http.StatusConflict
	case errors.Is(err, custom_errors.ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, custom_errors.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.Error(err))
	}
	writeError(w, status, err)
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// decodeSettle reads a settle body. Remote workers must name their lease;
// only in-process callers may act on whatever lease is current.
func decodeSettle(r *http.Request) (settleRequest, error) {
	var req settleRequest
	if err := decodeBody(r, &req); err != nil {
		return req, err
	}
	if req.LeaseID == "" {
		return req, errors.New("lease_id is required")
	}
	return req, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
