package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"heraldbot/internal/broadcast"
	"heraldbot/internal/transport"
	logx "heraldbot/pkg/logx"
)

const maxBodyBytes = 64 << 10

type createRunRequest struct {
	Body       string  `json:"body"`
	Image      string  `json:"image,omitempty"`
	Recipients []int64 `json:"recipients,omitempty"`
}

type createRunResponse struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	var f broadcast.Filter
	for _, id := range req.Recipients {
		f.Recipients = append(f.Recipients, transport.RecipientID(id))
	}
	msg := transport.Message{Body: req.Body, ImageRef: req.Image}

	id, err := s.engine.CreateRun(r.Context(), msg, f)
	switch {
	case errors.Is(err, broadcast.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "message body is empty")
		return
	case errors.Is(err, broadcast.ErrQueueFull), errors.Is(err, broadcast.ErrStopped):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		s.log.Error("create run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "create run failed")
		return
	}

	s.log.Info("run created via api", logx.String("run", id))
	writeJSON(w, http.StatusAccepted, createRunResponse{ID: id})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, broadcast.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.engine.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, broadcast.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, broadcast.ErrRunFinished):
		writeError(w, http.StatusConflict, "run already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "cancel failed")
	default:
		s.log.Info("run cancelled via api", logx.String("run", id))
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1..500")
			return
		}
		limit = n
	}
	runs, err := s.engine.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if runs == nil {
		runs = []broadcast.Status{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
