package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 8 << 20

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error string `json:"error"`
}

// OKResponse acknowledges a write
type OKResponse struct {
	OK bool `json:"ok"`
}

// RunCheckRequest is the body of POST /api/ratelimit/run
type RunCheckRequest struct {
	RoomID string `json:"roomId"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, ErrorResponse{Error: msg})
}

// decodeBody reads a JSON object into v, answering 400 itself on failure
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return false
	}
	return true
}

func (s *Server) loadSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	snap, err := s.snapshots.Load(r.Context(), roomID)
	if err != nil {
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to load snapshot")
		writeError(w, http.StatusInternalServerError, "failed_to_load_snapshot")
		return
	}

	var resp snapshot.LoadResponse
	if snap != nil {
		resp.SnapshotB64 = &snap.SnapshotB64
		resp.UpdatedAt = &snap.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) saveSnapshot(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	var req snapshot.SaveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SnapshotB64 == "" {
		writeError(w, http.StatusBadRequest, "missing_snapshot")
		return
	}

	user := caller(r.Context())
	if err := s.snapshots.Save(r.Context(), roomID, req.SnapshotB64, user.ID); err != nil {
		if errors.Is(err, snapshot.ErrEmptySnapshot) {
			writeError(w, http.StatusBadRequest, "missing_snapshot")
			return
		}
		s.logger.Error().Err(err).Str("room_id", roomID).Msg("Failed to save snapshot")
		writeError(w, http.StatusInternalServerError, "failed_to_save_snapshot")
		return
	}
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

func (s *Server) checkRateLimit(w http.ResponseWriter, r *http.Request) {
	var req RunCheckRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RoomID == "" {
		writeError(w, http.StatusBadRequest, "missing_roomId")
		return
	}

	if s.limiter == nil {
		writeJSON(w, http.StatusOK, ratelimit.Response{Allowed: true})
		return
	}

	user := caller(r.Context())
	result, err := s.limiter.Allow(r.Context(), req.RoomID, user.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("room_id", req.RoomID).Msg("Rate limiter unavailable, allowing run")
		writeJSON(w, http.StatusOK, ratelimit.Response{Allowed: true})
		return
	}

	code := http.StatusOK
	if !result.Allowed {
		code = http.StatusTooManyRequests
	}
	writeJSON(w, code, result.Response())
}
