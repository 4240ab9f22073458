package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/safeguard/internal/model"
)

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChildID    string          `json:"child_id"`
		PlatformID string          `json:"platform_id"`
		Meta       json.RawMessage `json:"meta"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ChildID == "" || req.PlatformID == "" {
		badRequest(w, "child_id and platform_id are required")
		return
	}

	dev, err := s.devices.Register(r.Context(), req.ChildID, req.PlatformID, req.Meta)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dev)
}

// handlePollDevice returns the full current snapshot when the device is
// behind, 204 when it is current or the child has no active policy. The
// device passes the version it runs as ?last_seen_version=N; omitting it
// falls back to the server-side ack.
func (s *Server) handlePollDevice(w http.ResponseWriter, r *http.Request) {
	lastSeen := int64(-1)
	if v := r.URL.Query().Get("last_seen_version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(w, "last_seen_version must be a non-negative integer")
			return
		}
		lastSeen = n
	}

	snapshot, err := s.devices.Poll(r.Context(), chi.URLParam(r, "deviceID"), lastSeen)
	if err != nil {
		writeError(w, err)
		return
	}
	if snapshot == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleDeviceReport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PolicyVersion int64           `json:"policy_version"`
		Payload       json.RawMessage `json:"payload"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	report := &model.DeviceReport{
		DeviceID:      chi.URLParam(r, "deviceID"),
		PolicyVersion: req.PolicyVersion,
		Payload:       req.Payload,
		ReportedAt:    time.Now().UTC(),
	}
	if err := s.devices.Report(r.Context(), report); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
