package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sells-group/safeguard/internal/model"
)

var knownEvents = map[string]bool{
	model.EventEnforcementCompleted: true,
	model.EventEnforcementPartial:   true,
	model.EventEnforcementFailed:    true,
	model.EventSyncCompleted:        true,
	model.EventSyncPartial:          true,
	model.EventSyncFailed:           true,
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FamilyID string   `json:"family_id"`
		URL      string   `json:"url"`
		Events   []string `json:"events"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FamilyID == "" || req.URL == "" || len(req.Events) == 0 {
		badRequest(w, "family_id, url, and events are required")
		return
	}
	for _, e := range req.Events {
		if !knownEvents[e] {
			badRequest(w, "unknown event "+e)
			return
		}
	}

	hook := &model.Webhook{
		ID:       uuid.NewString(),
		FamilyID: req.FamilyID,
		URL:      req.URL,
		Events:   req.Events,
		Active:   true,
	}
	if err := s.store.CreateWebhook(r.Context(), hook); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, hook)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	familyID := r.URL.Query().Get("family_id")
	if familyID == "" {
		badRequest(w, "family_id is required")
		return
	}
	hooks, err := s.store.ListWebhooks(r.Context(), familyID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(r.Context(), chi.URLParam(r, "webhookID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailedDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		limit = n
	}
	deliveries, err := s.store.FailedDeliveries(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deliveries)
}

func (s *Server) handleListLinks(w http.ResponseWriter, r *http.Request) {
	links, err := s.store.ListComplianceLinks(r.Context(), chi.URLParam(r, "familyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleUpsertLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status model.ComplianceStatus `json:"status"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Status {
	case model.ComplianceVerified, model.ComplianceUnverified, model.ComplianceError:
	default:
		badRequest(w, "status must be verified, unverified, or error")
		return
	}

	platformID := chi.URLParam(r, "platformID")
	if _, ok := s.caps.Platform(platformID); !ok {
		badRequest(w, "unknown platform "+platformID)
		return
	}

	link := &model.ComplianceLink{
		FamilyID:   chi.URLParam(r, "familyID"),
		PlatformID: platformID,
		Status:     req.Status,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.store.UpsertComplianceLink(r.Context(), link); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *Server) handleListPlatforms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.caps.Platforms())
}
