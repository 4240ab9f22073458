package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sells-group/safeguard/internal/model"
)

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	var req struct {
		PlatformID   string             `json:"platform_id"`
		Tier         model.SourceTier   `json:"tier"`
		AutoSync     bool               `json:"auto_sync"`
		Capabilities []model.Capability `json:"capabilities"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.PlatformID == "" {
		badRequest(w, "platform_id is required")
		return
	}
	if req.Tier != model.SourceTierManaged && req.Tier != model.SourceTierGuided {
		badRequest(w, "tier must be managed or guided")
		return
	}
	for _, c := range req.Capabilities {
		if !model.ValidCategory(c.Category) {
			badRequest(w, "unknown category "+string(c.Category))
			return
		}
	}

	if _, err := s.store.GetChild(r.Context(), childID); err != nil {
		writeError(w, err)
		return
	}

	src := &model.Source{
		ID:           uuid.NewString(),
		ChildID:      childID,
		PlatformID:   req.PlatformID,
		Tier:         req.Tier,
		AutoSync:     req.AutoSync,
		Capabilities: req.Capabilities,
	}
	if err := s.store.CreateSource(r.Context(), src); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, src)
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context(), chi.URLParam(r, "childID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	src, err := s.store.GetSource(r.Context(), chi.URLParam(r, "sourceID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	sourceID := chi.URLParam(r, "sourceID")
	var req struct {
		Mode     model.SyncMode     `json:"mode"`
		Category model.RuleCategory `json:"category"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Mode == "" {
		req.Mode = model.SyncModeFull
	}
	if req.Mode == model.SyncModeSingleRule && req.Category == "" {
		badRequest(w, "category is required for single_rule mode")
		return
	}

	job, err := s.syncer.Sync(r.Context(), sourceID, req.Mode, req.Category)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// syncJobDetail bundles a sync job with its per-category outcomes.
type syncJobDetail struct {
	Job     *model.SourceSyncJob     `json:"job"`
	Results []model.SourceSyncResult `json:"results"`
}

func (s *Server) handleGetSyncJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetSyncJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.store.ListSyncResults(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncJobDetail{Job: job, Results: results})
}
