package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// jobDetail bundles a job with its per-platform results.
type jobDetail struct {
	Job     *model.EnforcementJob     `json:"job"`
	Results []model.EnforcementResult `json:"results"`
}

// handleTriggerEnforce answers 202 with the pending job; results fill in as
// the background fan-out completes.
func (s *Server) handleTriggerEnforce(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	var req struct {
		Trigger     model.TriggerType `json:"trigger"`
		PlatformIDs []string          `json:"platform_ids"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	job, err := s.dispatch.Trigger(r.Context(), dispatch.TriggerRequest{
		ChildID:     childID,
		PlatformIDs: req.PlatformIDs,
		Trigger:     req.Trigger,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.JobFilter{
		ChildID: r.URL.Query().Get("child_id"),
		Status:  model.JobStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "limit must be an integer")
			return
		}
		filter.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			badRequest(w, "offset must be an integer")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.store.ListEnforcementJobs(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetEnforcementJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.store.ListEnforcementResults(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobDetail{Job: job, Results: results})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.dispatch.Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatch.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
