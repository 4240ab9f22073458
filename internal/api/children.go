package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/model"
)

func (s *Server) handleCreateChild(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FamilyID string `json:"family_id"`
		Name     string `json:"name"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.FamilyID == "" || req.Name == "" {
		badRequest(w, "family_id and name are required")
		return
	}

	child, err := s.store.CreateChild(r.Context(), req.FamilyID, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, child)
}

func (s *Server) handleGetChild(w http.ResponseWriter, r *http.Request) {
	child, err := s.store.GetChild(r.Context(), chi.URLParam(r, "childID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, child)
}

// handleGetRuleSet returns the child's effective rule set as the compiler
// sees it right now.
func (s *Server) handleGetRuleSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.compiler.Compile(r.Context(), chi.URLParam(r, "childID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, set)
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := s.store.ListPolicies(r.Context(), chi.URLParam(r, "childID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policies)
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	childID := chi.URLParam(r, "childID")
	var req struct {
		Name     string `json:"name"`
		Priority int    `json:"priority"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		badRequest(w, "name is required")
		return
	}

	if _, err := s.store.GetChild(r.Context(), childID); err != nil {
		writeError(w, err)
		return
	}
	policy, err := s.store.CreatePolicy(r.Context(), childID, req.Name, req.Priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, policy)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name          *string             `json:"name"`
		Status        *model.PolicyStatus `json:"status"`
		Priority      *int                `json:"priority"`
		ExpectVersion int64               `json:"expect_version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Name != nil {
		policy.Name = *req.Name
	}
	if req.Status != nil {
		policy.Status = *req.Status
	}
	if req.Priority != nil {
		policy.Priority = *req.Priority
	}

	if err := s.store.UpdatePolicy(r.Context(), policy, req.ExpectVersion); err != nil {
		writeError(w, err)
		return
	}
	policy.Version = req.ExpectVersion + 1
	s.compiler.Invalidate(policy.ChildID)
	writeJSON(w, http.StatusOK, policy)
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.SoftDeletePolicy(r.Context(), policy.ID); err != nil {
		writeError(w, err)
		return
	}
	s.compiler.Invalidate(policy.ChildID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.store.ListRules(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleUpsertRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled       bool            `json:"enabled"`
		Config        json.RawMessage `json:"config"`
		ExpectVersion int64           `json:"expect_version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}

	rule := &model.Rule{
		PolicyID: policy.ID,
		Category: model.RuleCategory(chi.URLParam(r, "category")),
		Enabled:  req.Enabled,
		Config:   req.Config,
	}
	if err := compiler.ValidateRule(rule); err != nil {
		badRequest(w, err.Error())
		return
	}
	if err := s.store.UpsertRule(r.Context(), rule, req.ExpectVersion); err != nil {
		writeError(w, err)
		return
	}
	s.compiler.Invalidate(policy.ChildID)
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExpectVersion int64 `json:"expect_version"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	policy, err := s.store.GetPolicy(r.Context(), chi.URLParam(r, "policyID"))
	if err != nil {
		writeError(w, err)
		return
	}
	category := model.RuleCategory(chi.URLParam(r, "category"))
	if err := s.store.DeleteRule(r.Context(), policy.ID, category, req.ExpectVersion); err != nil {
		writeError(w, err)
		return
	}
	s.compiler.Invalidate(policy.ChildID)
	w.WriteHeader(http.StatusNoContent)
}
