package model

import (
	"encoding/json"
	"time"
)

// PolicyStatus is the lifecycle state of a policy.
type PolicyStatus string

const (
	PolicyStatusDraft  PolicyStatus = "draft"
	PolicyStatusActive PolicyStatus = "active"
	PolicyStatusPaused PolicyStatus = "paused"
)

// Child is the subject all policies, sources, and devices hang off.
type Child struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Policy is a named, versioned, prioritized bundle of rules for one child.
// Multiple policies may be active at once; Priority breaks per-category
// conflicts (numerically greater wins). Version increments on every rule
// mutation under the policy. Policies referenced by completed jobs are only
// ever soft-deleted.
type Policy struct {
	ID        string       `json:"id"`
	ChildID   string       `json:"child_id"`
	Name      string       `json:"name"`
	Status    PolicyStatus `json:"status"`
	Priority  int          `json:"priority"`
	Version   int64        `json:"version"`
	Deleted   bool         `json:"deleted,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// Rule is one category's toggle plus configuration within a policy, keyed
// (policy_id, category). Config is the raw JSON blob; it is decoded and
// validated against the category's typed config at write time.
type Rule struct {
	PolicyID  string          `json:"policy_id"`
	Category  RuleCategory    `json:"category"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// ResolvedRuleSet is the compiler's output: the winning rule per category
// across all active policies for one child. Categories with no enabled rule
// are absent, which adapters must treat as "do not touch". MaxVersion is the
// highest version among contributing policies and keys the compile cache.
type ResolvedRuleSet struct {
	ChildID    string                `json:"child_id"`
	Rules      map[RuleCategory]Rule `json:"rules"`
	PolicyIDs  []string              `json:"policy_ids"`
	MaxVersion int64                 `json:"max_version"`
}

// Categories returns the categories present in the resolved set, in no
// particular order.
func (rs *ResolvedRuleSet) Categories() []RuleCategory {
	out := make([]RuleCategory, 0, len(rs.Rules))
	for c := range rs.Rules {
		out = append(out, c)
	}
	return out
}
