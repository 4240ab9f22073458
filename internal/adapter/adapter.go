// Package adapter defines the boundary between the enforcement engine and
// platform integrations. An adapter receives the rules a platform supports
// and applies them via whatever mechanism the platform exposes.
package adapter

import (
	"context"
	"sort"
	"sync"

	"github.com/sells-group/safeguard/internal/model"
)

// OutcomeStatus is the per-rule result of an apply call.
type OutcomeStatus string

const (
	OutcomeApplied OutcomeStatus = "applied"
	OutcomeSkipped OutcomeStatus = "skipped"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome reports what happened to a single rule on a platform.
type Outcome struct {
	Category model.RuleCategory `json:"category"`
	Status   OutcomeStatus      `json:"status"`
	Detail   string             `json:"detail,omitempty"`
}

// Adapter applies rules to one platform. Apply must be idempotent: pushing
// the same rule set twice leaves the platform in the same state. A non-nil
// error means the platform was unreachable and no outcome is trustworthy;
// partial trouble is reported per rule via Outcome instead.
type Adapter interface {
	PlatformID() string
	Apply(ctx context.Context, childID string, rules []model.Rule) ([]Outcome, error)
}

// Registry holds the adapters available to the dispatcher, keyed by
// platform ID.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.PlatformID()] = a
}

func (r *Registry) Get(platformID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platformID]
	return a, ok
}

// PlatformIDs lists registered platforms in sorted order.
func (r *Registry) PlatformIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
