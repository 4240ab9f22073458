package compiler

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// ErrNoActivePolicy is returned when a child has no active policies to
// compile. Enforcement and sync callers treat this as "nothing to do".
var ErrNoActivePolicy = eris.New("compiler: no active policy")

// Compiler resolves a child's active policies into a single effective rule
// set. Resolution is deterministic: the same stored policies always produce
// the same output regardless of read order.
type Compiler struct {
	store store.Store
	cache *Cache
}

func New(st store.Store) *Compiler {
	return &Compiler{store: st, cache: NewCache()}
}

// Compile produces the effective rule set for a child. For each category the
// winning rule comes from the highest-priority active policy; ties fall to
// the most recently updated rule, then to the lexically smallest policy ID.
// A cheap version probe serves repeat calls from the cache until any active
// policy's version moves.
func (c *Compiler) Compile(ctx context.Context, childID string) (*model.ResolvedRuleSet, error) {
	stamp, err := c.store.MaxPolicyVersion(ctx, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "compiler: version probe for %s", childID)
	}
	if stamp == 0 {
		c.cache.Invalidate(childID)
		return nil, ErrNoActivePolicy
	}
	if cached := c.cache.Get(childID, stamp); cached != nil {
		return cached, nil
	}

	policies, rulesByPolicy, err := c.store.ActivePolicyRules(ctx, childID)
	if err != nil {
		return nil, eris.Wrapf(err, "compiler: load policies for %s", childID)
	}
	if len(policies) == 0 {
		return nil, ErrNoActivePolicy
	}

	set, err := Resolve(childID, policies, rulesByPolicy)
	if err != nil {
		return nil, err
	}

	c.cache.Put(set, stamp)
	zap.L().Debug("compiled rule set",
		zap.String("child_id", childID),
		zap.Int("categories", len(set.Rules)),
		zap.Int64("max_version", set.MaxVersion))
	return set, nil
}

// Invalidate drops the cached set for a child. Called on any policy or rule
// mutation.
func (c *Compiler) Invalidate(childID string) {
	c.cache.Invalidate(childID)
}

// Resolve merges active policies into one rule per category. It is a pure
// function over its inputs so callers can test merge behavior without a
// store.
func Resolve(childID string, policies []model.Policy, rulesByPolicy map[string][]model.Rule) (*model.ResolvedRuleSet, error) {
	byID := make(map[string]model.Policy, len(policies))
	for _, p := range policies {
		if p.Status != model.PolicyStatusActive {
			return nil, eris.Errorf("compiler: policy %s is %s, not active", p.ID, p.Status)
		}
		byID[p.ID] = p
	}

	winners := make(map[model.RuleCategory]model.Rule)
	contributing := make(map[string]bool)

	for _, p := range policies {
		for _, r := range rulesByPolicy[p.ID] {
			if !model.ValidCategory(r.Category) {
				return nil, eris.Errorf("compiler: policy %s has unknown category %q", p.ID, r.Category)
			}
			// Disabled rules never compete: they neither enforce nor shadow
			// an enabled rule from a lower-priority policy.
			if !r.Enabled {
				continue
			}
			cur, ok := winners[r.Category]
			if !ok || beats(r, cur, p, byID[cur.PolicyID]) {
				winners[r.Category] = r
			}
		}
	}

	// MaxVersion covers contributing policies only; a bystander policy that
	// wins no category must not make sources or devices look out of date.
	var maxVersion int64
	for _, r := range winners {
		contributing[r.PolicyID] = true
		if v := byID[r.PolicyID].Version; v > maxVersion {
			maxVersion = v
		}
	}
	policyIDs := make([]string, 0, len(contributing))
	for id := range contributing {
		policyIDs = append(policyIDs, id)
	}
	sort.Strings(policyIDs)

	return &model.ResolvedRuleSet{
		ChildID:    childID,
		Rules:      winners,
		PolicyIDs:  policyIDs,
		MaxVersion: maxVersion,
	}, nil
}

// beats reports whether rule a (owned by policy pa) wins a category conflict
// against the current winner b (owned by pb). Policy priority decides first;
// ties fall to the later rule update, then to the lexically smaller policy ID.
func beats(a, b model.Rule, pa, pb model.Policy) bool {
	if pa.Priority != pb.Priority {
		return pa.Priority > pb.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return pa.ID < pb.ID
}

// ValidateRule checks that a rule's category exists and its config decodes
// and validates for that category. Disabled rules still carry configs, so
// they are validated the same way.
func ValidateRule(r *model.Rule) error {
	if !model.ValidCategory(r.Category) {
		return eris.Errorf("compiler: unknown category %q", r.Category)
	}
	if _, err := model.DecodeRuleConfig(r.Category, r.Config); err != nil {
		return eris.Wrapf(err, "compiler: invalid config for %s", r.Category)
	}
	return nil
}
