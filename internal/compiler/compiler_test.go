package compiler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

func activePolicy(id string, priority int, updated time.Time, version int64) model.Policy {
	return model.Policy{
		ID:        id,
		ChildID:   "child-1",
		Name:      id,
		Status:    model.PolicyStatusActive,
		Priority:  priority,
		Version:   version,
		UpdatedAt: updated,
	}
}

func rule(policyID string, cat model.RuleCategory, config string) model.Rule {
	r := model.Rule{PolicyID: policyID, Category: cat, Enabled: true}
	if config != "" {
		r.Config = json.RawMessage(config)
	}
	return r
}

func ruleAt(policyID string, cat model.RuleCategory, updated time.Time) model.Rule {
	r := rule(policyID, cat, "")
	r.UpdatedAt = updated
	return r
}

func TestResolveHigherPriorityWins(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{
		activePolicy("p1", 10, now, 3),
		activePolicy("p2", 5, now, 7),
	}
	rules := map[string][]model.Rule{
		"p1": {
			rule("p1", model.CategoryContentRating, `{"system":"mpaa","max_rating":"PG"}`),
			rule("p1", model.CategoryTimeDailyLimit, `{"minutes":120}`),
		},
		"p2": {
			rule("p2", model.CategoryContentRating, `{"system":"mpaa","max_rating":"PG-13"}`),
			rule("p2", model.CategoryWebSafeSearch, ""),
		},
	}

	set, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)

	require.Len(t, set.Rules, 3)
	assert.Equal(t, "p1", set.Rules[model.CategoryContentRating].PolicyID)
	assert.Equal(t, "p1", set.Rules[model.CategoryTimeDailyLimit].PolicyID)
	assert.Equal(t, "p2", set.Rules[model.CategoryWebSafeSearch].PolicyID)
	assert.Equal(t, []string{"p1", "p2"}, set.PolicyIDs)
	assert.Equal(t, int64(7), set.MaxVersion)
}

func TestResolveTieBreaks(t *testing.T) {
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	t.Run("equal priority falls to latest rule update", func(t *testing.T) {
		// pa's policy row was touched more recently, but pb holds the
		// fresher rule; the rule's own timestamp decides.
		policies := []model.Policy{
			activePolicy("pa", 5, newer, 1),
			activePolicy("pb", 5, older, 1),
		}
		rules := map[string][]model.Rule{
			"pa": {ruleAt("pa", model.CategoryWebSafeSearch, older)},
			"pb": {ruleAt("pb", model.CategoryWebSafeSearch, newer)},
		}
		set, err := Resolve("child-1", policies, rules)
		require.NoError(t, err)
		assert.Equal(t, "pb", set.Rules[model.CategoryWebSafeSearch].PolicyID)
	})

	t.Run("equal rule timestamps fall to lexical policy id", func(t *testing.T) {
		policies := []model.Policy{
			activePolicy("pb", 5, older, 1),
			activePolicy("pa", 5, older, 1),
		}
		rules := map[string][]model.Rule{
			"pa": {ruleAt("pa", model.CategoryWebSafeSearch, older)},
			"pb": {ruleAt("pb", model.CategoryWebSafeSearch, older)},
		}
		set, err := Resolve("child-1", policies, rules)
		require.NoError(t, err)
		assert.Equal(t, "pa", set.Rules[model.CategoryWebSafeSearch].PolicyID)
	})
}

func TestResolveSkipsDisabledRules(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{activePolicy("p1", 10, now, 1)}
	disabled := rule("p1", model.CategoryWebSafeSearch, "")
	disabled.Enabled = false
	rules := map[string][]model.Rule{
		"p1": {disabled, rule("p1", model.CategoryTimeDailyLimit, `{"minutes":60}`)},
	}

	set, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)
	require.Len(t, set.Rules, 1)
	_, present := set.Rules[model.CategoryWebSafeSearch]
	assert.False(t, present, "a disabled rule never reaches enforcement")
}

func TestResolveDisabledRuleDoesNotShadow(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{
		activePolicy("high", 10, now, 4),
		activePolicy("low", 1, now, 2),
	}
	disabled := rule("high", model.CategoryWebSafeSearch, "")
	disabled.Enabled = false
	rules := map[string][]model.Rule{
		"high": {disabled},
		"low":  {rule("low", model.CategoryWebSafeSearch, "")},
	}

	set, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)
	require.Contains(t, set.Rules, model.CategoryWebSafeSearch)
	assert.Equal(t, "low", set.Rules[model.CategoryWebSafeSearch].PolicyID,
		"disabling a high-priority rule hands the category to the next policy down")
	assert.Equal(t, []string{"low"}, set.PolicyIDs)
	assert.Equal(t, int64(2), set.MaxVersion)
}

func TestResolveDeterministicAcrossOrderings(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{
		activePolicy("p1", 10, now, 1),
		activePolicy("p2", 10, now, 2),
		activePolicy("p3", 3, now, 4),
	}
	rules := map[string][]model.Rule{
		"p1": {ruleAt("p1", model.CategoryContentRating, now)},
		"p2": {ruleAt("p2", model.CategoryContentRating, now.Add(time.Minute))},
		"p3": {ruleAt("p3", model.CategoryContentRating, now)},
	}

	first, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)

	reversed := []model.Policy{policies[2], policies[1], policies[0]}
	second, err := Resolve("child-1", reversed, rules)
	require.NoError(t, err)

	assert.Equal(t, first.Rules, second.Rules)
	assert.Equal(t, first.PolicyIDs, second.PolicyIDs)
	assert.Equal(t, "p2", first.Rules[model.CategoryContentRating].PolicyID)
}

func TestResolveRejectsUnknownCategory(t *testing.T) {
	policies := []model.Policy{activePolicy("p1", 1, time.Now(), 1)}
	rules := map[string][]model.Rule{
		"p1": {rule("p1", model.RuleCategory("not_a_category"), "")},
	}
	_, err := Resolve("child-1", policies, rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown category")
}

func TestResolveOnlyContributingPoliciesListed(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{
		activePolicy("p1", 10, now, 1),
		activePolicy("p2", 1, now, 1),
	}
	// p2's only rule loses to p1, but it still shaped the merge input; the
	// set reports only winners.
	rules := map[string][]model.Rule{
		"p1": {rule("p1", model.CategoryWebSafeSearch, "")},
		"p2": {rule("p2", model.CategoryWebSafeSearch, "")},
	}
	set, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, set.PolicyIDs)
}

func TestResolveMaxVersionIgnoresBystanders(t *testing.T) {
	now := time.Now()
	policies := []model.Policy{
		activePolicy("winner", 10, now, 3),
		// loses every category despite the highest version
		activePolicy("bystander", 1, now, 99),
	}
	rules := map[string][]model.Rule{
		"winner":    {rule("winner", model.CategoryWebSafeSearch, "")},
		"bystander": {rule("bystander", model.CategoryWebSafeSearch, "")},
	}
	set, err := Resolve("child-1", policies, rules)
	require.NoError(t, err)
	assert.Equal(t, int64(3), set.MaxVersion,
		"a policy that wins nothing must not make the set look newer")
}

func TestValidateRule(t *testing.T) {
	tests := []struct {
		name    string
		rule    model.Rule
		wantErr string
	}{
		{
			name: "valid content rating",
			rule: rule("p1", model.CategoryContentRating, `{"system":"esrb","max_rating":"E10+"}`),
		},
		{
			name:    "unknown category",
			rule:    rule("p1", model.RuleCategory("bogus"), ""),
			wantErr: "unknown category",
		},
		{
			name:    "unknown config field",
			rule:    rule("p1", model.CategoryTimeDailyLimit, `{"minutes":60,"bogus":true}`),
			wantErr: "invalid config",
		},
		{
			name:    "invalid clock format",
			rule:    rule("p1", model.CategoryTimeBedtime, `{"start":"25:00","end":"07:00"}`),
			wantErr: "invalid config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRule(&tt.rule)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCache(t *testing.T) {
	c := NewCache()
	assert.Nil(t, c.Get("child-1", 3))

	set := &model.ResolvedRuleSet{ChildID: "child-1", MaxVersion: 3}
	c.Put(set, 3)
	assert.Same(t, set, c.Get("child-1", 3))

	// any movement in the store-wide version misses
	assert.Nil(t, c.Get("child-1", 4))

	c.Invalidate("child-1")
	assert.Nil(t, c.Get("child-1", 3))
}

// countingStore counts full policy loads so tests can see cache hits.
type countingStore struct {
	store.Store
	loads int
}

func (c *countingStore) ActivePolicyRules(ctx context.Context, childID string) ([]model.Policy, map[string][]model.Rule, error) {
	c.loads++
	return c.Store.ActivePolicyRules(ctx, childID)
}

func TestCompileServesRepeatCallsFromCache(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "compiler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	child, err := st.CreateChild(ctx, "fam-1", "Alex")
	require.NoError(t, err)
	policy, err := st.CreatePolicy(ctx, child.ID, "base", 10)
	require.NoError(t, err)
	policy.Status = model.PolicyStatusActive
	require.NoError(t, st.UpdatePolicy(ctx, policy, policy.Version))

	r := model.Rule{PolicyID: policy.ID, Category: model.CategoryWebSafeSearch, Enabled: true}
	require.NoError(t, st.UpsertRule(ctx, &r, policy.Version+1))

	counting := &countingStore{Store: st}
	comp := New(counting)

	first, err := comp.Compile(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counting.loads)

	// unchanged policies: the version probe answers from the cache
	second, err := comp.Compile(ctx, child.ID)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, counting.loads, "a repeat compile must not reload policies")

	// a rule edit moves the version and forces a fresh resolve
	r2 := model.Rule{PolicyID: policy.ID, Category: model.CategoryTimeDailyLimit, Enabled: true, Config: json.RawMessage(`{"minutes":60}`)}
	require.NoError(t, st.UpsertRule(ctx, &r2, policy.Version+2))

	third, err := comp.Compile(ctx, child.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Len(t, third.Rules, 2)
	assert.Equal(t, 2, counting.loads)
}
