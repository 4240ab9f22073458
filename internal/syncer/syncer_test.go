package syncer

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/adapter"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

func capFull(cat model.RuleCategory) model.Capability {
	return model.Capability{Category: cat, Support: model.SupportFull, Direction: model.DirectionBidirectional}
}

type syncFixture struct {
	store    store.Store
	syncer   *Syncer
	loopback *adapter.Loopback
	source   *model.Source
}

func newSyncFixture(t *testing.T, tier model.SourceTier) *syncFixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "syncer.db"))
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

	version := policy.Version + 1
	for _, r := range []model.Rule{
		{PolicyID: policy.ID, Category: model.CategoryWebSafeSearch, Enabled: true},
		{PolicyID: policy.ID, Category: model.CategoryTimeDailyLimit, Enabled: true, Config: json.RawMessage(`{"minutes":120}`)},
		{PolicyID: policy.ID, Category: model.CategorySocialBlockDM, Enabled: true},
	} {
		require.NoError(t, st.UpsertRule(ctx, &r, version))
		version++
	}

	src := &model.Source{
		ID:         "src-1",
		ChildID:    child.ID,
		PlatformID: "loopback",
		Tier:       tier,
		Capabilities: []model.Capability{
			capFull(model.CategoryWebSafeSearch),
			capFull(model.CategoryTimeDailyLimit),
			// social_block_dm deliberately undeclared
		},
	}
	require.NoError(t, st.CreateSource(ctx, src))

	lb := adapter.NewLoopback()
	adapters := adapter.NewRegistry()
	adapters.Register(lb)

	return &syncFixture{
		store:    st,
		syncer:   New(st, compiler.New(st), adapters, nil, nil),
		loopback: lb,
		source:   src,
	}
}

func outcomesByCategory(results []model.SourceSyncResult) map[model.RuleCategory]model.SyncOutcome {
	out := make(map[model.RuleCategory]model.SyncOutcome, len(results))
	for _, r := range results {
		out[r.Category] = r.Outcome
	}
	return out
}

func TestFullSync(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	ctx := context.Background()

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	results, err := f.store.ListSyncResults(ctx, job.ID)
	require.NoError(t, err)
	got := outcomesByCategory(results)
	assert.Equal(t, model.SyncPushed, got[model.CategoryWebSafeSearch])
	assert.Equal(t, model.SyncPushed, got[model.CategoryTimeDailyLimit])
	assert.Equal(t, model.SyncUnsupported, got[model.CategorySocialBlockDM])

	// sync state recorded for pushed categories only
	states, err := f.store.GetSyncState(ctx, f.source.ID)
	require.NoError(t, err)
	assert.Len(t, states, 2)

	src, err := f.store.GetSource(ctx, f.source.ID)
	require.NoError(t, err)
	assert.Positive(t, src.SyncVersion)
}

func TestIncrementalSyncSkipsUnchanged(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	ctx := context.Background()

	_, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeIncremental, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	results, err := f.store.ListSyncResults(ctx, job.ID)
	require.NoError(t, err)
	got := outcomesByCategory(results)
	assert.Equal(t, model.SyncSkipped, got[model.CategoryWebSafeSearch])
	assert.Equal(t, model.SyncSkipped, got[model.CategoryTimeDailyLimit])
}

func TestSingleRuleSync(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	ctx := context.Background()

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeSingleRule, model.CategoryWebSafeSearch)
	require.NoError(t, err)

	results, err := f.store.ListSyncResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.SyncPushed, results[0].Outcome)

	_, err = f.syncer.Sync(ctx, f.source.ID, model.SyncModeSingleRule, model.CategoryDataRetention)
	assert.ErrorIs(t, err, ErrCategoryNotResolved)
}

func TestGuidedSourceSkipsWithInstructions(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierGuided)
	ctx := context.Background()

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	results, err := f.store.ListSyncResults(ctx, job.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.Category == model.CategorySocialBlockDM {
			continue
		}
		assert.Equal(t, model.SyncSkipped, r.Outcome)
		assert.Contains(t, r.Detail, "manual step")
	}
}

func TestSyncAllFailedKeepsVersion(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	f.loopback.FailCategories = map[model.RuleCategory]bool{
		model.CategoryWebSafeSearch:  true,
		model.CategoryTimeDailyLimit: true,
	}
	ctx := context.Background()

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, job.Status)

	// a job that failed outright must not claim the source is up to date
	src, err := f.store.GetSource(ctx, f.source.ID)
	require.NoError(t, err)
	assert.Zero(t, src.SyncVersion)

	// once the source recovers, a full sync picks everything back up
	f.loopback.FailCategories = nil
	job, err = f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	src, err = f.store.GetSource(ctx, f.source.ID)
	require.NoError(t, err)
	assert.Positive(t, src.SyncVersion)
}

func TestSyncSharesDispatchPool(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	ctx := context.Background()

	pool := dispatch.NewPool(1)
	s := New(f.store, compiler.New(f.store), mustRegistry(f.loopback), nil, pool)

	// hold the only slot; the sync cannot push anything until it frees up
	require.NoError(t, pool.Acquire(ctx))

	done := make(chan *model.SourceSyncJob, 1)
	go func() {
		job, _ := s.Sync(ctx, f.source.ID, model.SyncModeFull, "")
		done <- job
	}()

	select {
	case <-done:
		t.Fatal("sync finished while the pool slot was held")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release()
	select {
	case job := <-done:
		require.NotNil(t, job)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("sync never finished after the slot freed up")
	}
}

func mustRegistry(lb *adapter.Loopback) *adapter.Registry {
	r := adapter.NewRegistry()
	r.Register(lb)
	return r
}

func TestSyncFailureAggregatesPartial(t *testing.T) {
	f := newSyncFixture(t, model.SourceTierManaged)
	f.loopback.FailCategories = map[model.RuleCategory]bool{model.CategoryWebSafeSearch: true}
	ctx := context.Background()

	job, err := f.syncer.Sync(ctx, f.source.ID, model.SyncModeFull, "")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPartial, job.Status)

	results, err := f.store.ListSyncResults(ctx, job.ID)
	require.NoError(t, err)
	got := outcomesByCategory(results)
	assert.Equal(t, model.SyncFailed, got[model.CategoryWebSafeSearch])
	assert.Equal(t, model.SyncPushed, got[model.CategoryTimeDailyLimit])

	// the failed category keeps no sync state, so a later incremental sync
	// retries it
	states, err := f.store.GetSyncState(ctx, f.source.ID)
	require.NoError(t, err)
	for _, st := range states {
		assert.NotEqual(t, model.CategoryWebSafeSearch, st.Category)
	}
}
