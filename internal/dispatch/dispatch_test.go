package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/adapter"
	"github.com/sells-group/safeguard/internal/capability"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

type fixture struct {
	store    store.Store
	compiler *compiler.Compiler
	caps     *capability.Registry
	adapters *adapter.Registry
	loopback *adapter.Loopback
	child    *model.Child
}

type captureEmitter struct {
	mu   sync.Mutex
	jobs []*model.EnforcementJob
}

func (e *captureEmitter) EmitJob(_ context.Context, job *model.EnforcementJob, _ []model.EnforcementResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "dispatch.db"))
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

	for i, r := range []model.Rule{
		{PolicyID: policy.ID, Category: model.CategoryWebSafeSearch, Enabled: true},
		{PolicyID: policy.ID, Category: model.CategoryTimeDailyLimit, Enabled: true, Config: json.RawMessage(`{"minutes":120}`)},
		{PolicyID: policy.ID, Category: model.CategoryPurchaseBlockAll, Enabled: true},
	} {
		require.NoError(t, st.UpsertRule(ctx, &r, policy.Version+int64(i)+1))
	}

	require.NoError(t, st.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "loopback",
		Status:     model.ComplianceVerified,
	}))

	lb := adapter.NewLoopback()
	adapters := adapter.NewRegistry()
	adapters.Register(lb)

	return &fixture{
		store:    st,
		compiler: compiler.New(st),
		caps:     capability.NewRegistry(),
		adapters: adapters,
		loopback: lb,
		child:    child,
	}
}

func (f *fixture) dispatcher(emitter Emitter) *Dispatcher {
	return New(f.store, f.compiler, f.caps, f.adapters, emitter, &Options{CallTimeout: 5 * time.Second})
}

// runJob triggers an enforcement run, waits out the background fan-out, and
// returns the finished job as the store sees it.
func runJob(t *testing.T, f *fixture, d *Dispatcher, req TriggerRequest) *model.EnforcementJob {
	t.Helper()
	job, err := d.Trigger(context.Background(), req)
	require.NoError(t, err)
	d.Wait()
	done, err := f.store.GetEnforcementJob(context.Background(), job.ID)
	require.NoError(t, err)
	return done
}

func TestTriggerReturnsPendingJob(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	job, err := d.Trigger(context.Background(), TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)
	assert.Nil(t, job.CompletedAt)
	d.Wait()
}

func TestTriggerCompletes(t *testing.T) {
	f := newFixture(t)
	emitter := &captureEmitter{}
	d := f.dispatcher(emitter)

	job := runJob(t, f, d, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	results, err := f.store.ListEnforcementResults(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.ResultDone, results[0].Status)
	assert.Equal(t, 3, results[0].RulesApplied)
	assert.Zero(t, results[0].RulesFailed)

	// terminal event fired once
	assert.Len(t, emitter.jobs, 1)

	// compliance link cache was refreshed
	links, err := f.store.ListComplianceLinks(context.Background(), "fam-1")
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NotNil(t, links[0].LastEnforcedAt)
	assert.Equal(t, "ok", links[0].LastEnforceStatus)
}

func TestTriggerPlatformSubset(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gb := &recordingAdapter{id: "gamebox"}
	f.adapters.Register(gb)
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "gamebox",
		Status:     model.ComplianceVerified,
	}))

	d := f.dispatcher(nil)
	job := runJob(t, f, d, TriggerRequest{
		ChildID:     f.child.ID,
		PlatformIDs: []string{"gamebox"},
		Trigger:     model.TriggerManual,
	})
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	results, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1, "only the requested platform is targeted")
	assert.Equal(t, "gamebox", results[0].PlatformID)
	assert.Positive(t, gb.calls())
}

func TestTriggerUnknownPlatformInSubset(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	_, err := d.Trigger(context.Background(), TriggerRequest{
		ChildID:     f.child.ID,
		PlatformIDs: []string{"loopback", "streamhub"},
		Trigger:     model.TriggerManual,
	})
	require.ErrorIs(t, err, ErrUnknownPlatform)

	// validation happens before any job row is written
	jobs, err := f.store.ListEnforcementJobs(context.Background(), store.JobFilter{ChildID: f.child.ID})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestUnsupportedCategoriesAreAbsentNotSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// kidtube supports web_safe_search but neither time_daily_limit nor
	// purchase_block_all.
	kt := &recordingAdapter{id: "kidtube"}
	f.adapters.Register(kt)
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "kidtube",
		Status:     model.ComplianceVerified,
	}))

	d := f.dispatcher(nil)
	job := runJob(t, f, d, TriggerRequest{
		ChildID:     f.child.ID,
		PlatformIDs: []string{"kidtube"},
		Trigger:     model.TriggerManual,
	})
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	require.Len(t, kt.rules, 1, "the platform only sees categories it can enforce")
	assert.Equal(t, model.CategoryWebSafeSearch, kt.rules[0].Category)

	results, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].RulesApplied)
	assert.Zero(t, results[0].RulesSkipped, "unenforceable categories were never in the call, so nothing was skipped")
	assert.Zero(t, results[0].RulesFailed)
}

func TestTwoPlatformsGetCapabilityFilteredSets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kt := &recordingAdapter{id: "kidtube"}
	f.adapters.Register(kt)
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "kidtube",
		Status:     model.ComplianceVerified,
	}))

	d := f.dispatcher(nil)
	job := runJob(t, f, d, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	assert.Equal(t, model.JobStatusCompleted, job.Status)

	results, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byPlatform := map[string]model.EnforcementResult{}
	for _, r := range results {
		byPlatform[r.PlatformID] = r
	}
	assert.Equal(t, 3, byPlatform["loopback"].RulesApplied)
	assert.Equal(t, 1, byPlatform["kidtube"].RulesApplied)
	assert.Zero(t, byPlatform["loopback"].RulesSkipped)
	assert.Zero(t, byPlatform["kidtube"].RulesSkipped)
}

func TestTriggerPartialThenRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// a second platform that fails outright on the first pass
	flaky := &recordingAdapter{id: "gamebox", failFirst: true}
	f.adapters.Register(flaky)
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "gamebox",
		Status:     model.ComplianceVerified,
	}))

	d := f.dispatcher(nil)
	job := runJob(t, f, d, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	assert.Equal(t, model.JobStatusPartial, job.Status)

	results, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	var clean model.EnforcementResult
	for _, r := range results {
		if r.PlatformID == "loopback" {
			clean = r
		}
	}
	assert.Equal(t, 3, clean.RulesApplied)
	assert.Zero(t, clean.RulesFailed)

	// retry touches only the failed platform
	retried, err := d.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
	d.Wait()

	done, err := f.store.GetEnforcementJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, done.Status)

	results, err = f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	for _, r := range results {
		assert.Zero(t, r.RulesFailed)
		if r.PlatformID == "loopback" {
			assert.Equal(t, clean, r, "an already-clean platform result is left untouched by retry")
		}
	}
}

func TestRetryRejectsCompletedJob(t *testing.T) {
	f := newFixture(t)
	d := f.dispatcher(nil)

	job := runJob(t, f, d, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	require.Equal(t, model.JobStatusCompleted, job.Status)

	_, err := d.Retry(context.Background(), job.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrJobNotRetryable)
}

func TestTriggerNoActivePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	other, err := f.store.CreateChild(ctx, "fam-1", "Sam")
	require.NoError(t, err)

	d := f.dispatcher(nil)
	_, err = d.Trigger(ctx, TriggerRequest{ChildID: other.ID, Trigger: model.TriggerManual})
	assert.ErrorIs(t, err, compiler.ErrNoActivePolicy)
}

func TestTriggerNoVerifiedLinks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: "loopback",
		Status:     model.ComplianceUnverified,
	}))

	d := f.dispatcher(nil)
	_, err := d.Trigger(ctx, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	assert.ErrorIs(t, err, ErrNoTargets)
}

func TestAdapterTimeoutMarksPlatformFailed(t *testing.T) {
	f := newFixture(t)
	slow := &slowAdapter{delay: 200 * time.Millisecond}
	f.adapters.Register(slow)
	ctx := context.Background()
	require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
		FamilyID:   "fam-1",
		PlatformID: slow.PlatformID(),
		Status:     model.ComplianceVerified,
	}))

	d := New(f.store, f.compiler, f.caps, f.adapters, nil, &Options{CallTimeout: 20 * time.Millisecond})
	job := runJob(t, f, d, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	// loopback succeeded, the slow platform timed out
	assert.Equal(t, model.JobStatusPartial, job.Status)

	results, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	for _, r := range results {
		if r.PlatformID == slow.PlatformID() {
			assert.Positive(t, r.RulesFailed)
			assert.NotEmpty(t, r.ErrorMessage)
		}
	}
}

func TestCancelPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.dispatcher(nil)

	set, err := f.compiler.Compile(ctx, f.child.ID)
	require.NoError(t, err)

	job := &model.EnforcementJob{
		ID:        "job-1",
		ChildID:   f.child.ID,
		PolicyIDs: set.PolicyIDs,
		Trigger:   model.TriggerManual,
		Status:    model.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	results := []model.EnforcementResult{{
		ID: "res-1", JobID: job.ID, PlatformID: "loopback",
		Status: model.ResultPending, UpdatedAt: time.Now().UTC(),
	}}
	require.NoError(t, f.store.CreateEnforcementJob(ctx, job, results))

	require.NoError(t, d.Cancel(ctx, job.ID))

	got, err := f.store.GetEnforcementJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, got.Status)

	rs, err := f.store.ListEnforcementResults(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSkipped, rs[0].Status)

	// terminal jobs cannot be cancelled again
	assert.Error(t, d.Cancel(ctx, job.ID))
}

type captureAutoSync struct {
	mu      sync.Mutex
	sources []string
	modes   []model.SyncMode
}

func (c *captureAutoSync) Sync(_ context.Context, sourceID string, mode model.SyncMode, _ model.RuleCategory) (*model.SourceSyncJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources = append(c.sources, sourceID)
	c.modes = append(c.modes, mode)
	return &model.SourceSyncJob{ID: "sync-" + sourceID, SourceID: sourceID}, nil
}

func TestPolicyChangeTriggersAutoSync(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	auto := &model.Source{
		ID: "src-auto", ChildID: f.child.ID, PlatformID: "kidtube",
		Tier: model.SourceTierManaged, AutoSync: true,
	}
	require.NoError(t, f.store.CreateSource(ctx, auto))
	manualOnly := &model.Source{
		ID: "src-manual", ChildID: f.child.ID, PlatformID: "chatline",
		Tier: model.SourceTierManaged,
	}
	require.NoError(t, f.store.CreateSource(ctx, manualOnly))

	capture := &captureAutoSync{}
	d := f.dispatcher(nil)
	d.SetAutoSync(capture)

	_, err := d.Trigger(ctx, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerPolicyChange})
	require.NoError(t, err)
	d.Wait()

	require.Len(t, capture.sources, 1)
	assert.Equal(t, "src-auto", capture.sources[0])
	assert.Equal(t, model.SyncModeIncremental, capture.modes[0])

	// manual triggers never fan out to sources
	_, err = d.Trigger(ctx, TriggerRequest{ChildID: f.child.ID, Trigger: model.TriggerManual})
	require.NoError(t, err)
	d.Wait()
	assert.Len(t, capture.sources, 1)
}

func TestSharedPoolBoundsConcurrency(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	track := &concurrencyTracker{}
	f.adapters.Register(&gatedAdapter{id: "gamebox", hold: 50 * time.Millisecond, track: track})
	f.adapters.Register(&gatedAdapter{id: "kidtube", hold: 50 * time.Millisecond, track: track})
	for _, id := range []string{"gamebox", "kidtube"} {
		require.NoError(t, f.store.UpsertComplianceLink(ctx, &model.ComplianceLink{
			FamilyID: "fam-1", PlatformID: id, Status: model.ComplianceVerified,
		}))
	}

	pool := NewPool(1)
	d := New(f.store, f.compiler, f.caps, f.adapters, nil, &Options{
		Pool:        pool,
		CallTimeout: 5 * time.Second,
	})

	job := runJob(t, f, d, TriggerRequest{
		ChildID:     f.child.ID,
		PlatformIDs: []string{"gamebox", "kidtube"},
		Trigger:     model.TriggerManual,
	})
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	assert.False(t, track.overlapped.Load(), "a one-slot pool must serialize adapter calls")
}

// concurrencyTracker flags any overlap between adapter calls that share it.
type concurrencyTracker struct {
	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (c *concurrencyTracker) enter() {
	if c.inFlight.Add(1) > 1 {
		c.overlapped.Store(true)
	}
}

func (c *concurrencyTracker) leave() { c.inFlight.Add(-1) }

type gatedAdapter struct {
	id    string
	hold  time.Duration
	track *concurrencyTracker
}

func (a *gatedAdapter) PlatformID() string { return a.id }

func (a *gatedAdapter) Apply(_ context.Context, _ string, rules []model.Rule) ([]adapter.Outcome, error) {
	a.track.enter()
	defer a.track.leave()
	time.Sleep(a.hold)
	outcomes := make([]adapter.Outcome, 0, len(rules))
	for _, r := range rules {
		outcomes = append(outcomes, adapter.Outcome{Category: r.Category, Status: adapter.OutcomeApplied})
	}
	return outcomes, nil
}

// recordingAdapter captures the rules it is asked to apply; optionally the
// first call fails wholesale.
type recordingAdapter struct {
	id        string
	failFirst bool

	mu        sync.Mutex
	rules     []model.Rule
	callCount int
}

func (a *recordingAdapter) PlatformID() string { return a.id }

func (a *recordingAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.callCount
}

func (a *recordingAdapter) Apply(_ context.Context, _ string, rules []model.Rule) ([]adapter.Outcome, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callCount++
	a.rules = rules
	if a.failFirst && a.callCount == 1 {
		return nil, assert.AnError
	}
	outcomes := make([]adapter.Outcome, 0, len(rules))
	for _, r := range rules {
		outcomes = append(outcomes, adapter.Outcome{Category: r.Category, Status: adapter.OutcomeApplied})
	}
	return outcomes, nil
}

// slowAdapter claims the gamebox platform and sleeps past any call timeout.
type slowAdapter struct {
	delay time.Duration
}

func (a *slowAdapter) PlatformID() string { return "gamebox" }

func (a *slowAdapter) Apply(ctx context.Context, _ string, _ []model.Rule) ([]adapter.Outcome, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(a.delay):
		return nil, nil
	}
}
