// Package dispatch runs enforcement jobs: it fans a child's resolved rule
// set out to every linked platform, collects per-platform results, and
// aggregates them into a job status.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/safeguard/internal/adapter"
	"github.com/sells-group/safeguard/internal/capability"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/resilience"
	"github.com/sells-group/safeguard/internal/store"
)

// ErrNoTargets is returned when a child has no verified platform links to
// enforce against.
var ErrNoTargets = eris.New("dispatch: no verified platform links")

// ErrJobNotRetryable is returned when Retry is called on a job that is not
// in a terminal failed or partial state.
var ErrJobNotRetryable = eris.New("dispatch: job is not retryable")

// ErrUnknownPlatform is returned when an explicit platform subset names a
// platform without a verified link or registered adapter.
var ErrUnknownPlatform = eris.New("dispatch: unknown platform in subset")

// Emitter receives terminal job transitions. The webhook fan-out implements
// it; a nil emitter disables notifications.
type Emitter interface {
	EmitJob(ctx context.Context, job *model.EnforcementJob, results []model.EnforcementResult)
}

// AutoSyncer enqueues follow-up source syncs after policy-change jobs. The
// syncer implements it; nil disables auto-sync.
type AutoSyncer interface {
	Sync(ctx context.Context, sourceID string, mode model.SyncMode, category model.RuleCategory) (*model.SourceSyncJob, error)
}

// TriggerRequest describes one enforcement run. An empty PlatformIDs means
// every platform with a verified link for the child's family; a non-empty
// subset is validated against those targets before the job is created.
type TriggerRequest struct {
	ChildID     string
	PlatformIDs []string
	Trigger     model.TriggerType
}

// Options tunes the dispatcher's concurrency and pacing.
type Options struct {
	// Workers bounds how many platform calls run at once across all
	// in-flight jobs. Ignored when Pool is set.
	Workers int
	// Pool, when non-nil, is shared with other dispatchers (the source
	// syncer) so the bound covers every outbound adapter call.
	Pool *Pool
	// CallTimeout bounds a single adapter call.
	CallTimeout time.Duration
	// PlatformRate is the sustained request rate allowed per platform.
	PlatformRate rate.Limit
	// PlatformBurst is the per-platform burst allowance.
	PlatformBurst int
}

func defaultOptions() Options {
	return Options{
		Workers:       4,
		CallTimeout:   60 * time.Second,
		PlatformRate:  rate.Limit(2),
		PlatformBurst: 4,
	}
}

// Dispatcher coordinates enforcement runs.
type Dispatcher struct {
	store    store.Store
	compiler *compiler.Compiler
	caps     *capability.Registry
	adapters *adapter.Registry
	emitter  Emitter
	autoSync AutoSyncer
	pool     *Pool
	opts     Options

	wg       sync.WaitGroup
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(st store.Store, comp *compiler.Compiler, caps *capability.Registry, adapters *adapter.Registry, emitter Emitter, opts *Options) *Dispatcher {
	o := defaultOptions()
	if opts != nil {
		if opts.Workers > 0 {
			o.Workers = opts.Workers
		}
		if opts.CallTimeout > 0 {
			o.CallTimeout = opts.CallTimeout
		}
		if opts.PlatformRate > 0 {
			o.PlatformRate = opts.PlatformRate
		}
		if opts.PlatformBurst > 0 {
			o.PlatformBurst = opts.PlatformBurst
		}
		o.Pool = opts.Pool
	}
	pool := o.Pool
	if pool == nil {
		pool = NewPool(o.Workers)
	}
	return &Dispatcher{
		store:    st,
		compiler: comp,
		caps:     caps,
		adapters: adapters,
		emitter:  emitter,
		pool:     pool,
		opts:     o,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Pool exposes the worker pool so the source syncer can share the same
// bound on outbound calls.
func (d *Dispatcher) Pool() *Pool {
	return d.pool
}

// SetAutoSync installs the follow-up syncer. Set after construction because
// the syncer and dispatcher are built from the same registries.
func (d *Dispatcher) SetAutoSync(s AutoSyncer) {
	d.autoSync = s
}

// Trigger compiles the child's rule set, creates a pending enforcement job
// against the target platforms, and starts the fan-out in the background.
// The returned job carries status pending; results land asynchronously.
// Structural problems (no active policy, unknown child, bad subset) surface
// here, before any job row exists.
func (d *Dispatcher) Trigger(ctx context.Context, req TriggerRequest) (*model.EnforcementJob, error) {
	set, err := d.compiler.Compile(ctx, req.ChildID)
	if err != nil {
		return nil, err
	}

	child, err := d.store.GetChild(ctx, req.ChildID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: load child %s", req.ChildID)
	}

	platforms, err := d.targets(ctx, child.FamilyID)
	if err != nil {
		return nil, err
	}
	if len(req.PlatformIDs) > 0 {
		platforms, err = subset(platforms, req.PlatformIDs)
		if err != nil {
			return nil, err
		}
	}
	if len(platforms) == 0 {
		return nil, ErrNoTargets
	}

	now := time.Now().UTC()
	job := &model.EnforcementJob{
		ID:        uuid.NewString(),
		ChildID:   req.ChildID,
		PolicyIDs: set.PolicyIDs,
		Trigger:   req.Trigger,
		Status:    model.JobStatusPending,
		CreatedAt: now,
	}
	results := make([]model.EnforcementResult, 0, len(platforms))
	for _, platformID := range platforms {
		results = append(results, model.EnforcementResult{
			ID:         uuid.NewString(),
			JobID:      job.ID,
			PlatformID: platformID,
			Status:     model.ResultPending,
			UpdatedAt:  now,
		})
	}
	if err := d.store.CreateEnforcementJob(ctx, job, results); err != nil {
		return nil, err
	}

	zap.L().Info("enforcement job created",
		zap.String("job_id", job.ID),
		zap.String("child_id", req.ChildID),
		zap.String("trigger", string(req.Trigger)),
		zap.Int("platforms", len(platforms)))

	d.runAsync(ctx, job, results, set, child.FamilyID)
	return job, nil
}

// subset validates an explicit platform list against the verified targets.
func subset(targets, requested []string) ([]string, error) {
	allowed := make(map[string]bool, len(targets))
	for _, id := range targets {
		allowed[id] = true
	}
	out := make([]string, 0, len(requested))
	for _, id := range requested {
		if !allowed[id] {
			return nil, eris.Wrapf(ErrUnknownPlatform, "platform %s", id)
		}
		out = append(out, id)
	}
	return out, nil
}

// runAsync detaches the fan-out from the caller's request lifetime. The run
// outlives the HTTP request that triggered it; Wait blocks until every
// background run has finalized.
func (d *Dispatcher) runAsync(ctx context.Context, job *model.EnforcementJob, pending []model.EnforcementResult, set *model.ResolvedRuleSet, familyID string) {
	runCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.run(runCtx, job, pending, set, familyID); err != nil {
			zap.L().Error("enforcement run failed",
				zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until all in-flight enforcement runs have finished. The CLI
// and tests use it; the API server lets runs drain on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Retry re-runs only the platforms of a terminal job that still have failed
// rules. Results that completed cleanly are left untouched and the job keeps
// its ID.
func (d *Dispatcher) Retry(ctx context.Context, jobID string) (*model.EnforcementJob, error) {
	job, err := d.store.GetEnforcementJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusFailed && job.Status != model.JobStatusPartial {
		return nil, eris.Wrapf(ErrJobNotRetryable, "job %s is %s", jobID, job.Status)
	}

	all, err := d.store.ListEnforcementResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	set, err := d.compiler.Compile(ctx, job.ChildID)
	if err != nil {
		return nil, err
	}
	child, err := d.store.GetChild(ctx, job.ChildID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: load child %s", job.ChildID)
	}

	var retryable []model.EnforcementResult
	for i := range all {
		if all[i].RulesFailed > 0 {
			all[i].Status = model.ResultPending
			all[i].RulesApplied = 0
			all[i].RulesSkipped = 0
			all[i].RulesFailed = 0
			all[i].Details = ""
			all[i].ErrorMessage = ""
			if err := d.store.UpdateEnforcementResult(ctx, &all[i]); err != nil {
				return nil, err
			}
			retryable = append(retryable, all[i])
		}
	}
	if len(retryable) == 0 {
		return nil, eris.Wrapf(ErrJobNotRetryable, "job %s has no failed platforms", jobID)
	}

	zap.L().Info("retrying enforcement job",
		zap.String("job_id", jobID),
		zap.Int("platforms", len(retryable)))

	d.runAsync(ctx, job, retryable, set, child.FamilyID)
	return job, nil
}

// Cancel stops a job that has not reached a terminal state. Results still
// pending are marked skipped; results already recorded stand.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.store.GetEnforcementJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return eris.Errorf("dispatch: job %s already %s", jobID, job.Status)
	}

	results, err := d.store.ListEnforcementResults(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range results {
		if results[i].Status == model.ResultPending || results[i].Status == model.ResultRunning {
			results[i].Status = model.ResultSkipped
			results[i].Details = "job cancelled"
			if err := d.store.UpdateEnforcementResult(ctx, &results[i]); err != nil {
				return err
			}
		}
	}

	now := time.Now().UTC()
	// Cancelled is set directly: aggregation would read a sea of skipped
	// results as a clean completion.
	if err := d.store.UpdateEnforcementJobStatus(ctx, jobID, model.JobStatusCancelled, &now); err != nil {
		return err
	}
	zap.L().Info("enforcement job cancelled", zap.String("job_id", jobID))
	return nil
}

// targets returns the platform IDs with a verified compliance link and a
// registered adapter.
func (d *Dispatcher) targets(ctx context.Context, familyID string) ([]string, error) {
	links, err := d.store.ListComplianceLinks(ctx, familyID)
	if err != nil {
		return nil, eris.Wrapf(err, "dispatch: load links for %s", familyID)
	}
	var out []string
	for _, l := range links {
		if l.Status != model.ComplianceVerified {
			continue
		}
		if _, ok := d.adapters.Get(l.PlatformID); !ok {
			zap.L().Warn("verified link has no adapter", zap.String("platform_id", l.PlatformID))
			continue
		}
		out = append(out, l.PlatformID)
	}
	return out, nil
}

// run executes the given pending results concurrently, then aggregates.
func (d *Dispatcher) run(ctx context.Context, job *model.EnforcementJob, pending []model.EnforcementResult, set *model.ResolvedRuleSet, familyID string) error {
	// A cancel has to win even when it lands before the run starts.
	current, err := d.store.GetEnforcementJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.Status == model.JobStatusCancelled {
		job.Status = current.Status
		job.CompletedAt = current.CompletedAt
		return nil
	}

	if err := d.store.UpdateEnforcementJobStatus(ctx, job.ID, model.JobStatusRunning, nil); err != nil {
		return err
	}
	job.Status = model.JobStatusRunning

	g, gctx := errgroup.WithContext(ctx)
	for i := range pending {
		res := pending[i]
		g.Go(func() error {
			if err := d.pool.Acquire(gctx); err != nil {
				res.Status = model.ResultDone
				res.RulesFailed = len(set.Rules)
				res.ErrorMessage = err.Error()
				d.record(gctx, &res, familyID)
				return nil
			}
			defer d.pool.Release()
			d.enforceOne(gctx, &res, set, familyID)
			return nil
		})
	}
	// workers never return errors; failures land on result rows
	_ = g.Wait()

	return d.finalize(ctx, job)
}

// enforceOne pushes the rule set to a single platform and records the
// result. All failure modes end on the result row, never as a returned
// error, so one bad platform cannot sink its siblings.
func (d *Dispatcher) enforceOne(ctx context.Context, res *model.EnforcementResult, set *model.ResolvedRuleSet, familyID string) {
	res.Status = model.ResultRunning
	if err := d.store.UpdateEnforcementResult(ctx, res); err != nil {
		zap.L().Error("mark result running", zap.String("result_id", res.ID), zap.Error(err))
	}

	// Categories outside the platform's capability are simply absent from
	// the call; the platform was never asked, so they are not "skipped".
	pushable, unsupported := d.caps.Filter(res.PlatformID, set)
	if len(unsupported) > 0 {
		zap.L().Debug("categories outside platform capability",
			zap.String("platform_id", res.PlatformID),
			zap.Int("categories", len(unsupported)))
	}

	if len(pushable) == 0 {
		res.Status = model.ResultDone
		res.Details = "no pushable rules for platform"
		d.record(ctx, res, familyID)
		return
	}

	a, ok := d.adapters.Get(res.PlatformID)
	if !ok {
		res.Status = model.ResultDone
		res.RulesFailed = len(pushable)
		res.ErrorMessage = "no adapter registered"
		d.record(ctx, res, familyID)
		return
	}

	if err := d.limiter(res.PlatformID).Wait(ctx); err != nil {
		res.Status = model.ResultDone
		res.RulesFailed = len(pushable)
		res.ErrorMessage = err.Error()
		d.record(ctx, res, familyID)
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.CallTimeout)
	defer cancel()

	outcomes, err := a.Apply(callCtx, set.ChildID, pushable)
	if err != nil {
		res.Status = model.ResultDone
		res.RulesFailed = len(pushable)
		res.ErrorMessage = err.Error()
		res.Details = resilience.ClassifyError(err)
		zap.L().Warn("platform enforcement failed",
			zap.String("job_id", res.JobID),
			zap.String("platform_id", res.PlatformID),
			zap.Error(err))
		d.record(ctx, res, familyID)
		return
	}

	for _, o := range outcomes {
		switch o.Status {
		case adapter.OutcomeApplied:
			res.RulesApplied++
		case adapter.OutcomeSkipped:
			res.RulesSkipped++
		case adapter.OutcomeFailed:
			res.RulesFailed++
		}
	}
	res.Status = model.ResultDone
	d.record(ctx, res, familyID)
}

func (d *Dispatcher) record(ctx context.Context, res *model.EnforcementResult, familyID string) {
	if err := d.store.UpdateEnforcementResult(ctx, res); err != nil {
		zap.L().Error("update enforcement result", zap.String("result_id", res.ID), zap.Error(err))
		return
	}

	status := "ok"
	if res.RulesFailed > 0 {
		status = "failed"
	}
	if err := d.store.RecordEnforcement(ctx, familyID, res.PlatformID, time.Now().UTC(), status); err != nil {
		zap.L().Error("record enforcement on link",
			zap.String("platform_id", res.PlatformID), zap.Error(err))
	}
}

// finalize aggregates results into the job status and emits the terminal
// event.
func (d *Dispatcher) finalize(ctx context.Context, job *model.EnforcementJob) error {
	// A concurrent Cancel may have already closed the job out; its verdict
	// stands over the aggregate.
	current, err := d.store.GetEnforcementJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		job.Status = current.Status
		job.CompletedAt = current.CompletedAt
		return nil
	}

	results, err := d.store.ListEnforcementResults(ctx, job.ID)
	if err != nil {
		return err
	}

	status := model.AggregateJobStatus(results)
	now := time.Now().UTC()
	var completedAt *time.Time
	if status.Terminal() {
		completedAt = &now
	}
	if err := d.store.UpdateEnforcementJobStatus(ctx, job.ID, status, completedAt); err != nil {
		return err
	}
	job.Status = status
	job.CompletedAt = completedAt

	zap.L().Info("enforcement job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)))

	if status.Terminal() && d.emitter != nil {
		d.emitter.EmitJob(ctx, job, results)
	}
	if status.Terminal() && job.Trigger == model.TriggerPolicyChange {
		d.followUpSyncs(ctx, job.ChildID)
	}
	return nil
}

// followUpSyncs enqueues an incremental sync for each auto-sync source of
// the child. Failures are logged; they never affect the finished job.
func (d *Dispatcher) followUpSyncs(ctx context.Context, childID string) {
	if d.autoSync == nil {
		return
	}
	sources, err := d.store.ListSources(ctx, childID)
	if err != nil {
		zap.L().Error("list sources for auto-sync", zap.String("child_id", childID), zap.Error(err))
		return
	}
	for _, src := range sources {
		if !src.AutoSync {
			continue
		}
		if _, err := d.autoSync.Sync(ctx, src.ID, model.SyncModeIncremental, ""); err != nil {
			zap.L().Warn("auto-sync after enforcement failed",
				zap.String("source_id", src.ID), zap.Error(err))
		}
	}
}

func (d *Dispatcher) limiter(platformID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[platformID]
	if !ok {
		l = rate.NewLimiter(d.opts.PlatformRate, d.opts.PlatformBurst)
		d.limiters[platformID] = l
	}
	return l
}
