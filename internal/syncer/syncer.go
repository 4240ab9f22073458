// Package syncer pushes a child's resolved rules to connected sources and
// tracks per-category sync state so unchanged rules are not re-sent.
package syncer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/safeguard/internal/adapter"
	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/dispatch"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// ErrCategoryNotResolved is returned from a single-rule sync when the
// category is absent from the child's resolved rule set.
var ErrCategoryNotResolved = eris.New("syncer: category not in resolved rule set")

// Emitter receives terminal sync job transitions.
type Emitter interface {
	EmitSync(ctx context.Context, job *model.SourceSyncJob, results []model.SourceSyncResult)
}

// Syncer runs source sync jobs. Category pushes run through the same worker
// pool as enforcement calls, so the outbound-call bound covers both kinds of
// job.
type Syncer struct {
	store    store.Store
	compiler *compiler.Compiler
	adapters *adapter.Registry
	emitter  Emitter
	pool     *dispatch.Pool
}

func New(st store.Store, comp *compiler.Compiler, adapters *adapter.Registry, emitter Emitter, pool *dispatch.Pool) *Syncer {
	if pool == nil {
		pool = dispatch.NewPool(0)
	}
	return &Syncer{store: st, compiler: comp, adapters: adapters, emitter: emitter, pool: pool}
}

// Sync runs one sync job against a source. For single-rule mode the
// category must be set; other modes ignore it.
func (s *Syncer) Sync(ctx context.Context, sourceID string, mode model.SyncMode, category model.RuleCategory) (*model.SourceSyncJob, error) {
	src, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	set, err := s.compiler.Compile(ctx, src.ChildID)
	if err != nil {
		return nil, err
	}

	states, err := s.store.GetSyncState(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	stateByCat := make(map[model.RuleCategory]model.SyncState, len(states))
	for _, st := range states {
		stateByCat[st.Category] = st
	}

	categories, err := selectCategories(set, mode, category)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	job := &model.SourceSyncJob{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		ChildID:   src.ChildID,
		Mode:      mode,
		Status:    model.JobStatusRunning,
		CreatedAt: now,
	}
	results := make([]model.SourceSyncResult, 0, len(categories))
	for _, cat := range categories {
		results = append(results, model.SourceSyncResult{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Category:  cat,
			Outcome:   model.SyncSkipped,
			UpdatedAt: now,
		})
	}
	if err := s.store.CreateSyncJob(ctx, job, results); err != nil {
		return nil, err
	}

	zap.L().Info("sync job started",
		zap.String("job_id", job.ID),
		zap.String("source_id", sourceID),
		zap.String("mode", string(mode)),
		zap.Int("categories", len(categories)))

	g, gctx := errgroup.WithContext(ctx)
	for i := range results {
		res := &results[i]
		g.Go(func() error {
			if err := s.pool.Acquire(gctx); err != nil {
				res.Outcome = model.SyncFailed
				res.Detail = err.Error()
			} else {
				s.syncOne(gctx, src, set, mode, res, stateByCat)
				s.pool.Release()
			}
			if err := s.store.UpdateSyncResult(gctx, res); err != nil {
				zap.L().Error("update sync result", zap.String("result_id", res.ID), zap.Error(err))
			}
			return nil
		})
	}
	// failures land on result rows, never as group errors
	_ = g.Wait()

	status := model.AggregateSyncStatus(results)

	// sync_version only advances when the job did not fail outright, so a
	// dead source keeps retrying from its last good version.
	if status != model.JobStatusFailed && set.MaxVersion > src.SyncVersion {
		if err := s.store.UpdateSourceSyncVersion(ctx, sourceID, set.MaxVersion); err != nil {
			zap.L().Error("bump source sync version", zap.String("source_id", sourceID), zap.Error(err))
		}
	}
	completed := time.Now().UTC()
	if err := s.store.UpdateSyncJobStatus(ctx, job.ID, status, &completed); err != nil {
		return nil, err
	}
	job.Status = status
	job.CompletedAt = &completed

	zap.L().Info("sync job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)))

	if s.emitter != nil {
		s.emitter.EmitSync(ctx, job, results)
	}
	return job, nil
}

// syncOne pushes a single category to the source, honoring capability
// declarations and stored sync state.
func (s *Syncer) syncOne(ctx context.Context, src *model.Source, set *model.ResolvedRuleSet, mode model.SyncMode, res *model.SourceSyncResult, states map[model.RuleCategory]model.SyncState) {
	rule := set.Rules[res.Category]

	c := src.Supports(res.Category)
	if c.Support == model.SupportNone {
		res.Outcome = model.SyncUnsupported
		res.Detail = "source does not support category"
		return
	}
	if c.Direction == model.DirectionPullOnly {
		res.Outcome = model.SyncUnsupported
		res.Detail = "capability is pull-only"
		return
	}

	hash := ruleHash(rule)
	if mode == model.SyncModeIncremental {
		if st, ok := states[res.Category]; ok && st.ConfigHash == hash {
			res.Outcome = model.SyncSkipped
			res.Detail = "unchanged since last sync"
			return
		}
	}

	if src.Tier == model.SourceTierGuided {
		// Guided sources have no API control; the parent applies the setting
		// from generated instructions.
		res.Outcome = model.SyncSkipped
		res.Detail = "guided source: manual step required"
		return
	}

	a, ok := s.adapters.Get(src.PlatformID)
	if !ok {
		res.Outcome = model.SyncFailed
		res.Detail = "no adapter registered for platform"
		return
	}

	outcomes, err := a.Apply(ctx, src.ChildID, []model.Rule{rule})
	if err != nil {
		res.Outcome = model.SyncFailed
		res.Detail = err.Error()
		zap.L().Warn("category sync failed",
			zap.String("source_id", src.ID),
			zap.String("category", string(res.Category)),
			zap.Error(err))
		return
	}
	for _, o := range outcomes {
		if o.Status == adapter.OutcomeFailed {
			res.Outcome = model.SyncFailed
			res.Detail = o.Detail
			return
		}
	}

	res.Outcome = model.SyncPushed
	if err := s.store.UpsertSyncState(ctx, &model.SyncState{
		SourceID:   src.ID,
		Category:   res.Category,
		ConfigHash: hash,
		Version:    set.MaxVersion,
	}); err != nil {
		zap.L().Error("upsert sync state",
			zap.String("source_id", src.ID),
			zap.String("category", string(res.Category)),
			zap.Error(err))
	}
}

func selectCategories(set *model.ResolvedRuleSet, mode model.SyncMode, category model.RuleCategory) ([]model.RuleCategory, error) {
	switch mode {
	case model.SyncModeSingleRule:
		if _, ok := set.Rules[category]; !ok {
			return nil, eris.Wrapf(ErrCategoryNotResolved, "category %s", category)
		}
		return []model.RuleCategory{category}, nil
	case model.SyncModeFull, model.SyncModeIncremental:
		cats := set.Categories()
		sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
		return cats, nil
	default:
		return nil, eris.Errorf("syncer: unknown sync mode %q", mode)
	}
}

// ruleHash fingerprints a rule's enabled flag and config for change
// detection between syncs.
func ruleHash(r model.Rule) string {
	h := sha256.New()
	if r.Enabled {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(r.Config)
	return hex.EncodeToString(h.Sum(nil))
}
