// Package devicesync serves on-device agents that pull policy instead of
// being pushed to. Devices poll for the latest compiled snapshot, apply it
// locally, and report back the version they run.
package devicesync

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/safeguard/internal/compiler"
	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

// Service implements the device registration and pull-sync protocol.
type Service struct {
	store    store.Store
	compiler *compiler.Compiler
}

func New(st store.Store, comp *compiler.Compiler) *Service {
	return &Service{store: st, compiler: comp}
}

// Register enrolls a device for a child and returns its registration.
func (s *Service) Register(ctx context.Context, childID, platformID string, meta []byte) (*model.DeviceRegistration, error) {
	if _, err := s.store.GetChild(ctx, childID); err != nil {
		return nil, eris.Wrapf(err, "devicesync: child %s", childID)
	}
	dev := &model.DeviceRegistration{
		ID:         uuid.NewString(),
		ChildID:    childID,
		PlatformID: platformID,
		Meta:       meta,
	}
	if err := s.store.RegisterDevice(ctx, dev); err != nil {
		return nil, err
	}
	zap.L().Info("device registered",
		zap.String("device_id", dev.ID),
		zap.String("child_id", childID),
		zap.String("platform_id", platformID))
	return dev, nil
}

// Poll returns the snapshot a device should apply, or nil when the device
// already runs the current version. lastSeenVersion is the version the
// device reports it is running; a negative value means the device did not
// say, and the server falls back to the last acked version. The reported
// value wins over the stored ack so a device that lost local state gets a
// fresh snapshot instead of an up-to-date answer forever. Devices always
// receive complete snapshots; they never reconcile diffs.
func (s *Service) Poll(ctx context.Context, deviceID string, lastSeenVersion int64) (*model.CompiledPolicy, error) {
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := s.store.TouchDevice(ctx, deviceID, now); err != nil {
		zap.L().Error("touch device", zap.String("device_id", deviceID), zap.Error(err))
	}

	set, err := s.compiler.Compile(ctx, dev.ChildID)
	if err != nil {
		if eris.Is(err, compiler.ErrNoActivePolicy) {
			// no policy means nothing to enforce; the device keeps whatever
			// it has until one is activated
			return nil, nil
		}
		return nil, err
	}

	running := dev.LastPolicyVersion
	if lastSeenVersion >= 0 {
		running = lastSeenVersion
	}
	if running >= set.MaxVersion {
		return nil, nil
	}

	snapshot, err := s.snapshot(ctx, set)
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Report records a device's applied policy version and heartbeat.
func (s *Service) Report(ctx context.Context, report *model.DeviceReport) error {
	dev, err := s.store.GetDevice(ctx, report.DeviceID)
	if err != nil {
		return err
	}
	at := report.ReportedAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	if err := s.store.TouchDevice(ctx, dev.ID, at); err != nil {
		return err
	}
	if report.PolicyVersion > dev.LastPolicyVersion {
		if err := s.store.AckDevice(ctx, dev.ID, report.PolicyVersion, at); err != nil {
			return err
		}
		zap.L().Debug("device acknowledged policy",
			zap.String("device_id", dev.ID),
			zap.Int64("version", report.PolicyVersion))
	}
	return nil
}

// Stale lists devices that have not acknowledged a policy within the given
// window, for the monitoring sweep.
func (s *Service) Stale(ctx context.Context, window time.Duration) ([]model.DeviceRegistration, error) {
	return s.store.StaleDevices(ctx, time.Now().UTC().Add(-window))
}

// snapshot returns the stored compiled policy matching the resolved set's
// version, building and persisting one lazily if needed.
func (s *Service) snapshot(ctx context.Context, set *model.ResolvedRuleSet) (*model.CompiledPolicy, error) {
	existing, err := s.store.LatestCompiledPolicy(ctx, set.ChildID)
	if err == nil && existing.Version >= set.MaxVersion {
		return existing, nil
	}
	if err != nil && !eris.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rules := make([]model.Rule, 0, len(set.Rules))
	for _, cat := range set.Categories() {
		rules = append(rules, set.Rules[cat])
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Category < rules[j].Category })

	cp := &model.CompiledPolicy{
		ID:        uuid.NewString(),
		ChildID:   set.ChildID,
		Version:   set.MaxVersion,
		PolicyIDs: set.PolicyIDs,
		Rules:     rules,
	}
	if err := s.store.InsertCompiledPolicy(ctx, cp); err != nil {
		return nil, err
	}
	zap.L().Info("compiled policy snapshot created",
		zap.String("child_id", set.ChildID),
		zap.Int64("version", cp.Version),
		zap.Int("rules", len(rules)))
	return cp, nil
}
