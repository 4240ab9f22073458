package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "monitoring.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })
	return st
}

func seedJob(t *testing.T, st store.Store, status model.JobStatus, age time.Duration) {
	t.Helper()
	job := &model.EnforcementJob{
		ID:        uuid.NewString(),
		ChildID:   "child-1",
		PolicyIDs: []string{"pol-1"},
		Trigger:   model.TriggerManual,
		Status:    status,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	require.NoError(t, st.CreateEnforcementJob(context.Background(), job, nil))
}

func TestCollector_EmptyStore(t *testing.T) {
	st := newTestStore(t)
	c := NewCollector(st, 24*time.Hour)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0, snap.JobsTotal)
	assert.Equal(t, 0, snap.JobsFailed)
	assert.Equal(t, 0.0, snap.JobFailRate)
	assert.Equal(t, 0, snap.PermanentDeliveries)
	assert.Equal(t, 0, snap.StaleDevices)
	assert.Equal(t, 24, snap.LookbackHours)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCollector_JobMetrics(t *testing.T) {
	st := newTestStore(t)

	seedJob(t, st, model.JobStatusCompleted, 1*time.Hour)
	seedJob(t, st, model.JobStatusCompleted, 2*time.Hour)
	seedJob(t, st, model.JobStatusFailed, 3*time.Hour)
	seedJob(t, st, model.JobStatusPartial, 4*time.Hour)
	seedJob(t, st, model.JobStatusRunning, 30*time.Minute)
	// Outside the lookback window.
	seedJob(t, st, model.JobStatusFailed, 48*time.Hour)

	c := NewCollector(st, 24*time.Hour)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 5, snap.JobsTotal)
	assert.Equal(t, 2, snap.JobsCompleted)
	assert.Equal(t, 1, snap.JobsFailed)
	assert.Equal(t, 1, snap.JobsPartial)
	assert.Equal(t, 1, snap.JobsRunning)
	// 1 failed + 1 partial out of 4 finished.
	assert.InDelta(t, 0.5, snap.JobFailRate, 0.001)
}

func TestCollector_FailureRateZeroFinished(t *testing.T) {
	st := newTestStore(t)
	seedJob(t, st, model.JobStatusPending, 1*time.Hour)
	seedJob(t, st, model.JobStatusRunning, 2*time.Hour)

	c := NewCollector(st, 24*time.Hour)
	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)

	assert.Equal(t, 0.0, snap.JobFailRate)
}

func TestCollector_PermanentDeliveries(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	hook := &model.Webhook{
		ID:       uuid.NewString(),
		FamilyID: "fam-1",
		URL:      "https://example.com/hooks",
		Events:   []string{model.EventEnforcementCompleted},
		Active:   true,
	}
	require.NoError(t, st.CreateWebhook(ctx, hook))

	now := time.Now().UTC()
	deliveries := []model.WebhookDelivery{
		{
			ID:        uuid.NewString(),
			WebhookID: hook.ID,
			Event:     model.EventEnforcementCompleted,
			Payload:   []byte(`{}`),
			Attempts:  5,
			Permanent: true,
			CreatedAt: now.Add(-2 * time.Hour),
			UpdatedAt: now.Add(-1 * time.Hour),
		},
		{
			ID:        uuid.NewString(),
			WebhookID: hook.ID,
			Event:     model.EventEnforcementCompleted,
			Payload:   []byte(`{}`),
			Attempts:  1,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-1 * time.Hour),
		},
	}
	require.NoError(t, st.CreateDeliveries(ctx, deliveries))

	c := NewCollector(st, 24*time.Hour)
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.PermanentDeliveries)
}

func TestCollector_StaleDevices(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	child, err := st.CreateChild(ctx, "fam-1", "Alex")
	require.NoError(t, err)

	fresh := &model.DeviceRegistration{ID: uuid.NewString(), ChildID: child.ID, PlatformID: "loopback"}
	stale := &model.DeviceRegistration{ID: uuid.NewString(), ChildID: child.ID, PlatformID: "loopback"}
	require.NoError(t, st.RegisterDevice(ctx, fresh))
	require.NoError(t, st.RegisterDevice(ctx, stale))

	require.NoError(t, st.AckDevice(ctx, fresh.ID, 1, time.Now().UTC()))
	require.NoError(t, st.AckDevice(ctx, stale.ID, 1, time.Now().UTC().Add(-48*time.Hour)))

	c := NewCollector(st, 24*time.Hour)
	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.StaleDevices)
}
