package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/safeguard/internal/model"
	"github.com/sells-group/safeguard/internal/store"
)

func newStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "webhook.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func registerHook(t *testing.T, st store.Store, familyID, url string, events ...string) *model.Webhook {
	t.Helper()
	w := &model.Webhook{
		ID:       uuid.NewString(),
		FamilyID: familyID,
		URL:      url,
		Events:   events,
		Active:   true,
	}
	require.NoError(t, st.CreateWebhook(context.Background(), w))
	return w
}

func TestBackoffLadder(t *testing.T) {
	expected := []time.Duration{time.Minute, 5 * time.Minute, 30 * time.Minute, 4 * time.Hour, 24 * time.Hour}
	for i, want := range expected {
		assert.Equal(t, want, Backoff(i+1))
	}
	// ladder is monotonic and clamps at both ends
	for i := 1; i < len(expected); i++ {
		assert.Greater(t, Backoff(i+1), Backoff(i))
	}
	assert.Equal(t, time.Minute, Backoff(0))
	assert.Equal(t, 24*time.Hour, Backoff(99))
}

func TestFanoutCreatesDeliveriesPerSubscriber(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	child, err := st.CreateChild(ctx, "fam-1", "Alex")
	require.NoError(t, err)

	registerHook(t, st, "fam-1", "https://one.example/hook", model.EventEnforcementCompleted)
	registerHook(t, st, "fam-1", "https://two.example/hook", model.EventEnforcementCompleted, model.EventEnforcementFailed)
	// other family, same event: must not receive this job
	registerHook(t, st, "fam-2", "https://other.example/hook", model.EventEnforcementCompleted)
	// same family, different event
	registerHook(t, st, "fam-1", "https://sync.example/hook", model.EventSyncCompleted)

	f := NewFanout(st)
	job := &model.EnforcementJob{
		ID:      uuid.NewString(),
		ChildID: child.ID,
		Status:  model.JobStatusCompleted,
	}
	f.EmitJob(ctx, job, nil)

	due, err := st.DueDeliveries(ctx, time.Now().UTC().Add(time.Second), MaxAttempts, 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
	for _, d := range due {
		assert.Equal(t, model.EventEnforcementCompleted, d.Event)
		assert.NotEmpty(t, d.Payload)
	}
}

func TestFanoutIgnoresNonTerminalStatus(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	child, err := st.CreateChild(ctx, "fam-1", "Alex")
	require.NoError(t, err)
	registerHook(t, st, "fam-1", "https://one.example/hook", model.EventEnforcementCompleted)

	NewFanout(st).EmitJob(ctx, &model.EnforcementJob{
		ID: uuid.NewString(), ChildID: child.ID, Status: model.JobStatusRunning,
	}, nil)

	due, err := st.DueDeliveries(ctx, time.Now().UTC().Add(time.Second), MaxAttempts, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeliverSuccess(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	var gotEvent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent.Store(r.Header.Get("X-Safeguard-Event"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := registerHook(t, st, "fam-1", srv.URL, model.EventEnforcementCompleted)
	now := time.Now().UTC()
	delivery := model.WebhookDelivery{
		ID:          uuid.NewString(),
		WebhookID:   hook.ID,
		Event:       model.EventEnforcementCompleted,
		Payload:     []byte(`{"event":"enforcement_job.completed"}`),
		NextRetryAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.CreateDeliveries(ctx, []model.WebhookDelivery{delivery}))

	d := NewDeliverer(st)
	require.NoError(t, d.Deliver(ctx, &delivery))

	assert.True(t, delivery.Success)
	assert.Equal(t, 1, delivery.Attempts)
	assert.Equal(t, model.EventEnforcementCompleted, gotEvent.Load())

	due, err := st.DueDeliveries(ctx, time.Now().UTC().Add(48*time.Hour), MaxAttempts, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeliverFailureWalksLadderToPermanent(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	hook := registerHook(t, st, "fam-1", srv.URL, model.EventEnforcementFailed)
	now := time.Now().UTC()
	delivery := model.WebhookDelivery{
		ID:          uuid.NewString(),
		WebhookID:   hook.ID,
		Event:       model.EventEnforcementFailed,
		Payload:     []byte(`{}`),
		NextRetryAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.CreateDeliveries(ctx, []model.WebhookDelivery{delivery}))

	d := NewDeliverer(st)
	start := time.Now().UTC()

	for attempt := 1; attempt < MaxAttempts; attempt++ {
		require.NoError(t, d.Deliver(ctx, &delivery))
		assert.False(t, delivery.Success)
		assert.False(t, delivery.Permanent)
		assert.Equal(t, attempt, delivery.Attempts)
		require.NotNil(t, delivery.NextRetryAt)
		assert.WithinDuration(t, start.Add(Backoff(attempt)), *delivery.NextRetryAt, 30*time.Second)
	}

	// fifth failure is terminal
	require.NoError(t, d.Deliver(ctx, &delivery))
	assert.True(t, delivery.Permanent)
	assert.Equal(t, MaxAttempts, delivery.Attempts)
	assert.Nil(t, delivery.NextRetryAt)

	failed, err := st.FailedDeliveries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, delivery.ID, failed[0].ID)

	// permanently failed deliveries are never due again, even past the top
	// ladder rung
	due, err := st.DueDeliveries(ctx, time.Now().UTC().Add(72*time.Hour), MaxAttempts, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestDeliverToDeletedWebhook(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	hook := registerHook(t, st, "fam-1", "https://gone.example/hook", model.EventEnforcementCompleted)
	now := time.Now().UTC()
	delivery := model.WebhookDelivery{
		ID:          uuid.NewString(),
		WebhookID:   hook.ID,
		Event:       model.EventEnforcementCompleted,
		Payload:     []byte(`{}`),
		NextRetryAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, st.CreateDeliveries(ctx, []model.WebhookDelivery{delivery}))
	require.NoError(t, st.DeleteWebhook(ctx, hook.ID))

	require.NoError(t, NewDeliverer(st).Deliver(ctx, &delivery))
	assert.True(t, delivery.Permanent)
	assert.Equal(t, "webhook deleted", delivery.LastError)
}

func TestSchedulerDrainsDueDeliveries(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	hook := registerHook(t, st, "fam-1", srv.URL, model.EventSyncCompleted)
	now := time.Now().UTC()
	var deliveries []model.WebhookDelivery
	for i := 0; i < 3; i++ {
		deliveries = append(deliveries, model.WebhookDelivery{
			ID:          uuid.NewString(),
			WebhookID:   hook.ID,
			Event:       model.EventSyncCompleted,
			Payload:     []byte(`{}`),
			NextRetryAt: &now,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	require.NoError(t, st.CreateDeliveries(ctx, deliveries))

	sched := NewScheduler(st, NewDeliverer(st), &SchedulerOptions{Rate: rate.Limit(1000), Burst: 1000})
	require.NoError(t, sched.RunOnce(ctx))

	assert.Equal(t, int32(3), hits.Load())
	due, err := st.DueDeliveries(ctx, time.Now().UTC().Add(time.Second), MaxAttempts, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
