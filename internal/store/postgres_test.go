package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/safeguard/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetChild_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, family_id, name, created_at FROM children WHERE id = \$1`).
		WithArgs("nonexistent-child").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetChild(context.Background(), "nonexistent-child")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPolicy_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM policies WHERE id = \$1`).
		WithArgs("nonexistent-policy").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPolicy(context.Background(), "nonexistent-policy")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdatePolicy_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE policies SET name`).
		WithArgs("base", model.PolicyStatusActive, 10, "pol-1", int64(3)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM policies`).
		WithArgs("pol-1").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(1))

	p := &model.Policy{ID: "pol-1", Name: "base", Status: model.PolicyStatusActive, Priority: 10}
	err := s.UpdatePolicy(context.Background(), p, 3)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdatePolicy_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE policies SET name`).
		WithArgs("base", model.PolicyStatusDraft, 0, "pol-gone", int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM policies`).
		WithArgs("pol-gone").
		WillReturnRows(mock.NewRows([]string{"count"}).AddRow(0))

	p := &model.Policy{ID: "pol-gone", Name: "base", Status: model.PolicyStatusDraft}
	err := s.UpdatePolicy(context.Background(), p, 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SoftDeletePolicy_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE policies SET deleted = true`).
		WithArgs("pol-gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SoftDeletePolicy(context.Background(), "pol-gone")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListPolicies(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM policies WHERE child_id = \$1 AND deleted = false`).
		WithArgs("child-1").
		WillReturnRows(mock.NewRows([]string{"id", "child_id", "name", "status", "priority", "version", "deleted", "created_at", "updated_at"}).
			AddRow("pol-1", "child-1", "high", model.PolicyStatusActive, 100, int64(2), false, now, now).
			AddRow("pol-2", "child-1", "low", model.PolicyStatusDraft, 1, int64(1), false, now, now))

	policies, err := s.ListPolicies(context.Background(), "child-1")
	require.NoError(t, err)
	require.Len(t, policies, 2)
	assert.Equal(t, "high", policies[0].Name)
	assert.Equal(t, int64(2), policies[0].Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MaxPolicyVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) FROM policies`).
		WithArgs("child-1", model.PolicyStatusActive).
		WillReturnRows(mock.NewRows([]string{"coalesce"}).AddRow(int64(7)))

	v, err := s.MaxPolicyVersion(context.Background(), "child-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertComplianceLink(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(family_id, platform_id\)`).
		WithArgs("fam-1", "streamhub", model.ComplianceVerified).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	link := &model.ComplianceLink{FamilyID: "fam-1", PlatformID: "streamhub", Status: model.ComplianceVerified}
	require.NoError(t, s.UpsertComplianceLink(context.Background(), link))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEnforcementJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM enforcement_jobs WHERE id = \$1`).
		WithArgs("job-1").
		WillReturnRows(mock.NewRows([]string{"id", "child_id", "policy_ids", "trigger_type", "status", "created_at", "completed_at"}).
			AddRow("job-1", "child-1", []byte(`["pol-1","pol-2"]`), model.TriggerManual, model.JobStatusCompleted, now, &now))

	job, err := s.GetEnforcementJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"pol-1", "pol-2"}, job.PolicyIDs)
	assert.Equal(t, model.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEnforcementJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM enforcement_jobs WHERE id = \$1`).
		WithArgs("nonexistent-job").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetEnforcementJob(context.Background(), "nonexistent-job")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateEnforcementJobStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	done := time.Now().UTC()

	mock.ExpectExec(`UPDATE enforcement_jobs SET status`).
		WithArgs(model.JobStatusCompleted, &done, "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.UpdateEnforcementJobStatus(context.Background(), "job-1", model.JobStatusCompleted, &done)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSyncState(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(source_id, category\)`).
		WithArgs("src-1", model.CategoryTimeDailyLimit, "abc123", int64(4)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	state := &model.SyncState{SourceID: "src-1", Category: model.CategoryTimeDailyLimit, ConfigHash: "abc123", Version: 4}
	require.NoError(t, s.UpsertSyncState(context.Background(), state))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DeleteWebhook_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM webhooks WHERE id = \$1`).
		WithArgs("nonexistent-webhook").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.DeleteWebhook(context.Background(), "nonexistent-webhook")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDeliveries_CopyFrom(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectCopyFrom(pgx.Identifier{"webhook_deliveries"},
		[]string{"id", "webhook_id", "event", "payload", "attempts", "success", "permanent", "next_retry_at", "created_at", "updated_at"}).
		WillReturnResult(2)

	deliveries := []model.WebhookDelivery{
		{ID: "d-1", WebhookID: "wh-1", Event: model.EventEnforcementCompleted, Payload: []byte(`{}`), NextRetryAt: &now, CreatedAt: now, UpdatedAt: now},
		{ID: "d-2", WebhookID: "wh-2", Event: model.EventEnforcementCompleted, Payload: []byte(`{}`), NextRetryAt: &now, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, s.CreateDeliveries(context.Background(), deliveries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_DueDeliveries(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	retry := now.Add(-time.Minute)

	mock.ExpectQuery(`FROM webhook_deliveries`).
		WithArgs(5, now, 10).
		WillReturnRows(mock.NewRows([]string{"id", "webhook_id", "event", "payload", "attempts", "success", "permanent", "last_error", "next_retry_at", "created_at", "updated_at"}).
			AddRow("d-1", "wh-1", model.EventEnforcementCompleted, []byte(`{"job_id":"j-1"}`), 1, false, false, "", &retry, now, now))

	got, err := s.DueDeliveries(context.Background(), now, 5, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d-1", got[0].ID)
	assert.Equal(t, 1, got[0].Attempts)
	assert.JSONEq(t, `{"job_id":"j-1"}`, string(got[0].Payload))
	assert.NoError(t, mock.ExpectationsWereMet())
}
