package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/safeguard/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = eris.New("store: not found")

// ErrVersionConflict is returned when an optimistic write targets a stale
// policy version.
var ErrVersionConflict = eris.New("store: version conflict")

// JobFilter specifies criteria for listing enforcement jobs.
type JobFilter struct {
	ChildID      string          `json:"child_id,omitempty"`
	Status       model.JobStatus `json:"status,omitempty"`
	CreatedAfter time.Time       `json:"created_after,omitempty"`
	Limit        int             `json:"limit,omitempty"`
	Offset       int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the enforcement engine.
type Store interface {
	// Children
	CreateChild(ctx context.Context, familyID, name string) (*model.Child, error)
	GetChild(ctx context.Context, childID string) (*model.Child, error)
	// ListChildren returns a family's children, or every child when familyID
	// is empty.
	ListChildren(ctx context.Context, familyID string) ([]model.Child, error)

	// Policies
	CreatePolicy(ctx context.Context, childID, name string, priority int) (*model.Policy, error)
	GetPolicy(ctx context.Context, policyID string) (*model.Policy, error)
	ListPolicies(ctx context.Context, childID string) ([]model.Policy, error)
	// UpdatePolicy applies name/status/priority changes. expectVersion guards
	// against lost updates: a stale version fails with ErrVersionConflict.
	UpdatePolicy(ctx context.Context, p *model.Policy, expectVersion int64) error
	SoftDeletePolicy(ctx context.Context, policyID string) error

	// Rules. Writes bump the owning policy's version.
	UpsertRule(ctx context.Context, r *model.Rule, expectVersion int64) error
	DeleteRule(ctx context.Context, policyID string, category model.RuleCategory, expectVersion int64) error
	ListRules(ctx context.Context, policyID string) ([]model.Rule, error)
	// ActivePolicyRules returns every active, non-deleted policy for the
	// child together with its rules, for the compiler.
	ActivePolicyRules(ctx context.Context, childID string) ([]model.Policy, map[string][]model.Rule, error)
	// MaxPolicyVersion returns the highest version among the child's active,
	// non-deleted policies, or 0 when there are none. The compiler uses it
	// as a cheap cache-freshness probe before a full load.
	MaxPolicyVersion(ctx context.Context, childID string) (int64, error)

	// Compliance links
	UpsertComplianceLink(ctx context.Context, link *model.ComplianceLink) error
	ListComplianceLinks(ctx context.Context, familyID string) ([]model.ComplianceLink, error)
	// RecordEnforcement refreshes the link's dashboard cache after a job.
	RecordEnforcement(ctx context.Context, familyID, platformID string, at time.Time, status string) error

	// Enforcement jobs
	CreateEnforcementJob(ctx context.Context, job *model.EnforcementJob, results []model.EnforcementResult) error
	GetEnforcementJob(ctx context.Context, jobID string) (*model.EnforcementJob, error)
	ListEnforcementJobs(ctx context.Context, filter JobFilter) ([]model.EnforcementJob, error)
	UpdateEnforcementJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error
	ListEnforcementResults(ctx context.Context, jobID string) ([]model.EnforcementResult, error)
	UpdateEnforcementResult(ctx context.Context, r *model.EnforcementResult) error

	// Sources
	CreateSource(ctx context.Context, src *model.Source) error
	GetSource(ctx context.Context, sourceID string) (*model.Source, error)
	ListSources(ctx context.Context, childID string) ([]model.Source, error)
	UpdateSourceSyncVersion(ctx context.Context, sourceID string, version int64) error

	// Sync jobs
	CreateSyncJob(ctx context.Context, job *model.SourceSyncJob, results []model.SourceSyncResult) error
	GetSyncJob(ctx context.Context, jobID string) (*model.SourceSyncJob, error)
	UpdateSyncJobStatus(ctx context.Context, jobID string, status model.JobStatus, completedAt *time.Time) error
	ListSyncResults(ctx context.Context, jobID string) ([]model.SourceSyncResult, error)
	UpdateSyncResult(ctx context.Context, r *model.SourceSyncResult) error
	GetSyncState(ctx context.Context, sourceID string) ([]model.SyncState, error)
	UpsertSyncState(ctx context.Context, st *model.SyncState) error

	// Devices and compiled policies
	RegisterDevice(ctx context.Context, dev *model.DeviceRegistration) error
	GetDevice(ctx context.Context, deviceID string) (*model.DeviceRegistration, error)
	TouchDevice(ctx context.Context, deviceID string, seenAt time.Time) error
	AckDevice(ctx context.Context, deviceID string, version int64, ackAt time.Time) error
	StaleDevices(ctx context.Context, olderThan time.Time) ([]model.DeviceRegistration, error)
	InsertCompiledPolicy(ctx context.Context, cp *model.CompiledPolicy) error
	LatestCompiledPolicy(ctx context.Context, childID string) (*model.CompiledPolicy, error)

	// Webhooks
	CreateWebhook(ctx context.Context, w *model.Webhook) error
	GetWebhook(ctx context.Context, webhookID string) (*model.Webhook, error)
	DeleteWebhook(ctx context.Context, webhookID string) error
	ListWebhooks(ctx context.Context, familyID string) ([]model.Webhook, error)
	ActiveWebhooksForEvent(ctx context.Context, event string) ([]model.Webhook, error)
	CreateDeliveries(ctx context.Context, deliveries []model.WebhookDelivery) error
	DueDeliveries(ctx context.Context, now time.Time, maxAttempts, limit int) ([]model.WebhookDelivery, error)
	UpdateDelivery(ctx context.Context, d *model.WebhookDelivery) error
	FailedDeliveries(ctx context.Context, limit int) ([]model.WebhookDelivery, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
