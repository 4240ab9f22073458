package model

import "time"

// SyncMode selects how much of the resolved rule set a source sync pushes.
type SyncMode string

const (
	// SyncModeFull pushes every resolved rule.
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental pushes only rules changed since the source's last
	// successful sync.
	SyncModeIncremental SyncMode = "incremental"
	// SyncModeSingleRule pushes exactly one category, for immediate feedback
	// after a single-rule edit.
	SyncModeSingleRule SyncMode = "single_rule"
)

// SyncOutcome is the 4-way per-category result of a source sync.
type SyncOutcome string

const (
	SyncPushed      SyncOutcome = "pushed"
	SyncSkipped     SyncOutcome = "skipped"
	SyncFailed      SyncOutcome = "failed"
	SyncUnsupported SyncOutcome = "unsupported"
)

// SourceSyncJob fans a resolved rule set out to one source at rule-category
// granularity, honoring the source's declared per-category capability.
type SourceSyncJob struct {
	ID          string     `json:"id"`
	SourceID    string     `json:"source_id"`
	ChildID     string     `json:"child_id"`
	Mode        SyncMode   `json:"mode"`
	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SourceSyncResult is one rule category's outcome within a sync job.
type SourceSyncResult struct {
	ID        string       `json:"id"`
	JobID     string       `json:"job_id"`
	Category  RuleCategory `json:"category"`
	Outcome   SyncOutcome  `json:"outcome"`
	Detail    string       `json:"detail,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SyncState records, per source and category, the config hash and policy
// version last pushed successfully. Incremental syncs diff against it.
type SyncState struct {
	SourceID   string       `json:"source_id"`
	Category   RuleCategory `json:"category"`
	ConfigHash string       `json:"config_hash"`
	Version    int64        `json:"version"`
	SyncedAt   time.Time    `json:"synced_at"`
}

// AggregateSyncStatus computes a sync job's status from its per-category
// outcomes: completed when nothing failed, failed when every attempted
// category failed, partial otherwise. Unsupported and skipped categories
// never count against success.
func AggregateSyncStatus(results []SourceSyncResult) JobStatus {
	if len(results) == 0 {
		return JobStatusCompleted
	}

	var failed, attempted int
	for _, r := range results {
		switch r.Outcome {
		case SyncFailed:
			failed++
			attempted++
		case SyncPushed:
			attempted++
		}
	}

	switch {
	case failed == 0:
		return JobStatusCompleted
	case failed == attempted:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}
