package model

import "time"

// JobStatus is the lifecycle state of an enforcement or sync job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether a job status is final.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusPartial, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// TriggerType records what caused a job.
type TriggerType string

const (
	TriggerManual       TriggerType = "manual"
	TriggerScheduled    TriggerType = "scheduled"
	TriggerPolicyChange TriggerType = "policy_change"
)

// ResultStatus is the state of one per-target result within a job.
type ResultStatus string

const (
	ResultPending ResultStatus = "pending"
	ResultRunning ResultStatus = "running"
	ResultDone    ResultStatus = "done"
	ResultSkipped ResultStatus = "skipped"
)

// EnforcementJob fans a resolved rule set out to a set of platforms. Its
// status is a pure function of its results (see AggregateJobStatus) and must
// never be terminal while any result is still pending or running.
type EnforcementJob struct {
	ID          string      `json:"id"`
	ChildID     string      `json:"child_id"`
	PolicyIDs   []string    `json:"policy_ids"`
	Trigger     TriggerType `json:"trigger"`
	Status      JobStatus   `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// EnforcementResult is one platform's outcome within an enforcement job.
type EnforcementResult struct {
	ID           string       `json:"id"`
	JobID        string       `json:"job_id"`
	PlatformID   string       `json:"platform_id"`
	Status       ResultStatus `json:"status"`
	RulesApplied int          `json:"rules_applied"`
	RulesSkipped int          `json:"rules_skipped"`
	RulesFailed  int          `json:"rules_failed"`
	Details      string       `json:"details,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// TotallyFailed reports whether the platform call produced nothing at all:
// zero applied, zero skipped, at least one failure.
func (r *EnforcementResult) TotallyFailed() bool {
	return r.RulesApplied == 0 && r.RulesSkipped == 0 && r.RulesFailed > 0
}

// AggregateJobStatus computes a job's status from its results: completed if
// every result has zero failed rules, failed if every result's platform call
// failed entirely, partial otherwise. It returns JobStatusRunning while any
// result is still outstanding; a job is never reported terminal early.
func AggregateJobStatus(results []EnforcementResult) JobStatus {
	if len(results) == 0 {
		return JobStatusCompleted
	}

	for _, r := range results {
		if r.Status == ResultPending || r.Status == ResultRunning {
			return JobStatusRunning
		}
	}

	allClean := true
	allDead := true
	for _, r := range results {
		if r.RulesFailed > 0 {
			allClean = false
		}
		if !r.TotallyFailed() {
			allDead = false
		}
	}

	switch {
	case allClean:
		return JobStatusCompleted
	case allDead:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}
