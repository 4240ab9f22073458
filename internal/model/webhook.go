package model

import (
	"encoding/json"
	"time"
)

// Event names emitted by the engine on terminal jobs.
const (
	EventEnforcementCompleted = "enforcement_job.completed"
	EventEnforcementPartial   = "enforcement_job.partial"
	EventEnforcementFailed    = "enforcement_job.failed"
	EventSyncCompleted        = "sync_job.completed"
	EventSyncPartial          = "sync_job.partial"
	EventSyncFailed           = "sync_job.failed"
)

// JobEvent returns the event name for a terminal enforcement job status, or
// "" for non-terminal statuses.
func JobEvent(s JobStatus) string {
	switch s {
	case JobStatusCompleted:
		return EventEnforcementCompleted
	case JobStatusPartial:
		return EventEnforcementPartial
	case JobStatusFailed:
		return EventEnforcementFailed
	default:
		return ""
	}
}

// SyncEvent returns the event name for a terminal sync job status, or "".
func SyncEvent(s JobStatus) string {
	switch s {
	case JobStatusCompleted:
		return EventSyncCompleted
	case JobStatusPartial:
		return EventSyncPartial
	case JobStatusFailed:
		return EventSyncFailed
	default:
		return ""
	}
}

// Webhook subscribes a URL to a set of event names.
type Webhook struct {
	ID        string    `json:"id"`
	FamilyID  string    `json:"family_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SubscribedTo reports whether the webhook wants the named event.
func (w *Webhook) SubscribedTo(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is one attempt stream delivering one event to one
// subscriber. Payload is frozen at creation for audit and never rewritten.
type WebhookDelivery struct {
	ID          string          `json:"id"`
	WebhookID   string          `json:"webhook_id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	Success     bool            `json:"success"`
	Permanent   bool            `json:"permanent_failure"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
