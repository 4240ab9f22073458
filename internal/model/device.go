package model

import (
	"encoding/json"
	"time"
)

// DeviceRegistration ties one physical device to a child and platform for
// the pull-sync protocol. LastPolicyVersion advances only when the device
// acknowledges a snapshot via a DeviceReport.
type DeviceRegistration struct {
	ID                string          `json:"id"`
	ChildID           string          `json:"child_id"`
	PlatformID        string          `json:"platform_id"`
	Meta              json.RawMessage `json:"meta,omitempty"`
	LastPolicyVersion int64           `json:"last_policy_version"`
	LastSeenAt        *time.Time      `json:"last_seen_at,omitempty"`
	LastAckAt         *time.Time      `json:"last_ack_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// CompiledPolicy is an immutable, versioned snapshot of a child's resolved
// rule set. Devices always receive the full current snapshot, never diffs.
type CompiledPolicy struct {
	ID        string    `json:"id"`
	ChildID   string    `json:"child_id"`
	Version   int64     `json:"version"`
	PolicyIDs []string  `json:"policy_ids"`
	Rules     []Rule    `json:"rules"`
	CreatedAt time.Time `json:"created_at"`
}

// DeviceReport is a device's acknowledgment after applying a snapshot.
type DeviceReport struct {
	DeviceID      string          `json:"device_id"`
	PolicyVersion int64           `json:"policy_version"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	ReportedAt    time.Time       `json:"reported_at"`
}
