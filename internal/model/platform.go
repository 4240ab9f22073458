package model

import "time"

// SupportLevel is the fidelity at which an integration supports a category.
type SupportLevel string

const (
	SupportNone    SupportLevel = "none"
	SupportPartial SupportLevel = "partial"
	SupportFull    SupportLevel = "full"
)

// Direction describes which way rule state can move for a capability.
type Direction string

const (
	DirectionPushOnly      Direction = "push_only"
	DirectionPullOnly      Direction = "pull_only"
	DirectionBidirectional Direction = "bidirectional"
)

// Capability is one (category, support, direction) declaration.
type Capability struct {
	Category RuleCategory `json:"category" yaml:"category"`
	Support  SupportLevel `json:"support" yaml:"support"`
	Direction Direction   `json:"direction" yaml:"direction"`
}

// Platform is a first-party integration target with a fixed capability set,
// always push-oriented for enforcement.
type Platform struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// SourceTier distinguishes how much control a source instance grants.
type SourceTier string

const (
	SourceTierManaged SourceTier = "managed"
	SourceTierGuided  SourceTier = "guided"
)

// Source is a third-party integration instance belonging to one child. Its
// capability list is per-instance: the same platform may expose more under
// the managed tier than the guided tier.
type Source struct {
	ID           string       `json:"id"`
	ChildID      string       `json:"child_id"`
	PlatformID   string       `json:"platform_id"`
	Tier         SourceTier   `json:"tier"`
	SyncVersion  int64        `json:"sync_version"`
	AutoSync     bool         `json:"auto_sync"`
	Capabilities []Capability `json:"capabilities"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Supports returns the source's declared capability for a category, or a
// zero capability with SupportNone if undeclared.
func (s *Source) Supports(category RuleCategory) Capability {
	for _, c := range s.Capabilities {
		if c.Category == category {
			return c
		}
	}
	return Capability{Category: category, Support: SupportNone}
}

// Pushable reports whether the source accepts pushes for a category.
func (s *Source) Pushable(category RuleCategory) bool {
	c := s.Supports(category)
	return c.Support != SupportNone && c.Direction != DirectionPullOnly
}

// ComplianceStatus is the verification state of a family/platform link.
type ComplianceStatus string

const (
	ComplianceVerified   ComplianceStatus = "verified"
	ComplianceUnverified ComplianceStatus = "unverified"
	ComplianceError      ComplianceStatus = "error"
)

// ComplianceLink gates whether enforcement may target a platform for a
// family. LastEnforcedAt/LastEnforceStatus are a dashboard cache written
// after each job, never a source of truth.
type ComplianceLink struct {
	FamilyID          string           `json:"family_id"`
	PlatformID        string           `json:"platform_id"`
	Status            ComplianceStatus `json:"status"`
	LastEnforcedAt    *time.Time       `json:"last_enforced_at,omitempty"`
	LastEnforceStatus string           `json:"last_enforce_status,omitempty"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
