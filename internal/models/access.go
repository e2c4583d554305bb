package models

import "time"

// AccessLevel is the customer's current service access
type AccessLevel string

const (
	AccessFull      AccessLevel = "full"
	AccessGrace     AccessLevel = "grace"
	AccessSuspended AccessLevel = "suspended"
)

// SuspensionTier orders suspensions from least to most severe
type SuspensionTier string

const (
	TierNone      SuspensionTier = "none"
	TierSoft      SuspensionTier = "soft"
	TierHard      SuspensionTier = "hard"
	TierPermanent SuspensionTier = "permanent"
)

// AccessState is the grace and suspension record for one customer
type AccessState struct {
	CustomerID      string         `json:"customer_id" bson:"_id"`
	FailureID       string         `json:"failure_id" bson:"failure_id"`
	Level           AccessLevel    `json:"level" bson:"level"`
	Tier            SuspensionTier `json:"tier" bson:"tier"`
	Restrictions    []string       `json:"restrictions,omitempty" bson:"restrictions,omitempty"`
	GraceStartedAt  *time.Time     `json:"grace_started_at,omitempty" bson:"grace_started_at,omitempty"`
	GraceEndsAt     *time.Time     `json:"grace_ends_at,omitempty" bson:"grace_ends_at,omitempty"`
	LastReminderAt  *time.Time     `json:"last_reminder_at,omitempty" bson:"last_reminder_at,omitempty"`
	TierEnteredAt   *time.Time     `json:"tier_entered_at,omitempty" bson:"tier_entered_at,omitempty"`
	TierRetainUntil *time.Time     `json:"tier_retain_until,omitempty" bson:"tier_retain_until,omitempty"`
	PurgeDue        bool           `json:"purge_due" bson:"purge_due"`
	Version         int64          `json:"version" bson:"version"`
	UpdatedAt       time.Time      `json:"updated_at" bson:"updated_at"`
}
