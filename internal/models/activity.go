package models

import (
	"time"

	"gorm.io/datatypes"
)

// ActivityLog records instructor actions that change how attempts are scored.
type ActivityLog struct {
	ID         uint              `gorm:"primaryKey" json:"id"`
	ActorID    uint              `gorm:"not null;index" json:"actor_id"`
	ActorRole  string            `gorm:"size:32;not null" json:"actor_role"`
	Action     string            `gorm:"size:64;not null" json:"action"`
	ResourceID *uint             `gorm:"index" json:"resource_id"`
	AttemptID  *uint             `gorm:"index" json:"attempt_id"`
	Part       string            `gorm:"size:20" json:"part"`
	Metadata   datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	CreatedAt  time.Time         `json:"created_at"`
}

const (
	ActionRemarkSet       = "remark.set"
	ActionRemarkDeleted   = "remark.deleted"
	ActionDiscountSet     = "discount.set"
	ActionDiscountDeleted = "discount.deleted"
	ActionAttemptReopened = "attempt.reopened"
)
