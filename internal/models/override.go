package models

import "time"

// RemarkPart replaces the computed score of exactly one part path in one attempt.
type RemarkPart struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AttemptID uint      `gorm:"not null;uniqueIndex:idx_remark_part,priority:1" json:"attempt_id"`
	Part      string    `gorm:"size:20;not null;uniqueIndex:idx_remark_part,priority:2" json:"part"`
	Score     float64   `gorm:"not null;default:0" json:"score"`
	CreatedBy uint      `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DiscountPart changes how a part path is scored in every attempt on a resource.
type DiscountPart struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ResourceID uint      `gorm:"not null;uniqueIndex:idx_discount_part,priority:1" json:"resource_id"`
	Part       string    `gorm:"size:20;not null;uniqueIndex:idx_discount_part,priority:2" json:"part"`
	Behaviour  string    `gorm:"size:10;not null;default:remove" json:"behaviour"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	// DiscountRemove drops the part from both the score and the maximum.
	DiscountRemove = "remove"
	// DiscountFullMarks awards every attempt the part's maximum score.
	DiscountFullMarks = "fullmarks"
)
