package models

// AttemptQuestionScore caches the score of one question in one attempt.
type AttemptQuestionScore struct {
	ID               uint    `gorm:"primaryKey" json:"id"`
	AttemptID        uint    `gorm:"not null;uniqueIndex:idx_question_score,priority:1" json:"attempt_id"`
	Number           int     `gorm:"not null;uniqueIndex:idx_question_score,priority:2" json:"number"`
	RawScore         float64 `gorm:"not null;default:0" json:"raw_score"`
	ScaledScore      float64 `gorm:"not null;default:0" json:"scaled_score"`
	MaxScore         float64 `gorm:"not null;default:0" json:"max_score"`
	CompletionStatus string  `gorm:"size:20;not null;default:'not attempted'" json:"completion_status"`
}
