package models

import "time"

// Resource is an exam placement that attempts are made against.
type Resource struct {
	ID                        uint      `gorm:"primaryKey" json:"id"`
	Title                     string    `gorm:"size:300;not null;default:''" json:"title"`
	GradingMethod             string    `gorm:"size:20;not null;default:highest" json:"grading_method"`
	IncludeIncompleteAttempts bool      `gorm:"not null" json:"include_incomplete_attempts"`
	ReportMarkTime            string    `gorm:"size:20;not null;default:immediately" json:"report_mark_time"`
	NumQuestions              int       `gorm:"not null;default:0" json:"num_questions"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

const (
	// GradingMethodHighest grades a user by their best scaled score.
	GradingMethodHighest = "highest"
	// GradingMethodLast grades a user by their most recently started attempt.
	GradingMethodLast = "last"
)

const (
	// ReportImmediately sends scores back whenever they change.
	ReportImmediately = "immediately"
	// ReportOnCompletion sends scores back once an attempt is completed.
	ReportOnCompletion = "oncompletion"
	// ReportManually leaves score reporting to an instructor.
	ReportManually = "manually"
)
