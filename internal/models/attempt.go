package models

import "time"

// Attempt is one exam-taking session by a user on a resource.
//
// CompletionStatusElementID and ScaledScoreElementID point at the elements that
// last set CompletionStatus and ScaledScore. They are a cache over the element
// log and can always be recomputed from it.
type Attempt struct {
	ID                        uint       `gorm:"primaryKey" json:"id"`
	ResourceID                uint       `gorm:"not null;index" json:"resource_id"`
	ExamID                    *uint      `json:"exam_id"`
	UserID                    uint       `gorm:"not null;index" json:"user_id"`
	StartTime                 time.Time  `gorm:"not null" json:"start_time"`
	EndTime                   *time.Time `json:"end_time"`
	CompletionStatus          string     `gorm:"size:20;not null;default:'not attempted'" json:"completion_status"`
	CompletionStatusElementID *uint      `json:"completion_status_element_id"`
	ScaledScore               float64    `gorm:"not null;default:0" json:"scaled_score"`
	ScaledScoreElementID      *uint      `json:"scaled_score_element_id"`
	Diffed                    bool       `gorm:"not null;default:false;index" json:"diffed"`
	Deleted                   bool       `gorm:"not null;default:false" json:"deleted"`
	Broken                    bool       `gorm:"not null;default:false" json:"broken"`
	CreatedAt                 time.Time  `json:"created_at"`
	UpdatedAt                 time.Time  `json:"updated_at"`
	Resource                  Resource   `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
}

const (
	// CompletionNotAttempted is the status of an attempt with no recorded progress.
	CompletionNotAttempted = "not attempted"
	// CompletionIncomplete marks an attempt that is in progress or was re-opened.
	CompletionIncomplete = "incomplete"
	// CompletionCompleted marks an attempt the student has finished.
	CompletionCompleted = "completed"
)

// IsCompleted reports whether the attempt has been closed by the student.
func (a Attempt) IsCompleted() bool {
	return a.CompletionStatus == CompletionCompleted
}

// AcceptsElementAt reports whether an element timestamped t may still be
// stored. Completed attempts are frozen from their end time onwards.
func (a Attempt) AcceptsElementAt(t time.Time) bool {
	if !a.IsCompleted() {
		return true
	}
	if a.EndTime == nil {
		return false
	}
	return !t.After(*a.EndTime)
}
