package dto

import "time"

// PartScoreResponse is the score of one part path, with its gaps and steps.
type PartScoreResponse struct {
	Path     string              `json:"path"`
	Score    float64             `json:"score"`
	MaxScore float64             `json:"max_score"`
	Gaps     []PartScoreResponse `json:"gaps,omitempty"`
	Steps    []PartScoreResponse `json:"steps,omitempty"`
}

// QuestionScoreResponse is the score of one question.
type QuestionScoreResponse struct {
	Number           int                 `json:"number"`
	RawScore         float64             `json:"raw_score"`
	MaxScore         float64             `json:"max_score"`
	ScaledScore      float64             `json:"scaled_score"`
	CompletionStatus string              `json:"completion_status"`
	Parts            []PartScoreResponse `json:"parts"`
}

// ScoreSummaryResponse is the full score breakdown of an attempt.
type ScoreSummaryResponse struct {
	AttemptID        uint                    `json:"attempt_id"`
	RawScore         float64                 `json:"raw_score"`
	MaxScore         float64                 `json:"max_score"`
	ScaledScore      float64                 `json:"scaled_score"`
	CompletionStatus string                  `json:"completion_status"`
	Overridden       bool                    `json:"overridden"`
	Questions        []QuestionScoreResponse `json:"questions"`
	InvalidPaths     []string                `json:"invalid_paths,omitempty"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// OutcomeReport is the grade passback request sent for a user on a resource.
type OutcomeReport struct {
	UserID           uint      `json:"user_id"`
	ResourceID       uint      `json:"resource_id"`
	AttemptID        uint      `json:"attempt_id"`
	RawScore         float64   `json:"raw_score"`
	MaxScore         float64   `json:"max_score"`
	ScaledScore      float64   `json:"scaled_score"`
	CompletionStatus string    `json:"completion_status"`
	ReportedAt       time.Time `json:"reported_at"`
}
