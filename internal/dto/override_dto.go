package dto

import (
	"time"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// RemarkRequest sets an explicit score on one part of an attempt.
type RemarkRequest struct {
	Part  string   `json:"part" validate:"required,max=20"`
	Score *float64 `json:"score" validate:"required,gte=0"`
}

// DiscountRequest changes how a part is scored across a resource.
type DiscountRequest struct {
	Part      string `json:"part" validate:"required,max=20"`
	Behaviour string `json:"behaviour" validate:"required,oneof=remove fullmarks"`
}

// RemarkResponse serializes a remark.
type RemarkResponse struct {
	ID        uint      `json:"id"`
	AttemptID uint      `json:"attempt_id"`
	Part      string    `json:"part"`
	Score     float64   `json:"score"`
	CreatedBy uint      `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DiscountResponse serializes a discount.
type DiscountResponse struct {
	ID         uint      `json:"id"`
	ResourceID uint      `json:"resource_id"`
	Part       string    `json:"part"`
	Behaviour  string    `json:"behaviour"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// OverrideChangeResponse is returned after a remark or discount changes.
type OverrideChangeResponse struct {
	Remark           *RemarkResponse   `json:"remark,omitempty"`
	Discount         *DiscountResponse `json:"discount,omitempty"`
	AffectedAttempts int               `json:"affected_attempts"`
	RescaledAttempts []uint            `json:"rescaled_attempts"`
}

// NewRemarkResponse converts a model into a DTO.
func NewRemarkResponse(model models.RemarkPart) RemarkResponse {
	return RemarkResponse{
		ID:        model.ID,
		AttemptID: model.AttemptID,
		Part:      model.Part,
		Score:     model.Score,
		CreatedBy: model.CreatedBy,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

// NewDiscountResponse converts a model into a DTO.
func NewDiscountResponse(model models.DiscountPart) DiscountResponse {
	return DiscountResponse{
		ID:         model.ID,
		ResourceID: model.ResourceID,
		Part:       model.Part,
		Behaviour:  model.Behaviour,
		CreatedAt:  model.CreatedAt,
		UpdatedAt:  model.UpdatedAt,
	}
}
