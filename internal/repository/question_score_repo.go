package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// QuestionScoreRepository caches per-question scores.
type QuestionScoreRepository interface {
	Upsert(ctx context.Context, scores []models.AttemptQuestionScore) error
	ListByAttempt(ctx context.Context, attemptID uint) ([]models.AttemptQuestionScore, error)
}

type questionScoreRepository struct {
	db *gorm.DB
}

// NewQuestionScoreRepository instantiates the repository.
func NewQuestionScoreRepository(db *gorm.DB) QuestionScoreRepository {
	return &questionScoreRepository{db: db}
}

func (r *questionScoreRepository) Upsert(ctx context.Context, scores []models.AttemptQuestionScore) error {
	if len(scores) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "number"}},
		DoUpdates: clause.AssignmentColumns([]string{"raw_score", "scaled_score", "max_score", "completion_status"}),
	}).Create(&scores).Error
}

func (r *questionScoreRepository) ListByAttempt(ctx context.Context, attemptID uint) ([]models.AttemptQuestionScore, error) {
	var scores []models.AttemptQuestionScore
	if err := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("number ASC").Find(&scores).Error; err != nil {
		return nil, err
	}
	return scores, nil
}
