package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// ResourceRepository reads resources and maintains their question count.
type ResourceRepository interface {
	WithTx(tx *gorm.DB) ResourceRepository
	GetByID(ctx context.Context, id uint) (models.Resource, error)
	RaiseNumQuestions(ctx context.Context, id uint, count int) error
}

type resourceRepository struct {
	db *gorm.DB
}

// NewResourceRepository instantiates the repository.
func NewResourceRepository(db *gorm.DB) ResourceRepository {
	return &resourceRepository{db: db}
}

func (r *resourceRepository) WithTx(tx *gorm.DB) ResourceRepository {
	return &resourceRepository{db: tx}
}

func (r *resourceRepository) GetByID(ctx context.Context, id uint) (models.Resource, error) {
	var resource models.Resource
	if err := r.db.WithContext(ctx).First(&resource, id).Error; err != nil {
		return models.Resource{}, err
	}
	return resource, nil
}

// RaiseNumQuestions sets the question count to count unless it is already at least that.
func (r *resourceRepository) RaiseNumQuestions(ctx context.Context, id uint, count int) error {
	return r.db.WithContext(ctx).Model(&models.Resource{}).
		Where("id = ? AND num_questions < ?", id, count).
		Update("num_questions", count).Error
}
