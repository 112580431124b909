package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// OverrideRepository stores remarks and discounts.
type OverrideRepository interface {
	ListRemarks(ctx context.Context, attemptID uint) ([]models.RemarkPart, error)
	GetRemark(ctx context.Context, attemptID, id uint) (models.RemarkPart, error)
	UpsertRemark(ctx context.Context, remark *models.RemarkPart) error
	DeleteRemark(ctx context.Context, id uint) error
	ListDiscounts(ctx context.Context, resourceID uint) ([]models.DiscountPart, error)
	GetDiscount(ctx context.Context, resourceID, id uint) (models.DiscountPart, error)
	UpsertDiscount(ctx context.Context, discount *models.DiscountPart) error
	DeleteDiscount(ctx context.Context, id uint) error
}

type overrideRepository struct {
	db *gorm.DB
}

// NewOverrideRepository instantiates the repository.
func NewOverrideRepository(db *gorm.DB) OverrideRepository {
	return &overrideRepository{db: db}
}

func (r *overrideRepository) ListRemarks(ctx context.Context, attemptID uint) ([]models.RemarkPart, error) {
	var remarks []models.RemarkPart
	if err := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).Order("part ASC").Find(&remarks).Error; err != nil {
		return nil, err
	}
	return remarks, nil
}

func (r *overrideRepository) GetRemark(ctx context.Context, attemptID, id uint) (models.RemarkPart, error) {
	var remark models.RemarkPart
	if err := r.db.WithContext(ctx).Where("attempt_id = ?", attemptID).First(&remark, id).Error; err != nil {
		return models.RemarkPart{}, err
	}
	return remark, nil
}

func (r *overrideRepository) UpsertRemark(ctx context.Context, remark *models.RemarkPart) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "part"}},
		DoUpdates: clause.AssignmentColumns([]string{"score", "created_by", "updated_at"}),
	}).Create(remark).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Where("attempt_id = ? AND part = ?", remark.AttemptID, remark.Part).
		First(remark).Error
}

func (r *overrideRepository) DeleteRemark(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.RemarkPart{}, id).Error
}

func (r *overrideRepository) ListDiscounts(ctx context.Context, resourceID uint) ([]models.DiscountPart, error) {
	var discounts []models.DiscountPart
	if err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).Order("part ASC").Find(&discounts).Error; err != nil {
		return nil, err
	}
	return discounts, nil
}

func (r *overrideRepository) GetDiscount(ctx context.Context, resourceID, id uint) (models.DiscountPart, error) {
	var discount models.DiscountPart
	if err := r.db.WithContext(ctx).Where("resource_id = ?", resourceID).First(&discount, id).Error; err != nil {
		return models.DiscountPart{}, err
	}
	return discount, nil
}

func (r *overrideRepository) UpsertDiscount(ctx context.Context, discount *models.DiscountPart) error {
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "resource_id"}, {Name: "part"}},
		DoUpdates: clause.AssignmentColumns([]string{"behaviour", "updated_at"}),
	}).Create(discount).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Where("resource_id = ? AND part = ?", discount.ResourceID, discount.Part).
		First(discount).Error
}

func (r *overrideRepository) DeleteDiscount(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.DiscountPart{}, id).Error
}
