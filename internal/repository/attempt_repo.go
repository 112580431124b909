package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// AttemptRepository reads attempts and writes their cached fields.
type AttemptRepository interface {
	WithTx(tx *gorm.DB) AttemptRepository
	GetByID(ctx context.Context, id uint) (models.Attempt, error)
	LockForUpdate(ctx context.Context, id uint) (models.Attempt, error)
	UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error
	SetDiffed(ctx context.Context, id uint, diffed bool) error
	ListUndiffedIDs(ctx context.Context, limit int) ([]uint, error)
	ListByResource(ctx context.Context, resourceID uint) ([]models.Attempt, error)
	ListForUser(ctx context.Context, userID, resourceID uint) ([]models.Attempt, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository instantiates the repository.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) WithTx(tx *gorm.DB) AttemptRepository {
	return &attemptRepository{db: tx}
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

// LockForUpdate loads the attempt and holds its row lock until the surrounding
// transaction ends. SQLite ignores the locking clause.
func (r *attemptRepository) LockForUpdate(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (r *attemptRepository) UpdateFields(ctx context.Context, id uint, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Attempt{}).Where("id = ?", id).Updates(fields).Error
}

func (r *attemptRepository) SetDiffed(ctx context.Context, id uint, diffed bool) error {
	return r.db.WithContext(ctx).Model(&models.Attempt{}).Where("id = ?", id).Update("diffed", diffed).Error
}

func (r *attemptRepository) ListUndiffedIDs(ctx context.Context, limit int) ([]uint, error) {
	query := r.db.WithContext(ctx).Model(&models.Attempt{}).
		Where("diffed = ?", false).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var ids []uint
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *attemptRepository) ListByResource(ctx context.Context, resourceID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	if err := r.db.WithContext(ctx).
		Where("resource_id = ? AND deleted = ?", resourceID, false).
		Order("id ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *attemptRepository) ListForUser(ctx context.Context, userID, resourceID uint) ([]models.Attempt, error) {
	var attempts []models.Attempt
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND resource_id = ? AND deleted = ?", userID, resourceID, false).
		Order("start_time ASC, id ASC").
		Find(&attempts).Error; err != nil {
		return nil, err
	}
	return attempts, nil
}
