package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

// ActivityLogFilter narrows the override audit trail.
type ActivityLogFilter struct {
	Page       int
	PageSize   int
	ActorID    *uint
	AttemptID  *uint
	ResourceID *uint
	// Action matches exactly, or as a prefix when it ends in "." ("remark.").
	Action string
	// Part also matches entries on the gaps and steps of the part.
	Part  string
	Since *time.Time
}

// ActivityLogRepository persists the instructor audit trail.
type ActivityLogRepository interface {
	Create(ctx context.Context, entry *models.ActivityLog) error
	List(ctx context.Context, filter ActivityLogFilter) ([]models.ActivityLog, int64, error)
}

type activityLogRepository struct {
	db *gorm.DB
}

// NewActivityLogRepository constructs the activity log repository.
func NewActivityLogRepository(db *gorm.DB) ActivityLogRepository {
	return &activityLogRepository{db: db}
}

func (r *activityLogRepository) Create(ctx context.Context, entry *models.ActivityLog) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *activityLogRepository) List(ctx context.Context, filter ActivityLogFilter) ([]models.ActivityLog, int64, error) {
	query := applyActivityFilter(r.db.WithContext(ctx).Model(&models.ActivityLog{}), filter)

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if filter.PageSize > 0 {
		page := filter.Page
		if page <= 0 {
			page = 1
		}
		query = query.Offset((page - 1) * filter.PageSize).Limit(filter.PageSize)
	}

	var entries []models.ActivityLog
	if err := query.Order("created_at DESC, id DESC").Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func applyActivityFilter(query *gorm.DB, filter ActivityLogFilter) *gorm.DB {
	if filter.ActorID != nil {
		query = query.Where("actor_id = ?", *filter.ActorID)
	}
	if filter.AttemptID != nil {
		query = query.Where("attempt_id = ?", *filter.AttemptID)
	}
	if filter.ResourceID != nil {
		query = query.Where("resource_id = ?", *filter.ResourceID)
	}

	switch action := strings.TrimSpace(filter.Action); {
	case action == "":
	case strings.HasSuffix(action, "."):
		query = query.Where("action LIKE ?", action+"%")
	default:
		query = query.Where("action = ?", action)
	}

	if part := strings.TrimSpace(filter.Part); part != "" {
		query = query.Where("part = ? OR part LIKE ? OR part LIKE ?", part, part+"g%", part+"s%")
	}
	if filter.Since != nil {
		query = query.Where("created_at >= ?", filter.Since.UTC())
	}
	return query
}
