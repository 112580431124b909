package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-scorm-api/internal/models"
)

const (
	newestFirst = "time DESC, counter DESC, id DESC"
	oldestFirst = "time ASC, counter ASC, id ASC"
)

// ElementFilter narrows ListByAttempt.
type ElementFilter struct {
	ExcludeKeys []string
	Until       *time.Time
}

// ElementRepository is the append-only store of SCORM elements.
type ElementRepository interface {
	WithTx(tx *gorm.DB) ElementRepository
	Append(ctx context.Context, element *models.ScormElement) error
	AppendIfAbsent(ctx context.Context, element *models.ScormElement) (bool, error)
	Get(ctx context.Context, id uint) (models.ScormElement, bool, error)
	Current(ctx context.Context, attemptID uint, key string) (models.ScormElement, bool, error)
	AtTime(ctx context.Context, attemptID uint, key string, cutoff time.Time) (models.ScormElement, bool, error)
	History(ctx context.Context, attemptID uint, key string) ([]models.ScormElement, error)
	ListByAttempt(ctx context.Context, attemptID uint, filter ElementFilter) ([]models.ScormElement, error)
	RewriteAsPatch(ctx context.Context, elementID uint, patch string, baseID uint) error
}

type elementRepository struct {
	db *gorm.DB
}

// NewElementRepository constructs the element store.
func NewElementRepository(db *gorm.DB) ElementRepository {
	return &elementRepository{db: db}
}

func (r *elementRepository) WithTx(tx *gorm.DB) ElementRepository {
	return &elementRepository{db: tx}
}

func (r *elementRepository) Append(ctx context.Context, element *models.ScormElement) error {
	prepare(element)
	return r.db.WithContext(ctx).Create(element).Error
}

// AppendIfAbsent inserts the element unless an element with the same identity
// already exists. It reports whether a row was written.
func (r *elementRepository) AppendIfAbsent(ctx context.Context, element *models.ScormElement) (bool, error) {
	prepare(element)
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "attempt_id"}, {Name: "key"}, {Name: "time"}, {Name: "counter"}, {Name: "value_hash"}},
		DoNothing: true,
	}).Create(element)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *elementRepository) Get(ctx context.Context, id uint) (models.ScormElement, bool, error) {
	return r.first(r.db.WithContext(ctx).Model(&models.ScormElement{}).Where("id = ?", id))
}

func (r *elementRepository) Current(ctx context.Context, attemptID uint, key string) (models.ScormElement, bool, error) {
	return r.first(r.keyQuery(ctx, attemptID, key))
}

func (r *elementRepository) AtTime(ctx context.Context, attemptID uint, key string, cutoff time.Time) (models.ScormElement, bool, error) {
	return r.first(r.keyQuery(ctx, attemptID, key).Where("time <= ?", cutoff.UTC()))
}

func (r *elementRepository) History(ctx context.Context, attemptID uint, key string) ([]models.ScormElement, error) {
	var elements []models.ScormElement
	if err := r.keyQuery(ctx, attemptID, key).Order(oldestFirst).Find(&elements).Error; err != nil {
		return nil, err
	}
	return elements, nil
}

func (r *elementRepository) ListByAttempt(ctx context.Context, attemptID uint, filter ElementFilter) ([]models.ScormElement, error) {
	query := r.db.WithContext(ctx).Model(&models.ScormElement{}).Where("attempt_id = ?", attemptID)

	if len(filter.ExcludeKeys) > 0 {
		query = query.Where("key NOT IN ?", filter.ExcludeKeys)
	}
	if filter.Until != nil {
		query = query.Where("time <= ?", filter.Until.UTC())
	}

	var elements []models.ScormElement
	if err := query.Order(oldestFirst).Find(&elements).Error; err != nil {
		return nil, err
	}
	return elements, nil
}

// RewriteAsPatch is the only mutation ever applied to a stored element.
func (r *elementRepository) RewriteAsPatch(ctx context.Context, elementID uint, patch string, baseID uint) error {
	result := r.db.WithContext(ctx).Model(&models.ScormElement{}).
		Where("id = ? AND patch = ?", elementID, false).
		Updates(map[string]interface{}{
			"value":         patch,
			"patch":         true,
			"patch_base_id": baseID,
		})
	return result.Error
}

func (r *elementRepository) keyQuery(ctx context.Context, attemptID uint, key string) *gorm.DB {
	return r.db.WithContext(ctx).Model(&models.ScormElement{}).
		Where("attempt_id = ?", attemptID).
		Where("key = ?", key)
}

func (r *elementRepository) first(query *gorm.DB) (models.ScormElement, bool, error) {
	var element models.ScormElement
	err := query.Order(newestFirst).Limit(1).Take(&element).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ScormElement{}, false, nil
	}
	if err != nil {
		return models.ScormElement{}, false, err
	}
	return element, true, nil
}

func prepare(element *models.ScormElement) {
	element.Time = element.Time.UTC()
	if element.ValueHash == "" {
		element.ValueHash = models.HashValue(element.Value)
	}
}

// IsTransientWriteError reports whether the database refused an element for a
// size or encoding reason that a later retry (or a trimmed client) may clear.
func IsTransientWriteError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22001", // string_data_right_truncation
			"22021", // character_not_in_repertoire
			"22P05", // untranslatable_character
			"54000": // program_limit_exceeded
			return true
		}
		return false
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrTooBig
	}

	return false
}
