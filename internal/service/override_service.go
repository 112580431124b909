package service

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
	"github.com/noah-isme/gema-scorm-api/pkg/partpath"
)

var (
	// ErrRemarkNotFound indicates the remark does not exist on the attempt.
	ErrRemarkNotFound = errors.New("remark not found")
	// ErrDiscountNotFound indicates the discount does not exist on the resource.
	ErrDiscountNotFound = errors.New("discount not found")
)

// OverrideService manages remarks and discounts and keeps the scores that
// depend on them current.
type OverrideService interface {
	ListRemarks(ctx context.Context, attemptID uint) ([]dto.RemarkResponse, error)
	SetRemark(ctx context.Context, attemptID uint, payload dto.RemarkRequest, actor ActivityActor) (dto.OverrideChangeResponse, error)
	DeleteRemark(ctx context.Context, attemptID, remarkID uint, actor ActivityActor) (dto.OverrideChangeResponse, error)
	ListDiscounts(ctx context.Context, resourceID uint) ([]dto.DiscountResponse, error)
	SetDiscount(ctx context.Context, resourceID uint, payload dto.DiscountRequest, actor ActivityActor) (dto.OverrideChangeResponse, error)
	DeleteDiscount(ctx context.Context, resourceID, discountID uint, actor ActivityActor) (dto.OverrideChangeResponse, error)
}

type overrideService struct {
	overrides repository.OverrideRepository
	attempts  repository.AttemptRepository
	resources repository.ResourceRepository
	scores    ScoreService
	reporter  OutcomeReporter
	activity  ActivityRecorder
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewOverrideService constructs the override service. reporter and activity may be nil.
func NewOverrideService(overrides repository.OverrideRepository, attempts repository.AttemptRepository, resources repository.ResourceRepository, scores ScoreService, reporter OutcomeReporter, activity ActivityRecorder, validate *validator.Validate, logger zerolog.Logger) OverrideService {
	return &overrideService{
		overrides: overrides,
		attempts:  attempts,
		resources: resources,
		scores:    scores,
		reporter:  reporter,
		activity:  activity,
		validator: validate,
		logger:    logger.With().Str("component", "override_service").Logger(),
	}
}

func (s *overrideService) loadAttempt(ctx context.Context, attemptID uint) (models.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAttemptNotFound
		}
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (s *overrideService) loadResource(ctx context.Context, resourceID uint) (models.Resource, error) {
	resource, err := s.resources.GetByID(ctx, resourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Resource{}, ErrResourceNotFound
		}
		return models.Resource{}, err
	}
	return resource, nil
}

func (s *overrideService) ListRemarks(ctx context.Context, attemptID uint) ([]dto.RemarkResponse, error) {
	if _, err := s.loadAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	remarks, err := s.overrides.ListRemarks(ctx, attemptID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.RemarkResponse, 0, len(remarks))
	for _, remark := range remarks {
		out = append(out, dto.NewRemarkResponse(remark))
	}
	return out, nil
}

func (s *overrideService) SetRemark(ctx context.Context, attemptID uint, payload dto.RemarkRequest, actor ActivityActor) (dto.OverrideChangeResponse, error) {
	payload.Part = strings.TrimSpace(payload.Part)
	if err := s.validator.Struct(payload); err != nil {
		return dto.OverrideChangeResponse{}, err
	}
	if _, err := partpath.Parse(payload.Part); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	remark := models.RemarkPart{AttemptID: attemptID, Part: payload.Part, Score: *payload.Score, CreatedBy: actor.ID}
	if err := s.overrides.UpsertRemark(ctx, &remark); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	s.record(ctx, actor, models.ActionRemarkSet, nil, &attemptID, remark.Part, map[string]interface{}{"score": remark.Score})

	rescaled, err := s.rescore(ctx, []models.Attempt{attempt})
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	response := dto.NewRemarkResponse(remark)
	return dto.OverrideChangeResponse{Remark: &response, AffectedAttempts: 1, RescaledAttempts: rescaled}, nil
}

func (s *overrideService) DeleteRemark(ctx context.Context, attemptID, remarkID uint, actor ActivityActor) (dto.OverrideChangeResponse, error) {
	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	remark, err := s.overrides.GetRemark(ctx, attemptID, remarkID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.OverrideChangeResponse{}, ErrRemarkNotFound
		}
		return dto.OverrideChangeResponse{}, err
	}
	if err := s.overrides.DeleteRemark(ctx, remark.ID); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	s.record(ctx, actor, models.ActionRemarkDeleted, nil, &attemptID, remark.Part, map[string]interface{}{"score": remark.Score})

	rescaled, err := s.rescore(ctx, []models.Attempt{attempt})
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	response := dto.NewRemarkResponse(remark)
	return dto.OverrideChangeResponse{Remark: &response, AffectedAttempts: 1, RescaledAttempts: rescaled}, nil
}

func (s *overrideService) ListDiscounts(ctx context.Context, resourceID uint) ([]dto.DiscountResponse, error) {
	if _, err := s.loadResource(ctx, resourceID); err != nil {
		return nil, err
	}
	discounts, err := s.overrides.ListDiscounts(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.DiscountResponse, 0, len(discounts))
	for _, discount := range discounts {
		out = append(out, dto.NewDiscountResponse(discount))
	}
	return out, nil
}

func (s *overrideService) SetDiscount(ctx context.Context, resourceID uint, payload dto.DiscountRequest, actor ActivityActor) (dto.OverrideChangeResponse, error) {
	payload.Part = strings.TrimSpace(payload.Part)
	payload.Behaviour = strings.ToLower(strings.TrimSpace(payload.Behaviour))
	if err := s.validator.Struct(payload); err != nil {
		return dto.OverrideChangeResponse{}, err
	}
	if _, err := partpath.Parse(payload.Part); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	if _, err := s.loadResource(ctx, resourceID); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	discount := models.DiscountPart{ResourceID: resourceID, Part: payload.Part, Behaviour: payload.Behaviour}
	if err := s.overrides.UpsertDiscount(ctx, &discount); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	s.record(ctx, actor, models.ActionDiscountSet, &resourceID, nil, discount.Part, map[string]interface{}{"behaviour": discount.Behaviour})

	attempts, err := s.attempts.ListByResource(ctx, resourceID)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}
	rescaled, err := s.rescore(ctx, attempts)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	response := dto.NewDiscountResponse(discount)
	return dto.OverrideChangeResponse{Discount: &response, AffectedAttempts: len(attempts), RescaledAttempts: rescaled}, nil
}

func (s *overrideService) DeleteDiscount(ctx context.Context, resourceID, discountID uint, actor ActivityActor) (dto.OverrideChangeResponse, error) {
	if _, err := s.loadResource(ctx, resourceID); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	discount, err := s.overrides.GetDiscount(ctx, resourceID, discountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.OverrideChangeResponse{}, ErrDiscountNotFound
		}
		return dto.OverrideChangeResponse{}, err
	}
	if err := s.overrides.DeleteDiscount(ctx, discount.ID); err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	s.record(ctx, actor, models.ActionDiscountDeleted, &resourceID, nil, discount.Part, map[string]interface{}{"behaviour": discount.Behaviour})

	attempts, err := s.attempts.ListByResource(ctx, resourceID)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}
	rescaled, err := s.rescore(ctx, attempts)
	if err != nil {
		return dto.OverrideChangeResponse{}, err
	}

	response := dto.NewDiscountResponse(discount)
	return dto.OverrideChangeResponse{Discount: &response, AffectedAttempts: len(attempts), RescaledAttempts: rescaled}, nil
}

// rescore refreshes cached scores of every affected attempt and returns the
// IDs whose scaled score changed.
func (s *overrideService) rescore(ctx context.Context, attempts []models.Attempt) ([]uint, error) {
	rescaled := []uint{}
	policies := make(map[uint]string)

	for _, attempt := range attempts {
		if err := s.scores.RefreshQuestionScores(ctx, attempt.ID, nil); err != nil {
			return nil, err
		}
		changed, err := s.scores.RecomputeScaledScore(ctx, attempt.ID)
		if err != nil {
			return nil, err
		}
		s.scores.Invalidate(ctx, attempt.ID)

		if !changed {
			continue
		}
		rescaled = append(rescaled, attempt.ID)

		if s.reporter == nil {
			continue
		}
		policy, ok := policies[attempt.ResourceID]
		if !ok {
			resource, err := s.loadResource(ctx, attempt.ResourceID)
			if err != nil {
				return nil, err
			}
			policy = resource.ReportMarkTime
			policies[attempt.ResourceID] = policy
		}
		if policy != models.ReportManually {
			s.reporter.ReportAsync(attempt.UserID, attempt.ResourceID)
		}
	}

	return rescaled, nil
}

func (s *overrideService) record(ctx context.Context, actor ActivityActor, action string, resourceID, attemptID *uint, part string, metadata map[string]interface{}) {
	if s.activity == nil {
		return
	}
	if _, err := s.activity.Record(ctx, ActivityEntry{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		ResourceID: resourceID,
		AttemptID:  attemptID,
		Part:       part,
		Metadata:   metadata,
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to record override activity")
	}
}
