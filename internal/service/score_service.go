package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/observability"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
	"github.com/noah-isme/gema-scorm-api/pkg/partpath"
)

var (
	// ErrAttemptNotFound indicates the attempt does not exist.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrResourceNotFound indicates the attempt's resource does not exist.
	ErrResourceNotFound = errors.New("resource not found")
)

// ScoreService computes override-aware scores from an attempt's element log.
type ScoreService interface {
	PartScore(ctx context.Context, attemptID uint, path string) (float64, error)
	PartMaxScore(ctx context.Context, attemptID uint, path string) (float64, error)
	QuestionScore(ctx context.Context, attemptID uint, number int) (QuestionScoreInfo, error)
	AttemptScore(ctx context.Context, attemptID uint) (AttemptScore, error)
	Summary(ctx context.Context, attemptID uint) (dto.ScoreSummaryResponse, error)
	RefreshQuestionScores(ctx context.Context, attemptID uint, numbers []int) error
	RecomputeScaledScore(ctx context.Context, attemptID uint) (bool, error)
	Invalidate(ctx context.Context, attemptID uint)
}

type scoreService struct {
	attempts       repository.AttemptRepository
	resources      repository.ResourceRepository
	elements       repository.ElementRepository
	overrides      repository.OverrideRepository
	questionScores repository.QuestionScoreRepository
	cache          *redis.Client
	cacheTTL       time.Duration
	logger         zerolog.Logger
	tracer         trace.Tracer
	now            func() time.Time
}

// ScoreRepositories groups the stores the score service reads from.
type ScoreRepositories struct {
	Attempts       repository.AttemptRepository
	Resources      repository.ResourceRepository
	Elements       repository.ElementRepository
	Overrides      repository.OverrideRepository
	QuestionScores repository.QuestionScoreRepository
}

// NewScoreService constructs the score resolver. cache may be nil.
func NewScoreService(repos ScoreRepositories, cache *redis.Client, ttl time.Duration, logger zerolog.Logger) ScoreService {
	return &scoreService{
		attempts:       repos.Attempts,
		resources:      repos.Resources,
		elements:       repos.Elements,
		overrides:      repos.Overrides,
		questionScores: repos.QuestionScores,
		cache:          cache,
		cacheTTL:       ttl,
		logger:         logger.With().Str("component", "score_service").Logger(),
		tracer:         otel.Tracer("github.com/noah-isme/gema-scorm-api/internal/service/score"),
		now:            time.Now,
	}
}

func summaryCacheKey(attemptID uint) string {
	return fmt.Sprintf("scores:attempt:%d", attemptID)
}

func (s *scoreService) loadSheet(ctx context.Context, attemptID uint) (*scoreSheet, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}

	resource, err := s.resources.GetByID(ctx, attempt.ResourceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, err
	}

	elements, err := s.elements.ListByAttempt(ctx, attemptID, repository.ElementFilter{
		ExcludeKeys: []string{models.KeySuspendData},
	})
	if err != nil {
		return nil, err
	}

	remarks, err := s.overrides.ListRemarks(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	discounts, err := s.overrides.ListDiscounts(ctx, attempt.ResourceID)
	if err != nil {
		return nil, err
	}

	return newScoreSheet(attempt, resource, elements, remarks, discounts), nil
}

func (s *scoreService) PartScore(ctx context.Context, attemptID uint, path string) (float64, error) {
	if _, err := partpath.Parse(path); err != nil {
		return 0, err
	}
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	return sheet.partScore(path)
}

func (s *scoreService) PartMaxScore(ctx context.Context, attemptID uint, path string) (float64, error) {
	if _, err := partpath.Parse(path); err != nil {
		return 0, err
	}
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return 0, err
	}
	return sheet.partMaxScore(path)
}

func (s *scoreService) QuestionScore(ctx context.Context, attemptID uint, number int) (QuestionScoreInfo, error) {
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return QuestionScoreInfo{}, err
	}
	return sheet.questionInfo(number)
}

func (s *scoreService) AttemptScore(ctx context.Context, attemptID uint) (AttemptScore, error) {
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return AttemptScore{}, err
	}
	return sheet.attemptScore()
}

// Summary returns the full score breakdown of an attempt, served from Redis
// while the cached copy is fresh.
func (s *scoreService) Summary(ctx context.Context, attemptID uint) (dto.ScoreSummaryResponse, error) {
	cacheKey := summaryCacheKey(attemptID)

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey).Result(); err == nil {
			var response dto.ScoreSummaryResponse
			if unmarshalErr := json.Unmarshal([]byte(cached), &response); unmarshalErr == nil {
				observability.ScoreCacheLookups().WithLabelValues("hit").Inc()
				return response, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Msg("failed to read score summary cache")
		}
		observability.ScoreCacheLookups().WithLabelValues("miss").Inc()
	}

	ctx, span := s.tracer.Start(ctx, "scores.summary", trace.WithAttributes(attribute.Int("attempt.id", int(attemptID))))
	defer span.End()

	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load_failed")
		return dto.ScoreSummaryResponse{}, err
	}

	response, err := s.buildSummary(sheet)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "score_failed")
		return dto.ScoreSummaryResponse{}, err
	}

	if s.cache != nil {
		if payload, err := json.Marshal(response); err == nil {
			if err := s.cache.Set(ctx, cacheKey, payload, s.cacheTTL).Err(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to store score summary cache")
			}
		}
	}

	return response, nil
}

func (s *scoreService) buildSummary(sheet *scoreSheet) (dto.ScoreSummaryResponse, error) {
	total, err := sheet.attemptScore()
	if err != nil {
		return dto.ScoreSummaryResponse{}, err
	}

	response := dto.ScoreSummaryResponse{
		AttemptID:        sheet.attempt.ID,
		RawScore:         total.RawScore,
		MaxScore:         total.MaxScore,
		ScaledScore:      total.ScaledScore,
		CompletionStatus: sheet.attempt.CompletionStatus,
		Overridden:       total.Overridden,
		Questions:        []dto.QuestionScoreResponse{},
		InvalidPaths:     sheet.hierarchy.Invalid,
		GeneratedAt:      s.now().UTC(),
	}

	for _, number := range sheet.questionNumbers() {
		info, err := sheet.questionInfo(number)
		if err != nil {
			return dto.ScoreSummaryResponse{}, err
		}

		question := dto.QuestionScoreResponse{
			Number:           number,
			RawScore:         info.RawScore,
			MaxScore:         info.MaxScore,
			ScaledScore:      info.ScaledScore,
			CompletionStatus: info.CompletionStatus,
			Parts:            []dto.PartScoreResponse{},
		}

		for _, partNumber := range sheet.hierarchy.PartNumbers(number) {
			node, _ := sheet.hierarchy.Part(number, partNumber)
			part, err := sheet.partResponse(partpath.Path{Question: number, Part: partNumber})
			if err != nil {
				return dto.ScoreSummaryResponse{}, err
			}
			for _, gap := range node.Gaps {
				child, err := sheet.partResponse(partpath.Path{Question: number, Part: partNumber, Kind: partpath.KindGap, Index: gap})
				if err != nil {
					return dto.ScoreSummaryResponse{}, err
				}
				part.Gaps = append(part.Gaps, child)
			}
			for _, step := range node.Steps {
				child, err := sheet.partResponse(partpath.Path{Question: number, Part: partNumber, Kind: partpath.KindStep, Index: step})
				if err != nil {
					return dto.ScoreSummaryResponse{}, err
				}
				part.Steps = append(part.Steps, child)
			}
			question.Parts = append(question.Parts, part)
		}

		response.Questions = append(response.Questions, question)
	}

	return response, nil
}

func (s *scoreSheet) partResponse(path partpath.Path) (dto.PartScoreResponse, error) {
	raw := path.String()
	score, err := s.partScore(raw)
	if err != nil {
		return dto.PartScoreResponse{}, err
	}
	maxScore, err := s.partMaxScore(raw)
	if err != nil {
		return dto.PartScoreResponse{}, err
	}
	return dto.PartScoreResponse{Path: raw, Score: score, MaxScore: maxScore}, nil
}

// RefreshQuestionScores rewrites the cached per-question scores. A nil list
// refreshes every known question.
func (s *scoreService) RefreshQuestionScores(ctx context.Context, attemptID uint, numbers []int) error {
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return err
	}
	if numbers == nil {
		numbers = sheet.questionNumbers()
	}

	rows := make([]models.AttemptQuestionScore, 0, len(numbers))
	for _, number := range numbers {
		info, err := sheet.questionInfo(number)
		if err != nil {
			return err
		}
		rows = append(rows, models.AttemptQuestionScore{
			AttemptID:        attemptID,
			Number:           number,
			RawScore:         info.RawScore,
			MaxScore:         info.MaxScore,
			ScaledScore:      info.ScaledScore,
			CompletionStatus: info.CompletionStatus,
		})
	}

	return s.questionScores.Upsert(ctx, rows)
}

// RecomputeScaledScore stores raw/max as the attempt's scaled score and
// reports whether it changed.
func (s *scoreService) RecomputeScaledScore(ctx context.Context, attemptID uint) (bool, error) {
	sheet, err := s.loadSheet(ctx, attemptID)
	if err != nil {
		return false, err
	}

	total, err := sheet.attemptScore()
	if err != nil {
		return false, err
	}
	if total.ScaledScore == sheet.attempt.ScaledScore {
		return false, nil
	}

	if err := s.attempts.UpdateFields(ctx, attemptID, map[string]interface{}{"scaled_score": total.ScaledScore}); err != nil {
		return false, err
	}

	s.logger.Debug().
		Uint("attempt_id", attemptID).
		Float64("previous", sheet.attempt.ScaledScore).
		Float64("scaled_score", total.ScaledScore).
		Msg("scaled score recomputed")
	return true, nil
}

func (s *scoreService) Invalidate(ctx context.Context, attemptID uint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, summaryCacheKey(attemptID)).Err(); err != nil {
		s.logger.Warn().Err(err).Uint("attempt_id", attemptID).Msg("failed to invalidate score summary cache")
	}
}
