package service

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
)

// ErrKeyRequired indicates a timeline request without an element key.
var ErrKeyRequired = errors.New("element key is required")

// ReviewService reconstructs what the learner's runtime saw, at any point of the attempt.
type ReviewService interface {
	CMIState(ctx context.Context, attemptID uint, at *time.Time) (dto.CMIStateResponse, error)
	KeyTimeline(ctx context.Context, attemptID uint, key string, until *time.Time) (dto.TimelineResponse, error)
}

type reviewService struct {
	attempts    repository.AttemptRepository
	elements    repository.ElementRepository
	suspendData SuspendDataService
	logger      zerolog.Logger
}

// NewReviewService constructs the review service.
func NewReviewService(attempts repository.AttemptRepository, elements repository.ElementRepository, suspendData SuspendDataService, logger zerolog.Logger) ReviewService {
	return &reviewService{
		attempts:    attempts,
		elements:    elements,
		suspendData: suspendData,
		logger:      logger.With().Str("component", "review_service").Logger(),
	}
}

func cmiDefaults(attempt models.Attempt) map[string]string {
	return map[string]string{
		models.KeySuspendData:      "",
		"cmi.objectives._count":    "0",
		"cmi.interactions._count":  "0",
		"cmi.learner_id":           strconv.FormatUint(uint64(attempt.UserID), 10),
		"cmi.location":             "",
		models.KeyScoreRaw:         "0",
		models.KeyScoreScaled:      "0",
		"cmi.score.min":            "0",
		models.KeyScoreMax:         "0",
		"cmi.total_time":           "0",
		"cmi.success_status":       "",
		models.KeyCompletionStatus: attempt.CompletionStatus,
	}
}

func (s *reviewService) loadAttempt(ctx context.Context, attemptID uint) (models.Attempt, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Attempt{}, ErrAttemptNotFound
		}
		return models.Attempt{}, err
	}
	return attempt, nil
}

// CMIState returns the default data model overlaid with the newest value of
// every key at or before at. A nil at means the current state.
func (s *reviewService) CMIState(ctx context.Context, attemptID uint, at *time.Time) (dto.CMIStateResponse, error) {
	attempt, err := s.loadAttempt(ctx, attemptID)
	if err != nil {
		return dto.CMIStateResponse{}, err
	}

	values := cmiDefaults(attempt)

	elements, err := s.elements.ListByAttempt(ctx, attemptID, repository.ElementFilter{
		ExcludeKeys: []string{models.KeySuspendData},
		Until:       at,
	})
	if err != nil {
		return dto.CMIStateResponse{}, err
	}
	for _, element := range elements {
		values[element.Key] = element.Value
	}

	suspendData, ok, err := s.suspendData.ValueAt(ctx, attemptID, at)
	if err != nil {
		return dto.CMIStateResponse{}, err
	}
	if ok {
		values[models.KeySuspendData] = suspendData
	}

	var resolvedAt *time.Time
	if at != nil {
		utc := at.UTC()
		resolvedAt = &utc
	}

	return dto.CMIStateResponse{AttemptID: attemptID, At: resolvedAt, Values: values}, nil
}

// KeyTimeline lists every value the key took, oldest first, with suspend data
// patches expanded to full values.
func (s *reviewService) KeyTimeline(ctx context.Context, attemptID uint, key string, until *time.Time) (dto.TimelineResponse, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return dto.TimelineResponse{}, ErrKeyRequired
	}
	if _, err := s.loadAttempt(ctx, attemptID); err != nil {
		return dto.TimelineResponse{}, err
	}

	history, err := s.elements.History(ctx, attemptID, key)
	if err != nil {
		return dto.TimelineResponse{}, err
	}

	resolved, err := ResolveChain(history)
	if err != nil {
		s.logger.Error().Err(err).Uint("attempt_id", attemptID).Str("key", key).Msg("failed to resolve element history")
		return dto.TimelineResponse{}, err
	}

	entries := make([]dto.TimelineEntry, 0, len(resolved))
	for _, item := range resolved {
		if until != nil && item.Element.Time.After(*until) {
			break
		}
		entries = append(entries, dto.TimelineEntry{
			ElementID: item.Element.ID,
			Key:       item.Element.Key,
			Value:     item.Value,
			Time:      item.Element.Time,
			Counter:   item.Element.Counter,
		})
	}

	return dto.TimelineResponse{AttemptID: attemptID, Key: key, Entries: entries}, nil
}
