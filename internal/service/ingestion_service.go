package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
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
)

// ErrInvalidElementTime indicates an element whose timestamp cannot be read.
var ErrInvalidElementTime = errors.New("invalid element time")

var questionScoreKey = regexp.MustCompile(`^cmi\.objectives\.(\d+)\.(?:score\.(?:raw|scaled|max)|completion_status)$`)

// IngestionService stores batches of elements sent by the exam runtime.
type IngestionService interface {
	Ingest(ctx context.Context, attemptID uint, batches map[string][]dto.ElementPayload) (dto.IngestResult, error)
}

// IngestionDependencies wires the ingestion pipeline.
type IngestionDependencies struct {
	DB        *gorm.DB
	Attempts  repository.AttemptRepository
	Resources repository.ResourceRepository
	Elements  repository.ElementRepository
	State     AttemptStateService
	Scores    ScoreService
	Live      LiveUpdateService
	Locker    *AttemptLocker
	Validator *validator.Validate
	Logger    zerolog.Logger
}

type ingestionService struct {
	db        *gorm.DB
	attempts  repository.AttemptRepository
	resources repository.ResourceRepository
	elements  repository.ElementRepository
	state     AttemptStateService
	scores    ScoreService
	live      LiveUpdateService
	locker    *AttemptLocker
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
}

type pendingElement struct {
	batchID string
	payload dto.ElementPayload
	time    time.Time
}

// NewIngestionService constructs the ingestion pipeline.
func NewIngestionService(deps IngestionDependencies) IngestionService {
	return &ingestionService{
		db:        deps.DB,
		attempts:  deps.Attempts,
		resources: deps.Resources,
		elements:  deps.Elements,
		state:     deps.State,
		scores:    deps.Scores,
		live:      deps.Live,
		locker:    deps.Locker,
		validator: deps.Validator,
		logger:    deps.Logger.With().Str("component", "ingestion_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-scorm-api/internal/service/ingestion"),
	}
}

// Ingest stores every element of every batch at most once. Batches are
// acknowledged only when none of their elements had to be deferred.
func (s *ingestionService) Ingest(ctx context.Context, attemptID uint, batches map[string][]dto.ElementPayload) (dto.IngestResult, error) {
	batchIDs, pending, err := s.prepare(batches)
	if err != nil {
		return dto.IngestResult{}, err
	}

	ctx, span := s.tracer.Start(ctx, "scorm.ingest", trace.WithAttributes(
		attribute.Int("attempt.id", int(attemptID)),
		attribute.Int("ingest.batches", len(batchIDs)),
	))
	defer span.End()

	unlock := s.locker.Lock(attemptID)
	defer unlock()

	result := dto.IngestResult{
		AcceptedBatchIDs: []string{},
		RejectedElements: []dto.RejectedElement{},
	}
	deferred := make(map[string]bool)
	var (
		created []models.ScormElement
		attempt models.Attempt
	)

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)

		var err error
		attempt, err = attempts.LockForUpdate(ctx, attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}

		suspendDataArrived := false
		for _, batchID := range batchIDs {
			for _, item := range pending[batchID] {
				if !attempt.AcceptsElementAt(item.time) {
					result.SkippedCount++
					observability.ElementsIngested().WithLabelValues("skipped").Inc()
					continue
				}

				element := models.NewScormElement(attemptID, item.payload.Key, item.payload.Value, item.time, item.payload.Counter)
				stored, err := s.appendOne(ctx, tx, &element)
				if err != nil {
					if !repository.IsTransientWriteError(err) {
						return err
					}
					s.logger.Warn().Err(err).
						Uint("attempt_id", attemptID).
						Str("batch_id", batchID).
						Str("key", element.Key).
						Msg("element rejected by store, deferring to client")
					deferred[batchID] = true
					result.RejectedElements = append(result.RejectedElements, dto.RejectedElement{
						BatchID: batchID,
						Key:     item.payload.Key,
						Value:   item.payload.Value,
						Time:    item.time,
						Counter: item.payload.Counter,
					})
					observability.ElementsIngested().WithLabelValues("rejected").Inc()
					continue
				}

				if !stored {
					observability.ElementsIngested().WithLabelValues("duplicate").Inc()
					continue
				}
				observability.ElementsIngested().WithLabelValues("created").Inc()
				created = append(created, element)
				if element.Key == models.KeySuspendData {
					suspendDataArrived = true
				}
			}
		}

		if suspendDataArrived && attempt.Diffed {
			if err := attempts.SetDiffed(ctx, attemptID, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "ingest_failed")
		return dto.IngestResult{}, err
	}

	for _, batchID := range batchIDs {
		if deferred[batchID] {
			observability.Batches().WithLabelValues("deferred").Inc()
			continue
		}
		result.AcceptedBatchIDs = append(result.AcceptedBatchIDs, batchID)
		observability.Batches().WithLabelValues("accepted").Inc()
	}
	result.CreatedCount = len(created)
	result.CompletionStatus = attempt.CompletionStatus

	if len(created) > 0 {
		if status, ok := s.afterCommit(ctx, attempt, created); ok {
			result.CompletionStatus = status
		}
	}

	span.SetAttributes(
		attribute.Int("ingest.created", len(created)),
		attribute.Int("ingest.rejected", len(result.RejectedElements)),
	)
	return result, nil
}

// prepare validates every element before anything is written and groups the
// elements by batch in sorted batch order.
func (s *ingestionService) prepare(batches map[string][]dto.ElementPayload) ([]string, map[string][]pendingElement, error) {
	batchIDs := make([]string, 0, len(batches))
	pending := make(map[string][]pendingElement, len(batches))

	for batchID, payloads := range batches {
		if strings.TrimSpace(batchID) == "" {
			return nil, nil, errors.New("batch id is required")
		}
		items := make([]pendingElement, 0, len(payloads))
		for i, payload := range payloads {
			if err := s.validator.Struct(payload); err != nil {
				return nil, nil, err
			}
			at, err := payload.ResolveTime()
			if err != nil {
				return nil, nil, fmt.Errorf("%w: batch %s element %d: %v", ErrInvalidElementTime, batchID, i, err)
			}
			items = append(items, pendingElement{batchID: batchID, payload: payload, time: at})
		}
		batchIDs = append(batchIDs, batchID)
		pending[batchID] = items
	}

	sort.Strings(batchIDs)
	return batchIDs, pending, nil
}

// appendOne inserts inside a savepoint so a rejected row does not abort the
// surrounding transaction.
func (s *ingestionService) appendOne(ctx context.Context, tx *gorm.DB, element *models.ScormElement) (bool, error) {
	var created bool
	err := tx.Transaction(func(savepoint *gorm.DB) error {
		var err error
		created, err = s.elements.WithTx(savepoint).AppendIfAbsent(ctx, element)
		return err
	})
	return created, err
}

// afterCommit runs the side effects of newly stored elements. Failures are
// logged; the elements are already committed and a retry would be deduplicated.
func (s *ingestionService) afterCommit(ctx context.Context, attempt models.Attempt, created []models.ScormElement) (string, bool) {
	logger := s.logger.With().Uint("attempt_id", attempt.ID).Logger()

	completionStatus := ""
	statusKnown := false
	if s.state != nil {
		change, err := s.state.Apply(ctx, attempt.ID, created)
		if err != nil {
			logger.Error().Err(err).Msg("failed to update cached attempt state")
		} else if change.Attempt.ID != 0 {
			completionStatus = change.Attempt.CompletionStatus
			statusKnown = true
		}
	}

	maxQuestion := -1
	questions := make(map[int]struct{})
	scoresChanged := false
	for _, element := range created {
		if m := objectiveIDKey.FindStringSubmatch(element.Key); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxQuestion {
				maxQuestion = n
			}
		}
		if m := questionScoreKey.FindStringSubmatch(element.Key); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				questions[n] = struct{}{}
			}
		}
		if strings.HasPrefix(element.Key, "cmi.objectives.") ||
			strings.HasPrefix(element.Key, "cmi.interactions.") ||
			strings.HasPrefix(element.Key, "cmi.score.") {
			scoresChanged = true
		}
	}

	if maxQuestion >= 0 {
		if err := s.resources.RaiseNumQuestions(ctx, attempt.ResourceID, maxQuestion+1); err != nil {
			logger.Error().Err(err).Msg("failed to update resource question count")
		}
	}

	if s.scores != nil && scoresChanged {
		if len(questions) > 0 {
			numbers := make([]int, 0, len(questions))
			for n := range questions {
				numbers = append(numbers, n)
			}
			sort.Ints(numbers)
			if err := s.scores.RefreshQuestionScores(ctx, attempt.ID, numbers); err != nil {
				logger.Warn().Err(err).Msg("failed to refresh cached question scores")
			}
		}
		s.scores.Invalidate(ctx, attempt.ID)
	}

	if s.live != nil {
		for _, element := range created {
			if err := s.live.Publish(ctx, dto.NewElementEvent(element)); err != nil {
				logger.Warn().Err(err).Str("key", element.Key).Msg("failed to publish live update")
				break
			}
		}
	}

	return completionStatus, statusKnown
}
