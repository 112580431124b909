package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/observability"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
	"github.com/noah-isme/gema-scorm-api/pkg/diffcodec"
)

// ResolvedValue pairs a stored element with its full value.
type ResolvedValue struct {
	Element models.ScormElement
	Value   string
}

// CompactionReport summarises one CompactPending run.
type CompactionReport struct {
	Attempts  int           `json:"attempts"`
	Elements  int           `json:"elements"`
	Failed    int           `json:"failed"`
	Remaining int           `json:"remaining"`
	Elapsed   time.Duration `json:"elapsed"`
}

// SuspendDataService stores suspend data as patch chains and reads it back in full.
type SuspendDataService interface {
	History(ctx context.Context, attemptID uint) ([]ResolvedValue, error)
	ValueAt(ctx context.Context, attemptID uint, at *time.Time) (string, bool, error)
	Compact(ctx context.Context, attemptID uint) (int, error)
	CompactPending(ctx context.Context, budget time.Duration) (CompactionReport, error)
}

type suspendDataService struct {
	db       *gorm.DB
	attempts repository.AttemptRepository
	elements repository.ElementRepository
	locker   *AttemptLocker
	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewSuspendDataService constructs the suspend data chain service.
func NewSuspendDataService(db *gorm.DB, attempts repository.AttemptRepository, elements repository.ElementRepository, locker *AttemptLocker, logger zerolog.Logger) SuspendDataService {
	return &suspendDataService{
		db:       db,
		attempts: attempts,
		elements: elements,
		locker:   locker,
		logger:   logger.With().Str("component", "suspend_data_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-scorm-api/internal/service/suspend_data"),
		now:      time.Now,
	}
}

// ResolveChain reconstructs the full value of every element in an ascending
// history. A patch element is decoded against the resolved value of the
// element it was computed from, or the previous element when that is unknown.
func ResolveChain(history []models.ScormElement) ([]ResolvedValue, error) {
	return resolve(history, 0)
}

// ResolveUntil is ResolveChain stopped after the element with the given ID.
func ResolveUntil(history []models.ScormElement, cutoffID uint) ([]ResolvedValue, error) {
	return resolve(history, cutoffID)
}

func resolve(history []models.ScormElement, cutoffID uint) ([]ResolvedValue, error) {
	resolved := make([]ResolvedValue, 0, len(history))
	byID := make(map[uint]string, len(history))

	for i, element := range history {
		value := element.Value
		if element.Patch {
			var base string
			switch {
			case element.PatchBaseID != nil:
				full, ok := byID[*element.PatchBaseID]
				if !ok {
					return nil, fmt.Errorf("%w: element %d refers to unknown base %d", diffcodec.ErrCorruptPatch, element.ID, *element.PatchBaseID)
				}
				base = full
			case i > 0:
				base = resolved[i-1].Value
			default:
				return nil, fmt.Errorf("%w: element %d is a patch with nothing before it", diffcodec.ErrCorruptPatch, element.ID)
			}

			decoded, err := diffcodec.Decode(element.Value, base)
			if err != nil {
				return nil, fmt.Errorf("element %d: %w", element.ID, err)
			}
			value = decoded
		}

		resolved = append(resolved, ResolvedValue{Element: element, Value: value})
		byID[element.ID] = value

		if cutoffID != 0 && element.ID == cutoffID {
			break
		}
	}

	return resolved, nil
}

func (s *suspendDataService) History(ctx context.Context, attemptID uint) ([]ResolvedValue, error) {
	history, err := s.elements.History(ctx, attemptID, models.KeySuspendData)
	if err != nil {
		return nil, err
	}
	return ResolveChain(history)
}

// ValueAt returns the suspend data in force at the given time, or the latest
// value when at is nil.
func (s *suspendDataService) ValueAt(ctx context.Context, attemptID uint, at *time.Time) (string, bool, error) {
	history, err := s.elements.History(ctx, attemptID, models.KeySuspendData)
	if err != nil {
		return "", false, err
	}

	var cutoff *models.ScormElement
	for i := range history {
		if at != nil && history[i].Time.After(*at) {
			break
		}
		cutoff = &history[i]
	}
	if cutoff == nil {
		return "", false, nil
	}

	resolved, err := ResolveUntil(history, cutoff.ID)
	if err != nil {
		return "", false, err
	}
	return resolved[len(resolved)-1].Value, true, nil
}

// Compact rewrites every full suspend data element after the first as a patch
// against its predecessor and marks the attempt as compacted. Elements that are
// already patches are left alone, so running it twice changes nothing.
func (s *suspendDataService) Compact(ctx context.Context, attemptID uint) (int, error) {
	ctx, span := s.tracer.Start(ctx, "suspend_data.compact", trace.WithAttributes(attribute.Int("attempt.id", int(attemptID))))
	defer span.End()

	unlock := s.locker.Lock(attemptID)
	defer unlock()

	rewritten := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		elements := s.elements.WithTx(tx)

		if _, err := attempts.LockForUpdate(ctx, attemptID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}

		history, err := elements.History(ctx, attemptID, models.KeySuspendData)
		if err != nil {
			return err
		}
		resolved, err := ResolveChain(history)
		if err != nil {
			return err
		}

		for i := 1; i < len(resolved); i++ {
			current := resolved[i]
			if current.Element.Patch {
				continue
			}
			previous := resolved[i-1]

			patch := diffcodec.Encode(previous.Value, current.Value)
			if check, err := diffcodec.Decode(patch, previous.Value); err != nil || check != current.Value {
				s.logger.Error().Err(err).
					Uint("attempt_id", attemptID).
					Uint("element_id", current.Element.ID).
					Msg("patch does not reproduce suspend data, keeping full value")
				continue
			}

			if err := elements.RewriteAsPatch(ctx, current.Element.ID, patch, previous.Element.ID); err != nil {
				return err
			}
			rewritten++
		}

		return attempts.SetDiffed(ctx, attemptID, true)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "compaction_failed")
		return 0, err
	}

	span.SetAttributes(attribute.Int("compaction.rewritten", rewritten))
	observability.CompactedElements().Add(float64(rewritten))
	return rewritten, nil
}

// CompactPending compacts attempts flagged as not yet compacted until the
// budget is spent. An attempt in progress is always finished; the next one is
// left for a later run.
func (s *suspendDataService) CompactPending(ctx context.Context, budget time.Duration) (CompactionReport, error) {
	start := s.now()
	deadline := start.Add(budget)

	ids, err := s.attempts.ListUndiffedIDs(ctx, 0)
	if err != nil {
		return CompactionReport{}, err
	}

	report := CompactionReport{}
	for i, id := range ids {
		if ctx.Err() != nil || !s.now().Before(deadline) {
			report.Remaining = len(ids) - i
			break
		}

		rewritten, err := s.Compact(ctx, id)
		if err != nil {
			report.Failed++
			observability.CompactionAttempts().WithLabelValues("failed").Inc()
			s.logger.Error().Err(err).Uint("attempt_id", id).Msg("suspend data compaction failed")
			continue
		}

		report.Attempts++
		report.Elements += rewritten
		observability.CompactionAttempts().WithLabelValues("compacted").Inc()
	}

	report.Elapsed = s.now().Sub(start)
	return report, nil
}
