package service

import (
	"context"
	"encoding/json"
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

// StateChange describes what Apply changed on an attempt.
type StateChange struct {
	Attempt           models.Attempt
	ScaledChanged     bool
	CompletionChanged bool
}

// AttemptStateService keeps an attempt's cached scaled score, completion
// status, start and end times in step with its element log.
type AttemptStateService interface {
	Apply(ctx context.Context, attemptID uint, created []models.ScormElement) (StateChange, error)
	Rebuild(ctx context.Context, attemptID uint) (models.Attempt, error)
	Reopen(ctx context.Context, attemptID uint, actor ActivityActor) (models.Attempt, error)
}

// AttemptStateDependencies wires the attempt cache maintainer. Reporter,
// Activity, Live and Locker may be nil.
type AttemptStateDependencies struct {
	DB        *gorm.DB
	Attempts  repository.AttemptRepository
	Resources repository.ResourceRepository
	Elements  repository.ElementRepository
	Reporter  OutcomeReporter
	Activity  ActivityRecorder
	Live      LiveUpdateService
	Locker    *AttemptLocker
	Logger    zerolog.Logger
}

type attemptStateService struct {
	db        *gorm.DB
	attempts  repository.AttemptRepository
	resources repository.ResourceRepository
	elements  repository.ElementRepository
	reporter  OutcomeReporter
	activity  ActivityRecorder
	live      LiveUpdateService
	locker    *AttemptLocker
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAttemptStateService constructs the attempt cache maintainer.
func NewAttemptStateService(deps AttemptStateDependencies) AttemptStateService {
	return &attemptStateService{
		db:        deps.DB,
		attempts:  deps.Attempts,
		resources: deps.Resources,
		elements:  deps.Elements,
		reporter:  deps.Reporter,
		activity:  deps.Activity,
		live:      deps.Live,
		locker:    deps.Locker,
		logger:    deps.Logger.With().Str("component", "attempt_state_service").Logger(),
		now:       time.Now,
	}
}

func newestWithKey(elements []models.ScormElement, key string) *models.ScormElement {
	return newestAccepted(elements, key, func(string) bool { return true })
}

// newestAccepted returns the newest element with key whose value passes
// accept. Apply runs it over a batch and Rebuild over the whole history, so
// both settle on the same element.
func newestAccepted(elements []models.ScormElement, key string, accept func(string) bool) *models.ScormElement {
	var newest *models.ScormElement
	for i := range elements {
		if elements[i].Key != key || !accept(elements[i].Value) {
			continue
		}
		if elements[i].NewerThan(newest) {
			newest = &elements[i]
		}
	}
	return newest
}

func parseScaledScore(value string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(value), 64)
}

func parsableScore(value string) bool {
	_, err := parseScaledScore(value)
	return err == nil
}

func validCompletionStatus(value string) bool {
	switch strings.TrimSpace(value) {
	case models.CompletionNotAttempted, models.CompletionIncomplete, models.CompletionCompleted, "unknown":
		return true
	}
	return false
}

// parseEndTime reads an x.end_time value. Values without a zone are UTC.
func parseEndTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if parsed, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse("2006-01-02T15:04:05.999999999", value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// suspendDataStart reads the "start" field, in epoch milliseconds, that the
// exam runtime keeps in its suspend data.
func suspendDataStart(value string) (time.Time, bool) {
	var data struct {
		Start json.RawMessage `json:"start"`
	}
	if err := json.Unmarshal([]byte(value), &data); err != nil || len(data.Start) == 0 {
		return time.Time{}, false
	}

	raw := strings.Trim(string(data.Start), `"`)
	if raw == "null" {
		return time.Time{}, false
	}
	millis, err := strconv.ParseFloat(raw, 64)
	if err != nil || millis <= 0 {
		return time.Time{}, false
	}
	return time.UnixMicro(int64(millis * 1000)).UTC(), true
}

// Apply moves the cached fields to the newest usable of the given elements,
// but only when that element is newer than the one currently backing the field.
func (s *attemptStateService) Apply(ctx context.Context, attemptID uint, created []models.ScormElement) (StateChange, error) {
	scaledCandidate := newestAccepted(created, models.KeyScoreScaled, parsableScore)
	completionCandidate := newestAccepted(created, models.KeyCompletionStatus, validCompletionStatus)
	endCandidate := newestWithKey(created, models.KeyEndTime)
	suspendCandidate := newestWithKey(created, models.KeySuspendData)

	for _, element := range created {
		switch {
		case element.Key == models.KeyScoreScaled && !parsableScore(element.Value):
			s.logger.Warn().Uint("attempt_id", attemptID).Str("value", element.Value).Msg("ignoring unparseable scaled score")
		case element.Key == models.KeyCompletionStatus && !validCompletionStatus(element.Value):
			s.logger.Warn().Uint("attempt_id", attemptID).Str("value", element.Value).Msg("ignoring unknown completion status")
		}
	}

	if scaledCandidate == nil && completionCandidate == nil && endCandidate == nil && suspendCandidate == nil {
		return StateChange{}, nil
	}

	var change StateChange
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		elements := s.elements.WithTx(tx)

		attempt, err := attempts.LockForUpdate(ctx, attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}

		fields := map[string]interface{}{}

		if scaledCandidate != nil {
			backing, err := s.backingElement(ctx, elements, attempt.ScaledScoreElementID)
			if err != nil {
				return err
			}
			if scaledCandidate.NewerThan(backing) {
				score, _ := parseScaledScore(scaledCandidate.Value)
				fields["scaled_score_element_id"] = scaledCandidate.ID
				attempt.ScaledScoreElementID = &scaledCandidate.ID
				if score != attempt.ScaledScore {
					fields["scaled_score"] = score
					attempt.ScaledScore = score
					change.ScaledChanged = true
				}
			}
		}

		completedNow := false
		if completionCandidate != nil {
			backing, err := s.backingElement(ctx, elements, attempt.CompletionStatusElementID)
			if err != nil {
				return err
			}
			if completionCandidate.NewerThan(backing) {
				status := strings.TrimSpace(completionCandidate.Value)
				fields["completion_status_element_id"] = completionCandidate.ID
				attempt.CompletionStatusElementID = &completionCandidate.ID
				if status != attempt.CompletionStatus {
					fields["completion_status"] = status
					attempt.CompletionStatus = status
					change.CompletionChanged = true
				}
				switch {
				case status == models.CompletionIncomplete && attempt.EndTime != nil:
					fields["end_time"] = nil
					attempt.EndTime = nil
				case status == models.CompletionCompleted && attempt.EndTime == nil:
					completedNow = true
				}
			}
		}

		if attempt.IsCompleted() && (completedNow || endCandidate != nil) {
			var fallback time.Time
			switch {
			case completedNow:
				fallback = completionCandidate.Time
			case attempt.EndTime != nil:
				fallback = *attempt.EndTime
			default:
				fallback = endCandidate.Time
			}
			end, err := s.endTime(ctx, elements, attemptID, fallback)
			if err != nil {
				return err
			}
			if attempt.EndTime == nil || !attempt.EndTime.Equal(end) {
				fields["end_time"] = end
				attempt.EndTime = &end
			}
		}

		if suspendCandidate != nil {
			current, ok, err := elements.Current(ctx, attemptID, models.KeySuspendData)
			if err != nil {
				return err
			}
			if ok && current.ID == suspendCandidate.ID {
				if start, found := suspendDataStart(suspendCandidate.Value); found && !start.Equal(attempt.StartTime) {
					fields["start_time"] = start
					attempt.StartTime = start
				}
			}
		}

		change.Attempt = attempt
		if len(fields) == 0 {
			return nil
		}
		return attempts.UpdateFields(ctx, attemptID, fields)
	})
	if err != nil {
		return StateChange{}, err
	}

	s.maybeReport(ctx, change)
	return change, nil
}

// endTime prefers the time the exam runtime recorded in x.end_time over
// fallback, which is normally the time of the completing element.
func (s *attemptStateService) endTime(ctx context.Context, elements repository.ElementRepository, attemptID uint, fallback time.Time) (time.Time, error) {
	marker, ok, err := elements.Current(ctx, attemptID, models.KeyEndTime)
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return fallback.UTC(), nil
	}
	end, err := parseEndTime(marker.Value)
	if err != nil {
		s.logger.Warn().Err(err).Uint("attempt_id", attemptID).Str("value", marker.Value).Msg("ignoring unparseable end time")
		return fallback.UTC(), nil
	}
	return end, nil
}

func (s *attemptStateService) backingElement(ctx context.Context, elements repository.ElementRepository, id *uint) (*models.ScormElement, error) {
	if id == nil {
		return nil, nil
	}
	element, ok, err := elements.Get(ctx, *id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &element, nil
}

func (s *attemptStateService) maybeReport(ctx context.Context, change StateChange) {
	if s.reporter == nil || (!change.ScaledChanged && !change.CompletionChanged) {
		return
	}

	resource, err := s.resources.GetByID(ctx, change.Attempt.ResourceID)
	if err != nil {
		s.logger.Warn().Err(err).Uint("attempt_id", change.Attempt.ID).Msg("cannot load resource for outcome policy")
		return
	}

	switch resource.ReportMarkTime {
	case models.ReportImmediately:
		if change.ScaledChanged {
			s.reporter.ReportAsync(change.Attempt.UserID, resource.ID)
		}
	case models.ReportOnCompletion:
		if change.CompletionChanged && change.Attempt.IsCompleted() {
			s.reporter.ReportAsync(change.Attempt.UserID, resource.ID)
		}
	}
}

// Rebuild discards the cached fields and derives them again from the log.
func (s *attemptStateService) Rebuild(ctx context.Context, attemptID uint) (models.Attempt, error) {
	var rebuilt models.Attempt
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		attempts := s.attempts.WithTx(tx)
		elements := s.elements.WithTx(tx)

		attempt, err := attempts.LockForUpdate(ctx, attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}

		fields := map[string]interface{}{
			"scaled_score_element_id":      nil,
			"completion_status_element_id": nil,
		}
		attempt.ScaledScoreElementID = nil
		attempt.CompletionStatusElementID = nil

		scores, err := elements.History(ctx, attemptID, models.KeyScoreScaled)
		if err != nil {
			return err
		}
		if scaled := newestAccepted(scores, models.KeyScoreScaled, parsableScore); scaled != nil {
			score, _ := parseScaledScore(scaled.Value)
			fields["scaled_score_element_id"] = scaled.ID
			fields["scaled_score"] = score
			attempt.ScaledScoreElementID = &scaled.ID
			attempt.ScaledScore = score
		}

		statuses, err := elements.History(ctx, attemptID, models.KeyCompletionStatus)
		if err != nil {
			return err
		}
		if completion := newestAccepted(statuses, models.KeyCompletionStatus, validCompletionStatus); completion != nil {
			status := strings.TrimSpace(completion.Value)
			fields["completion_status_element_id"] = completion.ID
			fields["completion_status"] = status
			attempt.CompletionStatusElementID = &completion.ID
			attempt.CompletionStatus = status

			switch status {
			case models.CompletionIncomplete:
				fields["end_time"] = nil
				attempt.EndTime = nil
			case models.CompletionCompleted:
				end, err := s.endTime(ctx, elements, attemptID, completion.Time)
				if err != nil {
					return err
				}
				fields["end_time"] = end
				attempt.EndTime = &end
			}
		}

		suspendHistory, err := elements.History(ctx, attemptID, models.KeySuspendData)
		if err != nil {
			return err
		}
		if len(suspendHistory) > 0 {
			resolved, err := ResolveChain(suspendHistory)
			if err != nil {
				s.logger.Warn().Err(err).Uint("attempt_id", attemptID).Msg("cannot resolve suspend data, keeping start time")
			} else if start, found := suspendDataStart(resolved[len(resolved)-1].Value); found {
				fields["start_time"] = start
				attempt.StartTime = start
			}
		}

		rebuilt = attempt
		return attempts.UpdateFields(ctx, attemptID, fields)
	})
	if err != nil {
		return models.Attempt{}, err
	}

	return rebuilt, nil
}

// Reopen lets the student continue a finished attempt. It appends an
// "incomplete" completion status stamped now with counter 1, so it goes
// through the same newer-than guard as anything the runtime sends.
func (s *attemptStateService) Reopen(ctx context.Context, attemptID uint, actor ActivityActor) (models.Attempt, error) {
	if s.locker != nil {
		unlock := s.locker.Lock(attemptID)
		defer unlock()
	}

	element := models.NewScormElement(attemptID, models.KeyCompletionStatus, models.CompletionIncomplete, s.now(), 1)
	var (
		attempt models.Attempt
		stored  bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		attempt, err = s.attempts.WithTx(tx).LockForUpdate(ctx, attemptID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAttemptNotFound
			}
			return err
		}
		stored, err = s.elements.WithTx(tx).AppendIfAbsent(ctx, &element)
		return err
	})
	if err != nil {
		return models.Attempt{}, err
	}
	if !stored {
		return attempt, nil
	}

	change, err := s.Apply(ctx, attemptID, []models.ScormElement{element})
	if err != nil {
		return models.Attempt{}, err
	}

	if s.activity != nil {
		if _, err := s.activity.Record(ctx, ActivityEntry{
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Action:     models.ActionAttemptReopened,
			ResourceID: &change.Attempt.ResourceID,
			AttemptID:  &attemptID,
			Metadata:   map[string]interface{}{"element_id": element.ID},
		}); err != nil {
			s.logger.Warn().Err(err).Uint("attempt_id", attemptID).Msg("failed to record reopen activity")
		}
	}
	if s.live != nil {
		if err := s.live.Publish(ctx, dto.NewElementEvent(element)); err != nil {
			s.logger.Warn().Err(err).Uint("attempt_id", attemptID).Msg("failed to publish reopen")
		}
	}

	s.logger.Info().Uint("attempt_id", attemptID).Uint("actor_id", actor.ID).Msg("attempt reopened")
	return change.Attempt, nil
}
