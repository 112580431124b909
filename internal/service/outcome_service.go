package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/observability"
	"github.com/noah-isme/gema-scorm-api/internal/repository"
)

// ErrNoGradedAttempt indicates the user has no attempt eligible for grading.
var ErrNoGradedAttempt = errors.New("no attempt eligible for grading")

const outcomeReportTimeout = 15 * time.Second

// OutcomeReporter sends a user's grade on a resource to the grade passback consumer.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, userID, resourceID uint) (dto.OutcomeReport, error)
	ReportAsync(userID, resourceID uint)
}

type outcomeReporter struct {
	attempts  repository.AttemptRepository
	resources repository.ResourceRepository
	scores    ScoreService
	nats      *nats.Conn
	subject   string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewOutcomeReporter constructs the reporter. Reports are published on
// "<channelBase>.outcomes"; with no NATS connection they are only logged.
func NewOutcomeReporter(attempts repository.AttemptRepository, resources repository.ResourceRepository, scores ScoreService, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) OutcomeReporter {
	subject := ""
	if channelBase != "" {
		subject = strings.ReplaceAll(channelBase, ":", ".") + ".outcomes"
	}

	return &outcomeReporter{
		attempts:  attempts,
		resources: resources,
		scores:    scores,
		nats:      natsConn,
		subject:   subject,
		logger:    logger.With().Str("component", "outcome_reporter").Logger(),
		now:       time.Now,
	}
}

func (r *outcomeReporter) ReportOutcome(ctx context.Context, userID, resourceID uint) (dto.OutcomeReport, error) {
	resource, err := r.resources.GetByID(ctx, resourceID)
	if err != nil {
		return dto.OutcomeReport{}, ErrResourceNotFound
	}

	attempts, err := r.attempts.ListForUser(ctx, userID, resourceID)
	if err != nil {
		return dto.OutcomeReport{}, err
	}

	graded, ok := gradedAttempt(resource, attempts)
	if !ok {
		return dto.OutcomeReport{}, ErrNoGradedAttempt
	}

	total, err := r.scores.AttemptScore(ctx, graded.ID)
	if err != nil {
		return dto.OutcomeReport{}, err
	}

	report := dto.OutcomeReport{
		UserID:           userID,
		ResourceID:       resourceID,
		AttemptID:        graded.ID,
		RawScore:         total.RawScore,
		MaxScore:         total.MaxScore,
		ScaledScore:      graded.ScaledScore,
		CompletionStatus: graded.CompletionStatus,
		ReportedAt:       r.now().UTC(),
	}

	if r.nats == nil || r.subject == "" {
		observability.OutcomeReports().WithLabelValues("skipped").Inc()
		r.logger.Debug().Uint("user_id", userID).Uint("resource_id", resourceID).Msg("no outcome transport configured")
		return report, nil
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return dto.OutcomeReport{}, err
	}
	if err := r.nats.Publish(r.subject, payload); err != nil {
		observability.OutcomeReports().WithLabelValues("failed").Inc()
		return dto.OutcomeReport{}, err
	}

	observability.OutcomeReports().WithLabelValues("sent").Inc()
	return report, nil
}

// ReportAsync reports in the background. Failures are logged and dropped.
func (r *outcomeReporter) ReportAsync(userID, resourceID uint) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), outcomeReportTimeout)
		defer cancel()

		if _, err := r.ReportOutcome(ctx, userID, resourceID); err != nil {
			r.logger.Warn().Err(err).Uint("user_id", userID).Uint("resource_id", resourceID).Msg("outcome report failed")
		}
	}()
}

// gradedAttempt picks the attempt whose score stands for the user on the resource.
func gradedAttempt(resource models.Resource, attempts []models.Attempt) (models.Attempt, bool) {
	var (
		best  models.Attempt
		found bool
	)

	for _, attempt := range attempts {
		if attempt.Deleted || attempt.Broken {
			continue
		}
		if !resource.IncludeIncompleteAttempts && !attempt.IsCompleted() {
			continue
		}
		if !found {
			best, found = attempt, true
			continue
		}

		switch resource.GradingMethod {
		case models.GradingMethodLast:
			if !attempt.StartTime.Before(best.StartTime) {
				best = attempt
			}
		default:
			if attempt.ScaledScore > best.ScaledScore ||
				(attempt.ScaledScore == best.ScaledScore && attempt.StartTime.After(best.StartTime)) {
				best = attempt
			}
		}
	}

	return best, found
}
