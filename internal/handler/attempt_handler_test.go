package handler_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/handler"
	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/internal/service"
	"github.com/noah-isme/gema-scorm-api/pkg/diffcodec"
)

type stubScores struct {
	summary     dto.ScoreSummaryResponse
	err         error
	invalidated []uint
}

func (s *stubScores) PartScore(context.Context, uint, string) (float64, error)    { return 0, nil }
func (s *stubScores) PartMaxScore(context.Context, uint, string) (float64, error) { return 0, nil }
func (s *stubScores) QuestionScore(context.Context, uint, int) (service.QuestionScoreInfo, error) {
	return service.QuestionScoreInfo{}, nil
}
func (s *stubScores) AttemptScore(context.Context, uint) (service.AttemptScore, error) {
	return service.AttemptScore{}, nil
}
func (s *stubScores) Summary(_ context.Context, attemptID uint) (dto.ScoreSummaryResponse, error) {
	if s.err != nil {
		return dto.ScoreSummaryResponse{}, s.err
	}
	summary := s.summary
	summary.AttemptID = attemptID
	return summary, nil
}
func (s *stubScores) RefreshQuestionScores(context.Context, uint, []int) error { return nil }
func (s *stubScores) RecomputeScaledScore(context.Context, uint) (bool, error) { return false, nil }
func (s *stubScores) Invalidate(_ context.Context, attemptID uint) {
	s.invalidated = append(s.invalidated, attemptID)
}

type stubReview struct {
	lastAt    *time.Time
	lastKey   string
	lastUntil *time.Time
	err       error
}

func (s *stubReview) CMIState(_ context.Context, attemptID uint, at *time.Time) (dto.CMIStateResponse, error) {
	s.lastAt = at
	if s.err != nil {
		return dto.CMIStateResponse{}, s.err
	}
	return dto.CMIStateResponse{AttemptID: attemptID, At: at, Values: map[string]string{"cmi.location": "3"}}, nil
}

func (s *stubReview) KeyTimeline(_ context.Context, attemptID uint, key string, until *time.Time) (dto.TimelineResponse, error) {
	s.lastKey = key
	s.lastUntil = until
	if key == "" {
		return dto.TimelineResponse{}, service.ErrKeyRequired
	}
	if s.err != nil {
		return dto.TimelineResponse{}, s.err
	}
	return dto.TimelineResponse{AttemptID: attemptID, Key: key, Entries: []dto.TimelineEntry{{ElementID: 1, Key: key, Value: "a"}}}, nil
}

type stubState struct {
	rebuilt  []uint
	reopened []service.ActivityActor
	err      error
}

func (s *stubState) Apply(context.Context, uint, []models.ScormElement) (service.StateChange, error) {
	return service.StateChange{}, nil
}

func (s *stubState) Rebuild(_ context.Context, attemptID uint) (models.Attempt, error) {
	if s.err != nil {
		return models.Attempt{}, s.err
	}
	s.rebuilt = append(s.rebuilt, attemptID)
	return models.Attempt{ID: attemptID, CompletionStatus: models.CompletionCompleted, ScaledScore: 0.5}, nil
}

func (s *stubState) Reopen(_ context.Context, attemptID uint, actor service.ActivityActor) (models.Attempt, error) {
	if s.err != nil {
		return models.Attempt{}, s.err
	}
	s.reopened = append(s.reopened, actor)
	return models.Attempt{ID: attemptID, CompletionStatus: models.CompletionIncomplete}, nil
}

func newAttemptApp(scores *stubScores, review *stubReview, state *stubState, guards ...fiber.Handler) *fiber.App {
	app := fiber.New()
	attempts := app.Group("/api/v2/attempts")
	h := handler.NewAttemptHandler(scores, review, state, testLogger)
	h.Register(attempts)
	h.RegisterMaintenance(attempts, guards...)
	return app
}

func TestAttemptHandler_ScoreSummary(t *testing.T) {
	scores := &stubScores{summary: dto.ScoreSummaryResponse{RawScore: 5, MaxScore: 10, ScaledScore: 0.5, CompletionStatus: "completed"}}
	app := newAttemptApp(scores, &stubReview{}, &stubState{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/scores", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload envelope[dto.ScoreSummaryResponse]
	decodeResponse(t, resp, &payload)
	require.Equal(t, "scores resolved", payload.Message)
	require.Equal(t, uint(4), payload.Data.AttemptID)
	require.InDelta(t, 0.5, payload.Data.ScaledScore, 1e-9)
}

func TestAttemptHandler_ScoreErrors(t *testing.T) {
	cases := map[error]int{
		service.ErrAttemptNotFound:                           fiber.StatusNotFound,
		fmt.Errorf("q0p0: %w", service.ErrInvalidScoreValue): fiber.StatusUnprocessableEntity,
		fmt.Errorf("chain: %w", diffcodec.ErrCorruptPatch):   fiber.StatusUnprocessableEntity,
		fmt.Errorf("connection reset"):                       fiber.StatusInternalServerError,
	}

	for svcErr, status := range cases {
		app := newAttemptApp(&stubScores{err: svcErr}, &stubReview{}, &stubState{})
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/scores", nil))
		require.NoError(t, err)
		require.Equal(t, status, resp.StatusCode, svcErr.Error())
	}
}

func TestAttemptHandler_CMIStateParsesTimestamp(t *testing.T) {
	review := &stubReview{}
	app := newAttemptApp(&stubScores{}, review, &stubState{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/cmi?at=2024-03-01T12:00:00%2B02:00", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.NotNil(t, review.lastAt)
	require.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), *review.lastAt)

	var payload envelope[dto.CMIStateResponse]
	decodeResponse(t, resp, &payload)
	require.Equal(t, "3", payload.Data.Values["cmi.location"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/cmi", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Nil(t, review.lastAt)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/cmi?at=noon", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAttemptHandler_Timeline(t *testing.T) {
	review := &stubReview{}
	app := newAttemptApp(&stubScores{}, review, &stubState{})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/timeline?key=cmi.suspend_data&until=2024-03-01T10:00:00Z", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, "cmi.suspend_data", review.lastKey)
	require.NotNil(t, review.lastUntil)

	var payload envelope[dto.TimelineResponse]
	decodeResponse(t, resp, &payload)
	require.Len(t, payload.Data.Entries, 1)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/attempts/4/timeline", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAttemptHandler_RebuildIsGuarded(t *testing.T) {
	scores := &stubScores{}
	state := &stubState{}
	denyLearners := func(c *fiber.Ctx) error {
		if c.Get("X-Role") != "instructor" {
			return fiber.ErrForbidden
		}
		return c.Next()
	}
	app := newAttemptApp(scores, &stubReview{}, state, denyLearners)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/attempts/4/rebuild", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Empty(t, state.rebuilt)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/attempts/4/rebuild", nil)
	req.Header.Set("X-Role", "instructor")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, []uint{4}, state.rebuilt)
	require.Equal(t, []uint{4}, scores.invalidated)

	var payload envelope[models.Attempt]
	decodeResponse(t, resp, &payload)
	require.Equal(t, models.CompletionCompleted, payload.Data.CompletionStatus)
}

func TestAttemptHandler_Reopen(t *testing.T) {
	state := &stubState{}
	withActor := func(c *fiber.Ctx) error {
		if c.Get("X-Role") != "instructor" {
			return fiber.ErrForbidden
		}
		c.Locals("user_id", uint(9))
		c.Locals("user_role", "instructor")
		return c.Next()
	}
	app := newAttemptApp(&stubScores{}, &stubReview{}, state, withActor)

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/v2/attempts/4/reopen", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Empty(t, state.reopened)

	req := httptest.NewRequest(http.MethodPost, "/api/v2/attempts/4/reopen", nil)
	req.Header.Set("X-Role", "instructor")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, []service.ActivityActor{{ID: 9, Role: "instructor"}}, state.reopened)

	var payload envelope[models.Attempt]
	decodeResponse(t, resp, &payload)
	require.Equal(t, models.CompletionIncomplete, payload.Data.CompletionStatus)

	missing := newAttemptApp(&stubScores{}, &stubReview{}, &stubState{err: service.ErrAttemptNotFound})
	resp, err = missing.Test(httptest.NewRequest(http.MethodPost, "/api/v2/attempts/4/reopen", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}
