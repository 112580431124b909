package handler_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/handler"
	"github.com/noah-isme/gema-scorm-api/internal/middleware"
	"github.com/noah-isme/gema-scorm-api/internal/service"
	"github.com/noah-isme/gema-scorm-api/pkg/partpath"
)

type stubOverrides struct {
	actor       service.ActivityActor
	remark      dto.RemarkRequest
	discount    dto.DiscountRequest
	deletedID   uint
	err         error
	remarkCalls int
}

func (s *stubOverrides) ListRemarks(_ context.Context, attemptID uint) ([]dto.RemarkResponse, error) {
	return []dto.RemarkResponse{{ID: 1, AttemptID: attemptID, Part: "q0p0", Score: 3}}, s.err
}

func (s *stubOverrides) SetRemark(_ context.Context, attemptID uint, payload dto.RemarkRequest, actor service.ActivityActor) (dto.OverrideChangeResponse, error) {
	s.remarkCalls++
	s.remark = payload
	s.actor = actor
	if s.err != nil {
		return dto.OverrideChangeResponse{}, s.err
	}
	remark := dto.RemarkResponse{ID: 9, AttemptID: attemptID, Part: payload.Part, Score: *payload.Score, CreatedBy: actor.ID}
	return dto.OverrideChangeResponse{Remark: &remark, AffectedAttempts: 1, RescaledAttempts: []uint{attemptID}}, nil
}

func (s *stubOverrides) DeleteRemark(_ context.Context, attemptID, remarkID uint, actor service.ActivityActor) (dto.OverrideChangeResponse, error) {
	s.deletedID = remarkID
	s.actor = actor
	if s.err != nil {
		return dto.OverrideChangeResponse{}, s.err
	}
	return dto.OverrideChangeResponse{AffectedAttempts: 1, RescaledAttempts: []uint{attemptID}}, nil
}

func (s *stubOverrides) ListDiscounts(_ context.Context, resourceID uint) ([]dto.DiscountResponse, error) {
	return []dto.DiscountResponse{{ID: 2, ResourceID: resourceID, Part: "q1p0", Behaviour: "remove"}}, s.err
}

func (s *stubOverrides) SetDiscount(_ context.Context, resourceID uint, payload dto.DiscountRequest, actor service.ActivityActor) (dto.OverrideChangeResponse, error) {
	s.discount = payload
	s.actor = actor
	if s.err != nil {
		return dto.OverrideChangeResponse{}, s.err
	}
	discount := dto.DiscountResponse{ID: 3, ResourceID: resourceID, Part: payload.Part, Behaviour: payload.Behaviour}
	return dto.OverrideChangeResponse{Discount: &discount, AffectedAttempts: 2, RescaledAttempts: []uint{}}, nil
}

func (s *stubOverrides) DeleteDiscount(_ context.Context, _ uint, discountID uint, actor service.ActivityActor) (dto.OverrideChangeResponse, error) {
	s.deletedID = discountID
	s.actor = actor
	return dto.OverrideChangeResponse{RescaledAttempts: []uint{}}, s.err
}

func newOverrideApp(svc service.OverrideService, role string) *fiber.App {
	app := fiber.New()
	app.Use(withActor(11, role))
	h := handler.NewOverrideHandler(svc, validator.New(validator.WithRequiredStructEnabled()), testLogger)
	guard := middleware.RequireRole("instructor", "admin")
	h.RegisterRemarks(app.Group("/api/v2/attempts"), guard)
	h.RegisterDiscounts(app.Group("/api/v2/resources"), guard)
	return app
}

func jsonRequest(method, path, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestOverrideHandler_LearnersAreForbidden(t *testing.T) {
	svc := &stubOverrides{}
	app := newOverrideApp(svc, "learner")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v2/attempts/5/remarks", `{"part":"q0p0","score":8}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	require.Zero(t, svc.remarkCalls)
}

func TestOverrideHandler_SetRemark(t *testing.T) {
	svc := &stubOverrides{}
	app := newOverrideApp(svc, "instructor")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v2/attempts/5/remarks", `{"part":"q0p0","score":8}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)

	var payload envelope[dto.OverrideChangeResponse]
	decodeResponse(t, resp, &payload)
	require.True(t, payload.Success)
	require.NotNil(t, payload.Data.Remark)
	require.InDelta(t, 8, payload.Data.Remark.Score, 1e-9)
	require.Equal(t, []uint{5}, payload.Data.RescaledAttempts)
	require.Equal(t, service.ActivityActor{ID: 11, Role: "instructor"}, svc.actor)
	require.Equal(t, "q0p0", svc.remark.Part)
}

func TestOverrideHandler_RemarkErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "bad path", err: partpath.ErrInvalidPath, status: fiber.StatusBadRequest},
		{name: "missing attempt", err: service.ErrAttemptNotFound, status: fiber.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			app := newOverrideApp(&stubOverrides{err: tc.err}, "admin")
			resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v2/attempts/5/remarks", `{"part":"q0x","score":1}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
		})
	}

	app := newOverrideApp(&stubOverrides{err: service.ErrRemarkNotFound}, "instructor")
	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/api/v2/attempts/5/remarks/99", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v2/attempts/5/remarks/zero", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestOverrideHandler_Discounts(t *testing.T) {
	svc := &stubOverrides{}
	app := newOverrideApp(svc, "instructor")

	resp, err := app.Test(jsonRequest(http.MethodPost, "/api/v2/resources/3/discounts", `{"part":"q1p0","behaviour":"fullmarks"}`))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	require.Equal(t, "fullmarks", svc.discount.Behaviour)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v2/resources/3/discounts", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var list envelope[[]dto.DiscountResponse]
	decodeResponse(t, resp, &list)
	require.Len(t, list.Data, 1)
	require.Equal(t, uint(3), list.Data[0].ResourceID)

	resp, err = app.Test(httptest.NewRequest(http.MethodDelete, "/api/v2/resources/3/discounts/2", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Equal(t, uint(2), svc.deletedID)
}
