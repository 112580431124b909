package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/service"
	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

// AttemptHandler serves the read side of an attempt: scores, CMI state and
// key timelines, plus the instructor-only rebuild and reopen.
type AttemptHandler struct {
	scores service.ScoreService
	review service.ReviewService
	state  service.AttemptStateService
	logger zerolog.Logger
}

// NewAttemptHandler constructs an AttemptHandler.
func NewAttemptHandler(scores service.ScoreService, review service.ReviewService, state service.AttemptStateService, logger zerolog.Logger) *AttemptHandler {
	return &AttemptHandler{
		scores: scores,
		review: review,
		state:  state,
		logger: logger.With().Str("component", "attempt_handler").Logger(),
	}
}

// Register binds the attempt read routes.
func (h *AttemptHandler) Register(router fiber.Router) {
	router.Get("/:id/scores", h.scoreSummary)
	router.Get("/:id/cmi", h.cmiState)
	router.Get("/:id/timeline", h.timeline)
}

// RegisterMaintenance binds routes that rewrite derived attempt state.
func (h *AttemptHandler) RegisterMaintenance(router fiber.Router, guards ...fiber.Handler) {
	router.Post("/:id/rebuild", withGuards(guards, h.rebuild)...)
	router.Post("/:id/reopen", withGuards(guards, h.reopen)...)
}

func (h *AttemptHandler) scoreSummary(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	summary, err := h.scores.Summary(requestContext(c), attemptID)
	if err != nil {
		return h.handleError(c, err, "failed to resolve scores")
	}
	return utils.SendSuccess(c, "scores resolved", summary)
}

func (h *AttemptHandler) cmiState(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}
	at, err := parseOptionalTime(c, "at")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid at timestamp")
	}

	state, err := h.review.CMIState(requestContext(c), attemptID, at)
	if err != nil {
		return h.handleError(c, err, "failed to resolve cmi state")
	}
	return utils.SendSuccess(c, "cmi state resolved", state)
}

func (h *AttemptHandler) timeline(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}
	until, err := parseOptionalTime(c, "until")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid until timestamp")
	}

	timeline, err := h.review.KeyTimeline(requestContext(c), attemptID, c.Query("key"), until)
	if err != nil {
		return h.handleError(c, err, "failed to resolve timeline")
	}
	return utils.SendSuccess(c, "timeline resolved", timeline)
}

func (h *AttemptHandler) rebuild(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	ctx := requestContext(c)
	attempt, err := h.state.Rebuild(ctx, attemptID)
	if err != nil {
		return h.handleError(c, err, "failed to rebuild attempt")
	}
	h.scores.Invalidate(ctx, attemptID)

	requestLogger(h.logger, c).Info().Uint("attempt_id", attemptID).Uint("actor_id", userIDFromContext(c)).Msg("attempt state rebuilt")
	return utils.SendSuccess(c, "attempt rebuilt", attempt)
}

func (h *AttemptHandler) reopen(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	attempt, err := h.state.Reopen(requestContext(c), attemptID, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err, "failed to reopen attempt")
	}
	return utils.SendSuccess(c, "attempt reopened", attempt)
}

func (h *AttemptHandler) handleError(c *fiber.Ctx, err error, fallback string) error {
	if isValidationError(err) {
		return utils.SendValidationError(c, err)
	}
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Msg(fallback)
		return utils.SendError(c, status, fallback)
	}
	return utils.SendError(c, status, err.Error())
}
