package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/service"
	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

// OverrideHandler exposes instructor remarks and discounts.
type OverrideHandler struct {
	service   service.OverrideService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewOverrideHandler constructs an OverrideHandler.
func NewOverrideHandler(service service.OverrideService, validate *validator.Validate, logger zerolog.Logger) *OverrideHandler {
	return &OverrideHandler{
		service:   service,
		validator: validate,
		logger:    logger.With().Str("component", "override_handler").Logger(),
	}
}

// RegisterRemarks binds remark routes under an attempts group.
func (h *OverrideHandler) RegisterRemarks(router fiber.Router, guards ...fiber.Handler) {
	router.Get("/:id/remarks", withGuards(guards, h.listRemarks)...)
	router.Post("/:id/remarks", withGuards(guards, h.setRemark)...)
	router.Delete("/:id/remarks/:remarkID", withGuards(guards, h.deleteRemark)...)
}

// RegisterDiscounts binds discount routes under a resources group.
func (h *OverrideHandler) RegisterDiscounts(router fiber.Router, guards ...fiber.Handler) {
	router.Get("/:id/discounts", withGuards(guards, h.listDiscounts)...)
	router.Post("/:id/discounts", withGuards(guards, h.setDiscount)...)
	router.Delete("/:id/discounts/:discountID", withGuards(guards, h.deleteDiscount)...)
}

func (h *OverrideHandler) listRemarks(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	remarks, err := h.service.ListRemarks(requestContext(c), attemptID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "remarks retrieved", remarks)
}

func (h *OverrideHandler) setRemark(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	var payload dto.RemarkRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	change, err := h.service.SetRemark(requestContext(c), attemptID, payload, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "remark saved", change)
}

func (h *OverrideHandler) deleteRemark(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}
	remarkID, err := parseIDParam(c, "remarkID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid remark id")
	}

	change, err := h.service.DeleteRemark(requestContext(c), attemptID, remarkID, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "remark removed", change)
}

func (h *OverrideHandler) listDiscounts(c *fiber.Ctx) error {
	resourceID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid resource id")
	}

	discounts, err := h.service.ListDiscounts(requestContext(c), resourceID)
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "discounts retrieved", discounts)
}

func (h *OverrideHandler) setDiscount(c *fiber.Ctx) error {
	resourceID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid resource id")
	}

	var payload dto.DiscountRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	change, err := h.service.SetDiscount(requestContext(c), resourceID, payload, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "discount saved", change)
}

func (h *OverrideHandler) deleteDiscount(c *fiber.Ctx) error {
	resourceID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid resource id")
	}
	discountID, err := parseIDParam(c, "discountID")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid discount id")
	}

	change, err := h.service.DeleteDiscount(requestContext(c), resourceID, discountID, activityActorFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}
	return utils.SendSuccess(c, "discount removed", change)
}

func (h *OverrideHandler) handleError(c *fiber.Ctx, err error) error {
	if isValidationError(err) {
		return utils.SendValidationError(c, err)
	}
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Msg("override request failed")
		return utils.SendError(c, status, "failed to update overrides")
	}
	return utils.SendError(c, status, err.Error())
}
