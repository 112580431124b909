package handler

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-scorm-api/internal/dto"
	"github.com/noah-isme/gema-scorm-api/internal/service"
	"github.com/noah-isme/gema-scorm-api/internal/utils"
)

//go:embed schema/socket_packet.schema.json
var socketPacketSchema string

var packetSchema = jsonschema.MustCompileString("socket_packet.schema.json", socketPacketSchema)

// SocketError is written back on the ingest websocket when a packet is refused.
type SocketError struct {
	Error string `json:"error"`
	ID    string `json:"id,omitempty"`
}

// IngestionHandler accepts SCORM element batches over HTTP and websocket.
type IngestionHandler struct {
	ingestion service.IngestionService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewIngestionHandler builds the ingestion handler.
func NewIngestionHandler(ingestion service.IngestionService, validate *validator.Validate, logger zerolog.Logger) *IngestionHandler {
	return &IngestionHandler{
		ingestion: ingestion,
		validator: validate,
		logger:    logger.With().Str("component", "ingestion_handler").Logger(),
	}
}

// Register binds the ingest routes. Guards run before both the HTTP and the
// websocket entry point.
func (h *IngestionHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	router.Post("/:id/scorm", withGuards(guards, h.ingest)...)
	router.Get("/:id/ws", withGuards(guards, upgradeRequired, websocket.New(h.handleConnection))...)
}

func (h *IngestionHandler) ingest(c *fiber.Ctx) error {
	attemptID, err := parseIDParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid attempt id")
	}

	var payload dto.IngestRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendValidationError(c, err)
	}

	result, err := h.ingestion.Ingest(requestContext(c), attemptID, payload.Batches)
	if err != nil {
		return h.handleError(c, err)
	}

	status := fiber.StatusOK
	if len(result.RejectedElements) > 0 {
		status = fiber.StatusAccepted
	}
	return utils.SendSuccessWithStatus(c, status, "elements stored", result)
}

func (h *IngestionHandler) handleConnection(conn *websocket.Conn) {
	attemptID, err := parseID(conn.Params("id"))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid attempt id"))
		_ = conn.Close()
		return
	}

	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}

	logger := h.logger.With().Uint("attempt_id", attemptID).Logger()
	logger.Debug().Msg("ingest websocket connected")
	defer logger.Debug().Msg("ingest websocket disconnected")

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		packet, err := h.decodePacket(message)
		if err != nil {
			if writeErr := conn.WriteJSON(SocketError{Error: err.Error(), ID: packet.ID}); writeErr != nil {
				return
			}
			continue
		}

		result, err := h.ingestion.Ingest(ctx, attemptID, map[string][]dto.ElementPayload{packet.ID: packet.Data})
		if err != nil {
			logger.Warn().Err(err).Str("batch_id", packet.ID).Msg("websocket ingest failed")
			if errors.Is(err, service.ErrAttemptNotFound) {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "attempt not found"))
				return
			}
			if writeErr := conn.WriteJSON(SocketError{Error: err.Error(), ID: packet.ID}); writeErr != nil {
				return
			}
			continue
		}

		if err := conn.WriteJSON(dto.NewSocketAck(result)); err != nil {
			return
		}
	}
}

// decodePacket checks the raw message against the packet schema before
// binding it. The returned packet carries the id whenever one could be read.
func (h *IngestionHandler) decodePacket(message []byte) (dto.SocketPacket, error) {
	var packet dto.SocketPacket

	var raw interface{}
	if err := json.Unmarshal(message, &raw); err != nil {
		return packet, fmt.Errorf("invalid json: %w", err)
	}
	if object, ok := raw.(map[string]interface{}); ok {
		if id, ok := object["id"].(string); ok {
			packet.ID = id
		}
	}
	if err := packetSchema.Validate(raw); err != nil {
		return packet, fmt.Errorf("packet rejected: %w", err)
	}

	if err := json.Unmarshal(message, &packet); err != nil {
		return packet, fmt.Errorf("invalid packet: %w", err)
	}
	if err := h.validator.Struct(packet); err != nil {
		return packet, err
	}
	return packet, nil
}

func (h *IngestionHandler) handleError(c *fiber.Ctx, err error) error {
	if isValidationError(err) {
		return utils.SendValidationError(c, err)
	}
	status := errorStatus(err)
	if status == fiber.StatusInternalServerError {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to ingest elements")
		return utils.SendError(c, status, "failed to store elements")
	}
	return utils.SendError(c, status, err.Error())
}

func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		c.Locals("request_ctx", requestContext(c))
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func withGuards(guards []fiber.Handler, handlers ...fiber.Handler) []fiber.Handler {
	chain := make([]fiber.Handler, 0, len(guards)+len(handlers))
	for _, guard := range guards {
		if guard != nil {
			chain = append(chain, guard)
		}
	}
	return append(chain, handlers...)
}
