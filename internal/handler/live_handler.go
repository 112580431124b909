package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-scorm-api/internal/service"
)

// LiveHandler streams newly stored elements of an attempt to instructors.
type LiveHandler struct {
	live   service.LiveUpdateService
	logger zerolog.Logger
}

// NewLiveHandler constructs a LiveHandler.
func NewLiveHandler(live service.LiveUpdateService, logger zerolog.Logger) *LiveHandler {
	return &LiveHandler{
		live:   live,
		logger: logger.With().Str("component", "live_handler").Logger(),
	}
}

// Register binds the live stream route.
func (h *LiveHandler) Register(router fiber.Router, guards ...fiber.Handler) {
	router.Get("/:id/live", withGuards(guards, upgradeRequired, websocket.New(h.handleConnection))...)
}

func (h *LiveHandler) handleConnection(conn *websocket.Conn) {
	attemptID, err := parseID(conn.Params("id"))
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid attempt id"))
		_ = conn.Close()
		return
	}

	events, cleanup := h.live.Subscribe(attemptID)
	defer cleanup()

	// Observers never send anything; reading only detects the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Info().Uint("attempt_id", attemptID).Msg("live observer connected")
	defer h.logger.Info().Uint("attempt_id", attemptID).Msg("live observer disconnected")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}
