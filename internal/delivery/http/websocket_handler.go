package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kawacukennedy/polygot-sub000/internal/delivery/http/middleware"
	"github.com/kawacukennedy/polygot-sub000/internal/notify"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development; restrict in production
	},
}

// WebSocketHandler streams status events for the authenticated owner's
// executions. Delivery is best-effort: a client that misses events recovers by
// reading GET /executions/:id.
type WebSocketHandler struct {
	subscriber notify.EventSubscriber
	logger     *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(subscriber notify.EventSubscriber, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{subscriber: subscriber, logger: logger}
}

// Stream handles GET /api/v1/executions/stream (WebSocket upgrade)
func (h *WebSocketHandler) Stream(c *gin.Context) {
	ownerID := c.GetString(middleware.UserIDKey)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.subscriber.SubscribeStatus(ctx, ownerID)
	if err != nil {
		h.logger.Error("Status subscription failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Debug("WebSocket connection opened", zap.String("owner_id", ownerID))

	// Drain client frames so close and pong handling work, and cancel the
	// subscription when the client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Debug("WebSocket write failed (client disconnected)", zap.Error(err))
				return
			}
		}
	}
}
