package handlers

import (
	"context"
	"net/http"
	"slices"

	"marketplace-svc/auth"
	"marketplace-svc/middleware"
	"marketplace-svc/realtime"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type WebSocketHandler struct {
	hub        *realtime.Hub
	dispatcher *realtime.Dispatcher
	tokens     *auth.TokenManager
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewWebSocketHandler accepts browser upgrades only from the given origins.
// A "*" entry accepts any origin.
func NewWebSocketHandler(hub *realtime.Hub, dispatcher *realtime.Dispatcher, tokens *auth.TokenManager, origins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		hub:        hub,
		dispatcher: dispatcher,
		tokens:     tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(origins, "*") || slices.Contains(origins, origin)
			},
		},
		logger: logger,
	}
}

// ServeWS authenticates the handshake before upgrading. A rejected handshake
// never becomes a websocket.
func (h *WebSocketHandler) ServeWS(c *gin.Context) {
	raw := middleware.TokenFromRequest(c.Request)
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication error: Token not provided"})
		return
	}
	claims, err := h.tokens.Parse(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication error: Invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("Websocket upgrade failed", zap.Int64("user_id", claims.UserID), zap.Error(err))
		return
	}

	client := realtime.NewClient(h.hub, conn, claims.UserID, claims.Name, h.logger)
	h.hub.Register(client)

	go client.WritePump()
	go client.ReadPump(context.WithoutCancel(c.Request.Context()), h.dispatcher)
}
