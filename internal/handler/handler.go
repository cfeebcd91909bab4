package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	appctx "github.com/coursewallet/wallet-service/internal/context"
	"github.com/coursewallet/wallet-service/internal/service"
	"github.com/coursewallet/wallet-service/internal/ws"
)

// Handler holds HTTP/WS endpoint handlers.
type Handler struct {
	svc      *service.WalletService
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewHandler creates the handler set.
func NewHandler(svc *service.WalletService, hub *ws.Hub) *Handler {
	return &Handler{
		svc: svc,
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers the handler's own routes on the Gin
// engine. apiKeyMiddleware protects the live-feed WebSocket; business
// endpoint groups are registered by the per-area handlers.
func (h *Handler) RegisterRoutes(r *gin.Engine, apiKeyMiddleware gin.HandlerFunc) {
	// ── Public endpoints (no auth) ──
	r.GET("/api/v1/health", h.Health)

	// ── WebSocket live balance feed (API key auth) ──
	r.GET("/ws", apiKeyMiddleware, h.WebSocket)
}

// ─────────────────────────────────────────────
// GET /api/v1/health
// ─────────────────────────────────────────────

// Health reports liveness and the number of connected feed sessions.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": h.hub.ClientCount(),
	})
}

// ─────────────────────────────────────────────
// GET /ws  (Live balance feed)
// ─────────────────────────────────────────────

// WebSocket upgrades the connection and streams the authenticated
// user's committed ledger entries until the peer disconnects.
func (h *Handler) WebSocket(c *gin.Context) {
	user := appctx.MustGetUser(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[handler] ws upgrade failed user=%s: %v", user.ID, err)
		return
	}

	client := ws.NewClient(user.ID, conn, h.hub)
	h.hub.Register(client)
	log.Infof("[handler] feed session opened user=%s", user.ID)

	client.Run()
}
