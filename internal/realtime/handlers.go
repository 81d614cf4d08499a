package realtime

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/auth"
)

// Handler exposes the WebSocket upgrade endpoint.
type Handler struct {
	hub *Hub
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes mounts the push endpoint on an authenticated group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ws", h.Connect)
}

// Connect handles GET /ws. The auth middleware has already resolved the
// agent; the hub only ever pushes that agent's own events down this socket.
func (h *Handler) Connect(c *gin.Context) {
	agentID := auth.GetAuthenticatedAgent(c)
	if agentID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authentication required",
		})
		return
	}
	h.hub.HandleWebSocket(agentID, c.Writer, c.Request)
}
