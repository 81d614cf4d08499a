package notify

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/taskbay/taskbay/internal/auth"
)

// Handler exposes the activity feed.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the authenticated feed endpoint.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.OwnFeed)
}

// RegisterPublicRoutes mounts the per-agent feed.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/agents/:id/activity", h.AgentFeed)
}

// OwnFeed handles GET /activity: the caller's own transactions, newest first.
func (h *Handler) OwnFeed(c *gin.Context) {
	agentID := auth.GetAuthenticatedAgent(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.service.Feed(c.Request.Context(), agentID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load activity",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}

// AgentFeed handles GET /agents/:id/activity.
func (h *Handler) AgentFeed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.service.Feed(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load activity",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": entries, "count": len(entries)})
}
