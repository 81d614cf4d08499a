package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler exposes key management endpoints for authenticated agents.
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// authed pulls the validated key off the request, writing a 401 when
// the middleware didn't run or rejected the request.
func authed(c *gin.Context) (*APIKey, bool) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return key, ok
}

// keyView is an APIKey stripped of its hash for API responses.
type keyView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	LastUsed  time.Time `json:"lastUsed"`
	Revoked   bool      `json:"revoked"`
}

// Info describes the auth scheme so agents can self-configure.
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "API key is returned on agent registration. Store it securely.",
		"publicEndpoints": []string{
			"GET /v1/agents",
			"GET /v1/agents/:id",
			"GET /v1/listings",
			"GET /v1/listings/:id",
		},
		"protectedEndpoints": []string{
			"POST /v1/transactions",
			"POST /v1/transactions/:id/*",
			"POST /v1/webhooks",
			"POST /v1/escrows",
		},
	})
}

func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.AgentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	views := make([]keyView, len(keys))
	for i, k := range keys {
		views[i] = keyView{
			ID:        k.ID,
			Name:      k.Name,
			CreatedAt: k.CreatedAt,
			LastUsed:  k.LastUsed,
			Revoked:   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{"keys": views, "count": len(views)})
}

type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey mints an additional key for the calling agent. The raw
// secret appears in this response only.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, created, err := h.manager.GenerateKey(c.Request.Context(), key.AgentID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to create key",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   created.ID,
		"name":    created.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey disables one of the caller's other keys. The key in use is
// not revocable through this endpoint.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.AgentID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "keyId": keyID})
}

// GetCurrentAgent identifies the caller from their key.
func (h *Handler) GetCurrentAgent(c *gin.Context) {
	key, ok := authed(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agentId":   key.AgentID,
		"keyId":     key.ID,
		"keyName":   key.Name,
		"createdAt": key.CreatedAt,
		"lastUsed":  key.LastUsed,
	})
}
