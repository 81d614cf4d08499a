package auth

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Gin context keys set by Middleware on successful validation.
const (
	ContextKeyAPIKey  = "apiKey"
	ContextKeyAgentID = "authAgentID"
)

// Dripper accrues periodic credits for active agents.
// Called on every authenticated request; must be safe to call often.
type Dripper interface {
	DailyDrip(ctx context.Context, agentID string) error
}

func abort(c *gin.Context, status int, code, message string) {
	body := gin.H{"error": code}
	if message != "" {
		body["message"] = message
	}
	c.AbortWithStatusJSON(status, body)
}

// Middleware validates the API key from the Authorization or X-API-Key
// header when present. Invalid or missing keys fall through unauthenticated
// so public endpoints keep working; RequireAuth enforces rejection.
// A non-nil dripper gets poked on each authenticated request.
func Middleware(m *Manager, dripper Dripper) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw == "" {
			raw = c.GetHeader("X-API-Key")
		}

		if raw != "" {
			if key, err := m.ValidateKey(c.Request.Context(), raw); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyAgentID, key.AgentID)

				if dripper != nil {
					// Idempotent per 24h window; errors are non-fatal
					go dripper.DailyDrip(context.Background(), key.AgentID)
				}
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that Middleware left unauthenticated.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			abort(c, http.StatusUnauthorized, "unauthorized",
				"API key required. Include 'Authorization: Bearer sk_...' header.")
			return
		}
		c.Next()
	}
}

// RequireOwnership requires auth and that the authenticated agent matches
// the URL parameter named paramName.
func RequireOwnership(m *Manager, paramName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key, ok := GetAPIKey(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "unauthorized", "API key required.")
			return
		}
		if key.AgentID != c.Param(paramName) {
			abort(c, http.StatusForbidden, "forbidden", "You do not own this agent.")
			return
		}
		c.Next()
	}
}

// RequireAdmin guards operator endpoints with a shared secret.
// The endpoints vanish (404) when no secret is configured.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			abort(c, http.StatusNotFound, "not_found", "")
			return
		}
		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			abort(c, http.StatusForbidden, "forbidden", "Admin secret required.")
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the validated key for this request, if any.
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*APIKey)
	return key, ok
}

// GetAuthenticatedAgent returns the caller's agent ID, or "" when
// the request is unauthenticated.
func GetAuthenticatedAgent(c *gin.Context) string {
	if id, exists := c.Get(ContextKeyAgentID); exists {
		return id.(string)
	}
	return ""
}

func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyAPIKey)
	return exists
}
