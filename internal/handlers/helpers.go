package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

func userIDFromContext(c *gin.Context) *int {
	if userID := c.GetInt("userID"); userID != 0 {
		return &userID
	}
	return nil
}

// excludeSession returns the caller's device session when it asked not to
// receive its own echo (?echo=false). Other devices of the user still get it.
func excludeSession(c *gin.Context) string {
	if c.Query("echo") != "false" {
		return ""
	}
	return c.GetString("sessionID")
}
