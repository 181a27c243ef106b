package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

// ConnectionIndex reports live notification connections.
type ConnectionIndex interface {
	Len() int
	Lookup(sessionID string) (ws.Peer, bool)
}

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router gin.IRouter, emitter *telemetry.AuditEmitter, conns ConnectionIndex, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "debug.audit_test", "debug", requestIDFromContext(c), userIDFromContext(c), "audit test")
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/connections", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"live": conns.Len()})
	})

	router.GET("/debug/connections/:session_id", func(c *gin.Context) {
		peer, ok := conns.Lookup(c.Param("session_id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no live connection"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": peer.SessionID(), "user_id": peer.UserID()})
	})
}
