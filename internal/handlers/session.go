package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chat-sync/internal/auth"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

// ConnectionDropper closes the live connection of a session, if any.
type ConnectionDropper interface {
	Drop(sessionID string) bool
}

// SessionHandler manages device sessions.
type SessionHandler struct {
	sessions repositories.SessionRepository
	tokens   *auth.TokenService
	conns    ConnectionDropper
	audit    *telemetry.AuditEmitter
}

// NewSessionHandler builds a SessionHandler. audit may be nil.
func NewSessionHandler(sessions repositories.SessionRepository, tokens *auth.TokenService, conns ConnectionDropper, audit *telemetry.AuditEmitter) *SessionHandler {
	return &SessionHandler{sessions: sessions, tokens: tokens, conns: conns, audit: audit}
}

// CreateSession registers a device install for the caller and returns a
// session scoped access token for the notification socket.
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req struct {
		DeviceName string  `json:"deviceName"`
		Platform   string  `json:"platform"`
		PushToken  *string `json:"pushToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	sessionID := uuid.NewString()
	token, err := h.tokens.Issue(userID, sessionID)
	if err != nil {
		zap.L().Error("issue session token failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}

	session, err := h.sessions.CreateSession(c.Request.Context(), models.DeviceSession{
		ID:          sessionID,
		UserID:      userID,
		AccessToken: token,
		DeviceName:  req.DeviceName,
		Platform:    req.Platform,
		PushToken:   req.PushToken,
	})
	if err != nil {
		zap.L().Error("create session failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create session"})
		return
	}

	h.audit.Emit(c.Request.Context(), "session.create", "session:"+sessionID, requestIDFromContext(c), userIDFromContext(c), req.Platform)
	c.JSON(http.StatusCreated, session)
}

// DeleteSession ends a device session and closes its live connection.
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID := c.GetInt("userID")

	err := h.sessions.DeleteSession(c.Request.Context(), sessionID, userID)
	if errors.Is(err, repositories.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	if err != nil {
		zap.L().Error("delete session failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not delete session"})
		return
	}

	if h.conns != nil && h.conns.Drop(sessionID) {
		zap.L().Info("ws connection dropped", zap.String("session_id", sessionID))
	}
	h.audit.Emit(c.Request.Context(), "session.delete", "session:"+sessionID, requestIDFromContext(c), userIDFromContext(c), "")
	c.Status(http.StatusNoContent)
}
