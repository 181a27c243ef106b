package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"chat-sync/internal/observability"
)

// Handler upgrades GET /:session_id?token= into a device session connection.
type Handler struct {
	registry *Registry
	authn    *Authenticator
	sessions SessionStore
	opts     ConnOptions
	upgrader websocket.Upgrader
}

// NewHandler constructs a Handler. An empty allowedOrigins list, or one
// containing "*", accepts any origin.
func NewHandler(registry *Registry, authn *Authenticator, sessions SessionStore, opts ConnOptions, allowedOrigins []string) *Handler {
	return &Handler{
		registry: registry,
		authn:    authn,
		sessions: sessions,
		opts:     opts,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin(allowedOrigins)},
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	allowedMap := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		allowedMap[origin] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowedMap) == 0 {
			return true
		}
		return allowedMap[origin]
	}
}

// Handle authenticates before upgrading; a rejected token never gets a socket.
func (h *Handler) Handle(c *gin.Context) {
	sessionID := c.Param("session_id")

	ctx, span := otel.Tracer("chat-sync/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	token := c.Query("token")
	if token == "" {
		if header := c.GetHeader("Authorization"); len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			token = header[7:]
		}
	}

	session, err := h.authn.Authenticate(ctx, sessionID, token)
	if err != nil {
		if IsAuthError(err) {
			zap.L().Info("ws auth rejected", zap.String("session_id", sessionID), zap.Error(err))
			observability.IncWSEvent("ws_unauthorized")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		zap.L().Error("ws auth failed", zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify session"})
		return
	}

	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		zap.L().Info("ws upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	info := observability.SessionIdentity{
		ConnID:      uuid.NewString(),
		SessionID:   session.ID,
		UserID:      session.UserID,
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	conn := NewConn(wsConn, info, h.opts)
	h.registry.Register(conn)

	if err := h.sessions.TouchSession(ctx, session.ID); err != nil {
		zap.L().Warn("touch session failed", zap.String("session_id", session.ID), zap.Error(err))
	}
	observability.IncWSActive()
	observability.IncWSEvent("ws_connect")
	h.publish(ctx, "ws_connect", info, "")
	zap.L().Info("ws connected", zap.String("session_id", info.SessionID), zap.Int("user_id", info.UserID), zap.String("conn_id", info.ConnID))

	go func() {
		reason := conn.Run()
		h.registry.Release(conn)
		observability.DecWSActive()
		observability.IncWSEvent("ws_disconnect")
		h.publish(context.Background(), "ws_disconnect", info, reason)
		zap.L().Info("ws disconnected", zap.String("session_id", info.SessionID), zap.String("conn_id", info.ConnID), zap.String("reason", reason))
	}()
}

func (h *Handler) publish(ctx context.Context, name string, info observability.SessionIdentity, reason string) {
	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	if err := observability.PublishEvent(ctx, observability.WSRoutingKey, observability.WSEvent(name, info, reason), headers); err != nil {
		zap.L().Debug("ws event publish failed", zap.String("event", name), zap.Error(err))
	}
}

// Router builds the engine served on the notification listener.
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/:session_id", h.Handle)
	return router
}
