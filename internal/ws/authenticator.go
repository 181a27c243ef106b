package ws

import (
	"context"
	"errors"
	"fmt"

	"chat-sync/internal/auth"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

// SessionStore loads device sessions.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (models.DeviceSession, error)
	TouchSession(ctx context.Context, sessionID string) error
}

// Authenticator checks that a token belongs to the user owning a device
// session.
type Authenticator struct {
	tokens   *auth.TokenService
	sessions SessionStore
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(tokens *auth.TokenService, sessions SessionStore) *Authenticator {
	return &Authenticator{tokens: tokens, sessions: sessions}
}

// Authenticate resolves token to its user and returns the session row when
// that user owns sessionID. Every failure wraps auth.ErrInvalidToken or
// auth.ErrSessionMismatch except store errors.
func (a *Authenticator) Authenticate(ctx context.Context, sessionID, token string) (models.DeviceSession, error) {
	if sessionID == "" || token == "" {
		return models.DeviceSession{}, auth.ErrInvalidToken
	}
	claims, err := a.tokens.Parse(token)
	if err != nil {
		return models.DeviceSession{}, err
	}
	if claims.SessionID != "" && claims.SessionID != sessionID {
		return models.DeviceSession{}, auth.ErrSessionMismatch
	}

	session, err := a.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, repositories.ErrSessionNotFound) {
		return models.DeviceSession{}, fmt.Errorf("%w: unknown session", auth.ErrSessionMismatch)
	}
	if err != nil {
		return models.DeviceSession{}, fmt.Errorf("load session: %w", err)
	}
	if session.UserID != claims.UserID {
		return models.DeviceSession{}, auth.ErrSessionMismatch
	}
	return session, nil
}

// IsAuthError reports whether err should be answered with 401.
func IsAuthError(err error) bool {
	return errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrSessionMismatch)
}
