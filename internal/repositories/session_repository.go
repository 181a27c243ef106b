package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"chat-sync/internal/models"
)

var ErrSessionNotFound = errors.New("device session not found")

// SessionRepository persists device sessions.
type SessionRepository interface {
	CreateSession(ctx context.Context, session models.DeviceSession) (models.DeviceSession, error)
	GetSession(ctx context.Context, sessionID string) (models.DeviceSession, error)
	TouchSession(ctx context.Context, sessionID string) error
	DeleteSession(ctx context.Context, sessionID string, userID int) error
}

// SessionRepo is a sqlx implementation of SessionRepository.
type SessionRepo struct {
	db *sqlx.DB
}

// NewSessionRepo constructs a SessionRepo.
func NewSessionRepo(db *sqlx.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, user_id, access_token, device_name, platform, push_token, created_at, last_seen_at`

// CreateSession inserts a new device session.
func (r *SessionRepo) CreateSession(ctx context.Context, session models.DeviceSession) (models.DeviceSession, error) {
	var stored models.DeviceSession
	err := r.db.GetContext(ctx, &stored, `INSERT INTO device_sessions (id, user_id, access_token, device_name, platform, push_token)
        VALUES ($1, $2, $3, $4, $5, $6) RETURNING `+sessionColumns,
		session.ID, session.UserID, session.AccessToken, session.DeviceName, session.Platform, session.PushToken)
	return stored, err
}

// GetSession fetches a device session by id.
func (r *SessionRepo) GetSession(ctx context.Context, sessionID string) (models.DeviceSession, error) {
	var session models.DeviceSession
	err := r.db.GetContext(ctx, &session, `SELECT `+sessionColumns+` FROM device_sessions WHERE id=$1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeviceSession{}, ErrSessionNotFound
	}
	return session, err
}

// TouchSession bumps last_seen_at.
func (r *SessionRepo) TouchSession(ctx context.Context, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE device_sessions SET last_seen_at=NOW() WHERE id=$1`, sessionID)
	return err
}

// DeleteSession removes a session owned by userID.
func (r *SessionRepo) DeleteSession(ctx context.Context, sessionID string, userID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM device_sessions WHERE id=$1 AND user_id=$2`, sessionID, userID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrSessionNotFound
	}
	return nil
}
