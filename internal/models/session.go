package models

import "time"

// DeviceSession is one authenticated device install. A user may hold many.
// The WebSocket connection bound to it is transient; the session is not.
type DeviceSession struct {
	ID          string    `db:"id" json:"id"`
	UserID      int       `db:"user_id" json:"userId"`
	AccessToken string    `db:"access_token" json:"accessToken,omitempty"`
	DeviceName  string    `db:"device_name" json:"deviceName,omitempty"`
	Platform    string    `db:"platform" json:"platform,omitempty"`
	PushToken   *string   `db:"push_token" json:"pushToken,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
	LastSeenAt  time.Time `db:"last_seen_at" json:"lastSeenAt"`
}
