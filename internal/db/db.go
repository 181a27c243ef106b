package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS chats (
        id SERIAL PRIMARY KEY,
        title TEXT NOT NULL DEFAULT '',
        created_by INT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE TABLE IF NOT EXISTS chat_members (
        chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
        user_id INT NOT NULL,
        joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY(chat_id, user_id)
    );`,
	`CREATE INDEX IF NOT EXISTS chat_members_user_idx ON chat_members(user_id);`,
	`CREATE TABLE IF NOT EXISTS chat_relations (
        chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
        user_id INT NOT NULL,
        is_muted BOOLEAN NOT NULL DEFAULT FALSE,
        is_archived BOOLEAN NOT NULL DEFAULT FALSE,
        is_chat_blocked BOOLEAN NOT NULL DEFAULT FALSE,
        is_user_blocked BOOLEAN NOT NULL DEFAULT FALSE,
        is_removed_on_device BOOLEAN NOT NULL DEFAULT FALSE,
        PRIMARY KEY(chat_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS messages (
        id SERIAL PRIMARY KEY,
        local_id TEXT NOT NULL UNIQUE,
        chat_id INT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
        author_id INT NOT NULL,
        text TEXT,
        attachments JSONB NOT NULL DEFAULT '[]',
        is_visible BOOLEAN NOT NULL DEFAULT TRUE,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        edited_at TIMESTAMPTZ,
        deleted_at TIMESTAMPTZ
    );`,
	`CREATE INDEX IF NOT EXISTS messages_chat_id_idx ON messages(chat_id, id DESC);`,
	`CREATE TABLE IF NOT EXISTS read_marks (
        message_id INT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
        user_id INT NOT NULL,
        read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY(message_id, user_id)
    );`,
	`CREATE TABLE IF NOT EXISTS device_sessions (
        id TEXT PRIMARY KEY,
        user_id INT NOT NULL,
        access_token TEXT NOT NULL,
        device_name TEXT NOT NULL DEFAULT '',
        platform TEXT NOT NULL DEFAULT '',
        push_token TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );`,
	`CREATE INDEX IF NOT EXISTS device_sessions_user_idx ON device_sessions(user_id);`,
}

func runMigrations(db *sqlx.DB) error {
	for i, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	zap.L().Info("database migrations applied", zap.Int("count", len(migrations)))
	return nil
}
