package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/models"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	// ErrLocalIDConflict is returned when a localId is reused for a
	// different chat or author.
	ErrLocalIDConflict = errors.New("local id already used")
)

const messageColumns = `id, local_id, chat_id, author_id, text, attachments, is_visible, created_at, edited_at, deleted_at`

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateChatMessage(ctx context.Context, msg models.Message) (models.MessageInfo, bool, error)
	ListMessages(ctx context.Context, chatID int, count int, beforeID int) ([]models.MessageInfo, error)
	GetMessage(ctx context.Context, messageID int) (models.MessageInfo, error)
	UpdateText(ctx context.Context, messageID int, authorID int, text string) (models.MessageInfo, error)
	SoftDelete(ctx context.Context, messageID int, authorID int) (models.MessageInfo, error)
	MarkRead(ctx context.Context, messageID int, userID int) (models.MessageInfo, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateChatMessage stores a message unless its localId already exists, in
// which case the stored record is returned and created is false.
func (r *MessageRepo) CreateChatMessage(ctx context.Context, msg models.Message) (models.MessageInfo, bool, error) {
	var stored models.Message
	err := r.db.GetContext(ctx, &stored, `INSERT INTO messages (local_id, chat_id, author_id, text, attachments, is_visible)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (local_id) DO NOTHING
        RETURNING `+messageColumns,
		msg.LocalID, msg.ChatID, msg.AuthorID, msg.Text, msg.Attachments, msg.IsVisible)
	if err == nil {
		return stored.Info(nil), true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.MessageInfo{}, false, fmt.Errorf("insert message: %w", err)
	}

	if err := r.db.GetContext(ctx, &stored, `SELECT `+messageColumns+` FROM messages WHERE local_id=$1`, msg.LocalID); err != nil {
		return models.MessageInfo{}, false, fmt.Errorf("load existing message: %w", err)
	}
	if stored.ChatID != msg.ChatID || stored.AuthorID != msg.AuthorID {
		return models.MessageInfo{}, false, ErrLocalIDConflict
	}
	info, err := r.withMarks(ctx, stored)
	return info, false, err
}

// ListMessages returns up to count messages older than beforeID, newest first.
// A zero beforeID starts from the latest message.
func (r *MessageRepo) ListMessages(ctx context.Context, chatID int, count int, beforeID int) ([]models.MessageInfo, error) {
	var rows []models.Message
	var err error
	if beforeID > 0 {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1 AND id < $2
            ORDER BY id DESC LIMIT $3`, chatID, beforeID, count)
	} else {
		err = r.db.SelectContext(ctx, &rows, `SELECT `+messageColumns+` FROM messages
            WHERE chat_id=$1
            ORDER BY id DESC LIMIT $2`, chatID, count)
	}
	if err != nil {
		return nil, fmt.Errorf("select messages: %w", err)
	}

	ids := make([]int64, 0, len(rows))
	for _, m := range rows {
		ids = append(ids, int64(m.ID))
	}
	marks, err := loadReadMarks(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.MessageInfo, 0, len(rows))
	for _, m := range rows {
		out = append(out, m.Info(marks[m.ID]))
	}
	return out, nil
}

// GetMessage retrieves a single message with its read marks.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int) (models.MessageInfo, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageInfo{}, ErrMessageNotFound
	}
	if err != nil {
		return models.MessageInfo{}, err
	}
	return r.withMarks(ctx, msg)
}

// UpdateText edits a message written by authorID.
func (r *MessageRepo) UpdateText(ctx context.Context, messageID int, authorID int, text string) (models.MessageInfo, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET text=$1, edited_at=NOW()
        WHERE id=$2 AND author_id=$3 AND deleted_at IS NULL
        RETURNING `+messageColumns, text, messageID, authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageInfo{}, ErrMessageNotFound
	}
	if err != nil {
		return models.MessageInfo{}, err
	}
	return r.withMarks(ctx, msg)
}

// SoftDelete marks a message deleted and clears its content.
func (r *MessageRepo) SoftDelete(ctx context.Context, messageID int, authorID int) (models.MessageInfo, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `UPDATE messages SET text=NULL, attachments='[]', deleted_at=NOW()
        WHERE id=$1 AND author_id=$2 AND deleted_at IS NULL
        RETURNING `+messageColumns, messageID, authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MessageInfo{}, ErrMessageNotFound
	}
	if err != nil {
		return models.MessageInfo{}, err
	}
	return r.withMarks(ctx, msg)
}

// MarkRead records a read mark. Marking twice keeps the first timestamp.
func (r *MessageRepo) MarkRead(ctx context.Context, messageID int, userID int) (models.MessageInfo, error) {
	if _, err := r.db.ExecContext(ctx, `INSERT INTO read_marks (message_id, user_id) VALUES ($1, $2)
        ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, userID); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return models.MessageInfo{}, ErrMessageNotFound
		}
		return models.MessageInfo{}, err
	}
	return r.GetMessage(ctx, messageID)
}

func (r *MessageRepo) withMarks(ctx context.Context, msg models.Message) (models.MessageInfo, error) {
	marks, err := loadReadMarks(ctx, r.db, []int64{int64(msg.ID)})
	if err != nil {
		return models.MessageInfo{}, err
	}
	return msg.Info(marks[msg.ID]), nil
}

func loadReadMarks(ctx context.Context, db *sqlx.DB, messageIDs []int64) (map[int][]models.ReadMark, error) {
	out := map[int][]models.ReadMark{}
	if len(messageIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		MessageID int `db:"message_id"`
		models.ReadMark
	}
	if err := db.SelectContext(ctx, &rows, `SELECT message_id, user_id, read_at FROM read_marks
        WHERE message_id = ANY($1) ORDER BY read_at`, pq.Array(messageIDs)); err != nil {
		return nil, fmt.Errorf("select read marks: %w", err)
	}
	for _, row := range rows {
		out[row.MessageID] = append(out[row.MessageID], row.ReadMark)
	}
	return out, nil
}
