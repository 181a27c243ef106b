package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-sync/internal/models"
)

var ErrChatNotFound = errors.New("chat not found")

// ChatRepository abstracts chat persistence.
type ChatRepository interface {
	CreateChat(ctx context.Context, creatorID int, title string, memberIDs []int) (models.Chat, error)
	GetChat(ctx context.Context, chatID int) (models.Chat, error)
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
	ListParticipants(ctx context.Context, chatID int) ([]int, error)
	ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error)
	DeleteChat(ctx context.Context, chatID int) error
	GetRelation(ctx context.Context, chatID int, userID int) (models.ChatRelation, error)
	SaveRelation(ctx context.Context, rel models.ChatRelation) error
}

// ChatRepo is a sqlx implementation of ChatRepository.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// CreateChat inserts a chat and its members. The creator is always a member.
func (r *ChatRepo) CreateChat(ctx context.Context, creatorID int, title string, memberIDs []int) (models.Chat, error) {
	members := uniqueIDs(append([]int{creatorID}, memberIDs...))

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Chat{}, err
	}
	defer tx.Rollback()

	var chat models.Chat
	if err := tx.GetContext(ctx, &chat, `INSERT INTO chats (title, created_by) VALUES ($1, $2) RETURNING id, title, created_by, created_at`, title, creatorID); err != nil {
		return models.Chat{}, fmt.Errorf("insert chat: %w", err)
	}
	for _, userID := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, userID); err != nil {
			return models.Chat{}, fmt.Errorf("insert member %d: %w", userID, err)
		}
	}
	return chat, tx.Commit()
}

// GetChat fetches a chat by id.
func (r *ChatRepo) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	var chat models.Chat
	err := r.db.GetContext(ctx, &chat, `SELECT id, title, created_by, created_at FROM chats WHERE id=$1`, chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrChatNotFound
	}
	return chat, err
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chat_members WHERE chat_id=$1 AND user_id=$2)`, chatID, userID)
	return exists, err
}

// ListParticipants returns the current member ids. It always hits the
// database because membership can change between mutations.
func (r *ChatRepo) ListParticipants(ctx context.Context, chatID int) ([]int, error) {
	var ids []int
	err := r.db.SelectContext(ctx, &ids, `SELECT user_id FROM chat_members WHERE chat_id=$1 ORDER BY user_id`, chatID)
	return ids, err
}

// ListChats returns the user's chats with members, last message and relation.
func (r *ChatRepo) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	var chats []models.Chat
	err := r.db.SelectContext(ctx, &chats, `SELECT c.id, c.title, c.created_by, c.created_at FROM chats c
        JOIN chat_members m ON m.chat_id = c.id AND m.user_id = $1
        ORDER BY c.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select chats: %w", err)
	}
	if len(chats) == 0 {
		return []models.ChatSummary{}, nil
	}

	ids := make([]int64, 0, len(chats))
	for _, c := range chats {
		ids = append(ids, int64(c.ID))
	}

	members := map[int][]int{}
	var memberRows []struct {
		ChatID int `db:"chat_id"`
		UserID int `db:"user_id"`
	}
	if err := r.db.SelectContext(ctx, &memberRows, `SELECT chat_id, user_id FROM chat_members WHERE chat_id = ANY($1) ORDER BY user_id`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("select members: %w", err)
	}
	for _, row := range memberRows {
		members[row.ChatID] = append(members[row.ChatID], row.UserID)
	}

	var last []models.Message
	if err := r.db.SelectContext(ctx, &last, `SELECT DISTINCT ON (chat_id) `+messageColumns+` FROM messages
        WHERE chat_id = ANY($1) AND deleted_at IS NULL AND is_visible
        ORDER BY chat_id, id DESC`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("select last messages: %w", err)
	}
	msgIDs := make([]int64, 0, len(last))
	for _, m := range last {
		msgIDs = append(msgIDs, int64(m.ID))
	}
	marks, err := loadReadMarks(ctx, r.db, msgIDs)
	if err != nil {
		return nil, err
	}
	lastByChat := map[int]models.MessageInfo{}
	for _, m := range last {
		lastByChat[m.ChatID] = m.Info(marks[m.ID])
	}

	var relations []models.ChatRelation
	if err := r.db.SelectContext(ctx, &relations, `SELECT `+relationColumns+` FROM chat_relations WHERE user_id=$1 AND chat_id = ANY($2)`, userID, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("select relations: %w", err)
	}
	relByChat := map[int]models.ChatRelation{}
	for _, rel := range relations {
		relByChat[rel.ChatID] = rel
	}

	result := make([]models.ChatSummary, 0, len(chats))
	for _, c := range chats {
		summary := models.ChatSummary{
			ID:        c.ID,
			Title:     c.Title,
			MemberIDs: members[c.ID],
			CreatedAt: c.CreatedAt,
			Relation:  models.ChatRelation{ChatID: c.ID, UserID: userID},
		}
		if rel, ok := relByChat[c.ID]; ok {
			summary.Relation = rel
		}
		if msg, ok := lastByChat[c.ID]; ok {
			msg := msg
			summary.LastMessage = &msg
		}
		result = append(result, summary)
	}
	return result, nil
}

// DeleteChat removes the chat together with members, messages and relations.
func (r *ChatRepo) DeleteChat(ctx context.Context, chatID int) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id=$1`, chatID)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrChatNotFound
	}
	return nil
}

const relationColumns = `chat_id, user_id, is_muted, is_archived, is_chat_blocked, is_user_blocked, is_removed_on_device`

// GetRelation returns the stored relation or the zero relation.
func (r *ChatRepo) GetRelation(ctx context.Context, chatID int, userID int) (models.ChatRelation, error) {
	var rel models.ChatRelation
	err := r.db.GetContext(ctx, &rel, `SELECT `+relationColumns+` FROM chat_relations WHERE chat_id=$1 AND user_id=$2`, chatID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRelation{ChatID: chatID, UserID: userID}, nil
	}
	return rel, err
}

// SaveRelation upserts the relation flags.
func (r *ChatRepo) SaveRelation(ctx context.Context, rel models.ChatRelation) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO chat_relations (`+relationColumns+`)
        VALUES (:chat_id, :user_id, :is_muted, :is_archived, :is_chat_blocked, :is_user_blocked, :is_removed_on_device)
        ON CONFLICT (chat_id, user_id) DO UPDATE SET
            is_muted = EXCLUDED.is_muted,
            is_archived = EXCLUDED.is_archived,
            is_chat_blocked = EXCLUDED.is_chat_blocked,
            is_user_blocked = EXCLUDED.is_user_blocked,
            is_removed_on_device = EXCLUDED.is_removed_on_device`, rel)
	return err
}

func uniqueIDs(ids []int) []int {
	seen := map[int]struct{}{}
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if id <= 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}
