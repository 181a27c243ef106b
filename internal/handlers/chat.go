package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/envelope"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Fanout commits chat mutations and pushes their envelopes in commit order.
type Fanout interface {
	Commit(ctx context.Context, chatID int, excludeSessionID string, mutate func(ctx context.Context) (envelope.Event, error)) error
	CommitUsers(ctx context.Context, chatID int, excludeSessionID string, mutate func(ctx context.Context) (envelope.Event, []int, error)) error
}

// ChatHandler manages chat and message endpoints.
type ChatHandler struct {
	chatRepo    repositories.ChatRepository
	messageRepo repositories.MessageRepository
	fanout      Fanout
	audit       *telemetry.AuditEmitter
}

// NewChatHandler builds a ChatHandler. audit may be nil.
func NewChatHandler(chatRepo repositories.ChatRepository, messageRepo repositories.MessageRepository, fanout Fanout, audit *telemetry.AuditEmitter) *ChatHandler {
	return &ChatHandler{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		fanout:      fanout,
		audit:       audit,
	}
}

// ListChats returns the chats of the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetInt("userID")

	chats, err := h.chatRepo.ListChats(c.Request.Context(), userID)
	if err != nil {
		zap.L().Error("list chats failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load chats"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"chats": chats})
}

// CreateChat creates a chat between the caller and memberIds.
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req struct {
		Title     string `json:"title"`
		MemberIDs []int  `json:"memberIds" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	chat, err := h.chatRepo.CreateChat(c.Request.Context(), userID, req.Title, req.MemberIDs)
	if err != nil {
		zap.L().Error("create chat failed", zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create chat"})
		return
	}

	h.audit.Emit(c.Request.Context(), "chat.create", "chat:"+strconv.Itoa(chat.ID), requestIDFromContext(c), userIDFromContext(c), "")
	c.JSON(http.StatusCreated, chat)
}

// DeleteChat removes the chat for everyone and announces chatDeleted to the
// former participants. Only the creator may delete.
func (h *ChatHandler) DeleteChat(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")
	ctx := c.Request.Context()

	chat, err := h.chatRepo.GetChat(ctx, chatID)
	if err != nil {
		writeRepoError(c, err, "chat not found")
		return
	}
	if chat.CreatedBy != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "only the creator can delete the chat"})
		return
	}

	err = h.fanout.CommitUsers(ctx, chatID, "", func(ctx context.Context) (envelope.Event, []int, error) {
		participants, err := h.chatRepo.ListParticipants(ctx, chatID)
		if err != nil {
			return nil, nil, err
		}
		if err := h.chatRepo.DeleteChat(ctx, chatID); err != nil {
			return nil, nil, err
		}
		return envelope.NewChatDeleted(chatID), participants, nil
	})
	if err != nil {
		writeRepoError(c, err, "could not delete chat")
		return
	}

	h.audit.Emit(ctx, "chat.delete", "chat:"+strconv.Itoa(chatID), requestIDFromContext(c), userIDFromContext(c), "")
	c.Status(http.StatusNoContent)
}

// UpdateRelation changes the caller's flags for a chat. It never fans out.
func (h *ChatHandler) UpdateRelation(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")
	ctx := c.Request.Context()
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	var req models.RelationUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rel, err := h.chatRepo.GetRelation(ctx, chatID, userID)
	if err != nil {
		writeRepoError(c, err, "failed to load relation")
		return
	}
	rel = req.Apply(rel)
	if err := h.chatRepo.SaveRelation(ctx, rel); err != nil {
		writeRepoError(c, err, "failed to save relation")
		return
	}
	c.JSON(http.StatusOK, rel)
}

// GetChatMessages returns a newest-first page of history. before is the
// oldest id the caller already has.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}
	count, err := queryInt(c, "count", defaultPageSize)
	if err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
		return
	}
	if count > maxPageSize {
		count = maxPageSize
	}
	before, err := queryInt(c, "before", 0)
	if err != nil || before < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid before"})
		return
	}

	userID := c.GetInt("userID")
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	msgs, err := h.messageRepo.ListMessages(c.Request.Context(), chatID, count, before)
	if err != nil {
		zap.L().Error("list messages failed", zap.Int("chat_id", chatID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load messages"})
		return
	}
	if msgs == nil {
		msgs = []models.MessageInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostChatMessage stores a message and fans it out. A repeated localId
// returns the stored record with 200 and sends nothing.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	chatID, ok := parseChatID(c)
	if !ok {
		return
	}

	var req models.NewMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if (req.Text == nil || *req.Text == "") && len(req.Attachments) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text or attachments required"})
		return
	}

	userID := c.GetInt("userID")
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	var (
		info    models.MessageInfo
		created bool
	)
	err := h.fanout.Commit(c.Request.Context(), chatID, excludeSession(c), func(ctx context.Context) (envelope.Event, error) {
		var err error
		info, created, err = h.messageRepo.CreateChatMessage(ctx, models.Message{
			LocalID:     req.LocalID,
			ChatID:      chatID,
			AuthorID:    userID,
			Text:        req.Text,
			Attachments: models.JSONList(req.Attachments),
			IsVisible:   req.Visible(),
		})
		if err != nil || !created {
			return nil, err
		}
		return envelope.NewMessage(info), nil
	})
	if errors.Is(err, repositories.ErrLocalIDConflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "localId already used"})
		return
	}
	if err != nil {
		zap.L().Error("store message failed", zap.Int("chat_id", chatID), zap.String("local_id", req.LocalID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store message"})
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, info)
}

// EditMessage replaces the text of the caller's message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	chatID, messageID, ok := parseIDs(c)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetInt("userID")
	h.mutateMessage(c, chatID, messageID, func(ctx context.Context) (models.MessageInfo, envelope.Event, error) {
		msg, err := h.messageRepo.UpdateText(ctx, messageID, userID, req.Text)
		if err != nil {
			return msg, nil, err
		}
		return msg, envelope.NewMessageUpdate(msg), nil
	})
}

// DeleteMessage soft deletes the caller's message for everyone.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	chatID, messageID, ok := parseIDs(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")
	h.mutateMessage(c, chatID, messageID, func(ctx context.Context) (models.MessageInfo, envelope.Event, error) {
		msg, err := h.messageRepo.SoftDelete(ctx, messageID, userID)
		if err != nil {
			return msg, nil, err
		}
		return msg, envelope.NewMessageUpdate(msg), nil
	})
}

// MarkRead adds the caller's read mark. Marking an already read message
// succeeds without a new event.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	chatID, messageID, ok := parseIDs(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")
	h.mutateMessage(c, chatID, messageID, func(ctx context.Context) (models.MessageInfo, envelope.Event, error) {
		before, err := h.messageRepo.GetMessage(ctx, messageID)
		if err != nil {
			return before, nil, err
		}
		if before.HasReadMark(userID) {
			return before, nil, nil
		}
		msg, err := h.messageRepo.MarkRead(ctx, messageID, userID)
		if err != nil {
			return msg, nil, err
		}
		return msg, envelope.NewMessageRead(msg), nil
	})
}

// mutateMessage checks membership and message ownership by chat, then runs
// mutate under the chat's fan-out lock.
func (h *ChatHandler) mutateMessage(c *gin.Context, chatID, messageID int, mutate func(ctx context.Context) (models.MessageInfo, envelope.Event, error)) {
	userID := c.GetInt("userID")
	ctx := c.Request.Context()
	if !h.requireParticipant(c, chatID, userID) {
		return
	}

	current, err := h.messageRepo.GetMessage(ctx, messageID)
	if err != nil {
		writeRepoError(c, err, "message not found")
		return
	}
	if current.ChatID != chatID {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}

	var result models.MessageInfo
	err = h.fanout.Commit(ctx, chatID, excludeSession(c), func(ctx context.Context) (envelope.Event, error) {
		msg, ev, err := mutate(ctx)
		result = msg
		return ev, err
	})
	if err != nil {
		writeRepoError(c, err, "could not update message")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *ChatHandler) requireParticipant(c *gin.Context, chatID, userID int) bool {
	member, err := h.chatRepo.IsParticipant(c.Request.Context(), chatID, userID)
	if err != nil {
		zap.L().Error("membership check failed", zap.Int("chat_id", chatID), zap.Int("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to verify membership"})
		return false
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return false
	}
	return true
}

func writeRepoError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, repositories.ErrChatNotFound), errors.Is(err, repositories.ErrMessageNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		zap.L().Error(message, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}

func parseChatID(c *gin.Context) (int, bool) {
	chatID, err := strconv.Atoi(c.Param("chat_id"))
	if err != nil || chatID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat id"})
		return 0, false
	}
	return chatID, true
}

func parseIDs(c *gin.Context) (int, int, bool) {
	chatID, ok := parseChatID(c)
	if !ok {
		return 0, 0, false
	}
	msgID, err := strconv.Atoi(c.Param("message_id"))
	if err != nil || msgID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return 0, 0, false
	}
	return chatID, msgID, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}
