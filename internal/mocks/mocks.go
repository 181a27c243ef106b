package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

type ChatRepositoryMock struct {
	mock.Mock
}

func (m *ChatRepositoryMock) CreateChat(ctx context.Context, creatorID int, title string, memberIDs []int) (models.Chat, error) {
	args := m.Called(ctx, creatorID, title, memberIDs)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) GetChat(ctx context.Context, chatID int) (models.Chat, error) {
	args := m.Called(ctx, chatID)
	var chat models.Chat
	if val := args.Get(0); val != nil {
		chat = val.(models.Chat)
	}
	return chat, args.Error(1)
}

func (m *ChatRepositoryMock) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	args := m.Called(ctx, chatID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *ChatRepositoryMock) ListParticipants(ctx context.Context, chatID int) ([]int, error) {
	args := m.Called(ctx, chatID)
	var ids []int
	if val := args.Get(0); val != nil {
		ids = val.([]int)
	}
	return ids, args.Error(1)
}

func (m *ChatRepositoryMock) ListChats(ctx context.Context, userID int) ([]models.ChatSummary, error) {
	args := m.Called(ctx, userID)
	var list []models.ChatSummary
	if val := args.Get(0); val != nil {
		list = val.([]models.ChatSummary)
	}
	return list, args.Error(1)
}

func (m *ChatRepositoryMock) DeleteChat(ctx context.Context, chatID int) error {
	args := m.Called(ctx, chatID)
	return args.Error(0)
}

func (m *ChatRepositoryMock) GetRelation(ctx context.Context, chatID int, userID int) (models.ChatRelation, error) {
	args := m.Called(ctx, chatID, userID)
	var rel models.ChatRelation
	if val := args.Get(0); val != nil {
		rel = val.(models.ChatRelation)
	}
	return rel, args.Error(1)
}

func (m *ChatRepositoryMock) SaveRelation(ctx context.Context, rel models.ChatRelation) error {
	args := m.Called(ctx, rel)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateChatMessage(ctx context.Context, msg models.Message) (models.MessageInfo, bool, error) {
	args := m.Called(ctx, msg)
	var info models.MessageInfo
	if val := args.Get(0); val != nil {
		info = val.(models.MessageInfo)
	}
	return info, args.Bool(1), args.Error(2)
}

func (m *MessageRepositoryMock) ListMessages(ctx context.Context, chatID int, count int, beforeID int) ([]models.MessageInfo, error) {
	args := m.Called(ctx, chatID, count, beforeID)
	var msgs []models.MessageInfo
	if val := args.Get(0); val != nil {
		msgs = val.([]models.MessageInfo)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int) (models.MessageInfo, error) {
	args := m.Called(ctx, messageID)
	return messageInfo(args)
}

func (m *MessageRepositoryMock) UpdateText(ctx context.Context, messageID int, authorID int, text string) (models.MessageInfo, error) {
	args := m.Called(ctx, messageID, authorID, text)
	return messageInfo(args)
}

func (m *MessageRepositoryMock) SoftDelete(ctx context.Context, messageID int, authorID int) (models.MessageInfo, error) {
	args := m.Called(ctx, messageID, authorID)
	return messageInfo(args)
}

func (m *MessageRepositoryMock) MarkRead(ctx context.Context, messageID int, userID int) (models.MessageInfo, error) {
	args := m.Called(ctx, messageID, userID)
	return messageInfo(args)
}

func messageInfo(args mock.Arguments) (models.MessageInfo, error) {
	var msg models.MessageInfo
	if val := args.Get(0); val != nil {
		msg = val.(models.MessageInfo)
	}
	return msg, args.Error(1)
}

type SessionRepositoryMock struct {
	mock.Mock
}

func (m *SessionRepositoryMock) CreateSession(ctx context.Context, session models.DeviceSession) (models.DeviceSession, error) {
	args := m.Called(ctx, session)
	var stored models.DeviceSession
	if val := args.Get(0); val != nil {
		stored = val.(models.DeviceSession)
	}
	return stored, args.Error(1)
}

func (m *SessionRepositoryMock) GetSession(ctx context.Context, sessionID string) (models.DeviceSession, error) {
	args := m.Called(ctx, sessionID)
	var session models.DeviceSession
	if val := args.Get(0); val != nil {
		session = val.(models.DeviceSession)
	}
	return session, args.Error(1)
}

func (m *SessionRepositoryMock) TouchSession(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *SessionRepositoryMock) DeleteSession(ctx context.Context, sessionID string, userID int) error {
	args := m.Called(ctx, sessionID, userID)
	return args.Error(0)
}

var _ repositories.ChatRepository = (*ChatRepositoryMock)(nil)
var _ repositories.MessageRepository = (*MessageRepositoryMock)(nil)
var _ repositories.SessionRepository = (*SessionRepositoryMock)(nil)
