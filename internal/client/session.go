package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/models"
)

// DefaultPageSize is the history page requested when opening a chat.
const DefaultPageSize = 50

// Config describes one logged-in device.
type Config struct {
	BaseURL     string
	SocketURL   string
	UserID      int
	SessionID   string
	AccessToken string

	HTTPClient     *http.Client
	ChannelOptions []ChannelOption
	Reconnect      *Backoff
	Observer       Observer
	Logger         *zap.Logger
}

// Session is the application context of a logged-in device. It is created at
// login and must be closed at logout; Close stops the reconnect timer and
// aborts unfinished sends.
type Session struct {
	API     *API
	Store   *MessageStore
	Tracker *Tracker
	Channel *Channel

	log       *zap.Logger
	closeOnce sync.Once
}

// NewSession wires the store, tracker and channel for cfg.
func NewSession(cfg Config) (*Session, error) {
	if cfg.UserID == 0 {
		return nil, errors.New("session needs a user id")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.Int("user_id", cfg.UserID), zap.String("session_id", cfg.SessionID))

	api := NewAPI(cfg.BaseURL, cfg.AccessToken, cfg.HTTPClient)
	store := NewMessageStore(cfg.Observer, log)
	tracker := NewTracker(cfg.UserID, api, store, log)

	opts := append([]ChannelOption{WithLogger(log)}, cfg.ChannelOptions...)
	channel, err := NewChannel(ChannelConfig{
		URL:         cfg.SocketURL,
		SessionID:   cfg.SessionID,
		AccessToken: cfg.AccessToken,
		Backoff:     cfg.Reconnect,
	}, store.Apply, opts...)
	if err != nil {
		tracker.Close()
		return nil, fmt.Errorf("new session: %w", err)
	}

	return &Session{API: api, Store: store, Tracker: tracker, Channel: channel, log: log}, nil
}

// Start loads the chat list and opens the notification socket.
func (s *Session) Start(ctx context.Context) error {
	s.Channel.Start()
	return s.RefreshChats(ctx)
}

// RefreshChats reloads the chat list from the server.
func (s *Session) RefreshChats(ctx context.Context) error {
	chats, err := s.API.ListChats(ctx)
	if err != nil {
		return fmt.Errorf("refresh chats: %w", err)
	}
	s.Store.SetChats(chats)
	return nil
}

// OpenChat loads the latest history page of chatID and makes it the open chat.
func (s *Session) OpenChat(ctx context.Context, chatID int) error {
	page, err := s.API.ListMessages(ctx, chatID, DefaultPageSize, 0)
	if err != nil {
		return fmt.Errorf("open chat %d: %w", chatID, err)
	}
	s.Store.Open(chatID, page, s.Tracker.PendingFor(chatID)...)
	return nil
}

// LoadOlder prepends the page before the oldest rendered message. It reports
// false when there is nothing older.
func (s *Session) LoadOlder(ctx context.Context) (bool, error) {
	chatID := s.Store.ActiveChat()
	before := s.Store.OldestID()
	if chatID == 0 || before == 0 {
		return false, nil
	}
	page, err := s.API.ListMessages(ctx, chatID, DefaultPageSize, before)
	if err != nil {
		return false, fmt.Errorf("load older messages: %w", err)
	}
	if len(page) == 0 {
		return false, nil
	}
	s.Store.PrependHistory(chatID, page)
	return true, nil
}

// Send posts text to chatID optimistically.
func (s *Session) Send(chatID int, text string, attachments ...models.Attachment) (*Task, error) {
	return s.Tracker.Send(chatID, text, attachments)
}

// MarkRead marks a message read; the store updates when the messageRead
// event arrives.
func (s *Session) MarkRead(ctx context.Context, chatID, messageID int) error {
	if _, err := s.API.MarkRead(ctx, chatID, messageID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// Close ends the session's background work.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.Channel.Close()
		s.Tracker.Close()
		s.log.Info("client session closed")
	})
}
