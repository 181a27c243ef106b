// Package envelope defines the notification wire contract shared by the
// server fan-out and the client realtime channel.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"chat-sync/internal/models"
)

// Name identifies the kind of notification.
type Name string

const (
	NameMessage       Name = "message"
	NameMessageUpdate Name = "messageUpdate"
	NameMessageRead   Name = "messageRead"
	NameChatDeleted   Name = "chatDeleted"
)

var (
	ErrNotUTF8      = errors.New("envelope is not valid utf-8")
	ErrUnknownEvent = errors.New("unknown envelope event")
	ErrEmptyPayload = errors.New("envelope payload is empty")
)

// Envelope is the raw {event, payload} frame.
type Envelope struct {
	Event   Name            `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the closed set of decoded notifications. Exactly one of
// MessageEvent, ReadEvent and ChatDeletedEvent implements it.
type Event interface {
	Name() Name
	ChatID() int
	isEvent()
}

// MessageEvent carries a new or updated message.
type MessageEvent struct {
	Update  bool
	Message models.MessageInfo
}

func (e MessageEvent) Name() Name {
	if e.Update {
		return NameMessageUpdate
	}
	return NameMessage
}

func (e MessageEvent) ChatID() int { return e.Message.ChatID }
func (MessageEvent) isEvent() {}

// ReadEvent carries a message whose read marks changed.
type ReadEvent struct {
	Message models.MessageInfo
}

func (ReadEvent) Name() Name { return NameMessageRead }
func (e ReadEvent) ChatID() int { return e.Message.ChatID }
func (ReadEvent) isEvent() {}

// ChatDeletedEvent announces that a chat is gone.
type ChatDeletedEvent struct {
	Chat models.ChatRef
}

func (ChatDeletedEvent) Name() Name { return NameChatDeleted }
func (e ChatDeletedEvent) ChatID() int { return e.Chat.ID }
func (ChatDeletedEvent) isEvent() {}

// NewMessage builds a message event.
func NewMessage(msg models.MessageInfo) MessageEvent {
	return MessageEvent{Message: msg}
}

// NewMessageUpdate builds a messageUpdate event.
func NewMessageUpdate(msg models.MessageInfo) MessageEvent {
	return MessageEvent{Update: true, Message: msg}
}

// NewMessageRead builds a messageRead event.
func NewMessageRead(msg models.MessageInfo) ReadEvent {
	return ReadEvent{Message: msg}
}

// NewChatDeleted builds a chatDeleted event.
func NewChatDeleted(chatID int) ChatDeletedEvent {
	return ChatDeletedEvent{Chat: models.ChatRef{ID: chatID}}
}

// Encode serializes an event into its envelope frame.
func Encode(ev Event) ([]byte, error) {
	var payload any
	switch e := ev.(type) {
	case MessageEvent:
		payload = e.Message
	case ReadEvent:
		payload = e.Message
	case ChatDeletedEvent:
		payload = e.Chat
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", ev.Name(), err)
	}
	return json.Marshal(Envelope{Event: ev.Name(), Payload: raw})
}

// Decode parses a frame received as text or binary. Both must hold UTF-8 JSON.
func Decode(data []byte) (Event, error) {
	if !utf8.Valid(data) {
		return nil, ErrNotUTF8
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyPayload, env.Event)
	}

	switch env.Event {
	case NameMessage, NameMessageUpdate, NameMessageRead:
		var msg models.MessageInfo
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		if msg.LocalID == "" || msg.ChatID == 0 {
			return nil, fmt.Errorf("decode %s payload: missing chatId or localId", env.Event)
		}
		switch env.Event {
		case NameMessage:
			return NewMessage(msg), nil
		case NameMessageUpdate:
			return NewMessageUpdate(msg), nil
		default:
			return NewMessageRead(msg), nil
		}
	case NameChatDeleted:
		var ref models.ChatRef
		if err := json.Unmarshal(env.Payload, &ref); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		if ref.ID == 0 {
			return nil, fmt.Errorf("decode %s payload: missing id", env.Event)
		}
		return ChatDeletedEvent{Chat: ref}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
