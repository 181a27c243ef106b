package models

import "time"

// Attachment references an uploaded file. The upload itself happens elsewhere.
type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ReadMark records that a user has read a message.
type ReadMark struct {
	UserID int       `db:"user_id" json:"userId"`
	ReadAt time.Time `db:"read_at" json:"readAt"`
}

// Message is a persisted chat message row.
type Message struct {
	ID          int        `db:"id"`
	LocalID     string     `db:"local_id"`
	ChatID      int        `db:"chat_id"`
	AuthorID    int        `db:"author_id"`
	Text        *string    `db:"text"`
	Attachments JSONList   `db:"attachments"`
	IsVisible   bool       `db:"is_visible"`
	CreatedAt   time.Time  `db:"created_at"`
	EditedAt    *time.Time `db:"edited_at"`
	DeletedAt   *time.Time `db:"deleted_at"`
}

// MessageInfo is the wire representation of a message shared by REST
// responses and notification envelopes. ID is zero until the server has
// acknowledged the message.
type MessageInfo struct {
	ID          int          `json:"id,omitempty"`
	LocalID     string       `json:"localId"`
	ChatID      int          `json:"chatId"`
	AuthorID    int          `json:"authorId"`
	Text        *string      `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	DeletedAt   *time.Time   `json:"deletedAt,omitempty"`
	IsVisible   bool         `json:"isVisible"`
	ReadMarks   []ReadMark   `json:"readMarks"`
}

// Info converts a row plus its read marks into the wire form.
func (m Message) Info(marks []ReadMark) MessageInfo {
	attachments := []Attachment(m.Attachments)
	if attachments == nil {
		attachments = []Attachment{}
	}
	if marks == nil {
		marks = []ReadMark{}
	}
	return MessageInfo{
		ID:          m.ID,
		LocalID:     m.LocalID,
		ChatID:      m.ChatID,
		AuthorID:    m.AuthorID,
		Text:        m.Text,
		Attachments: attachments,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
		DeletedAt:   m.DeletedAt,
		IsVisible:   m.IsVisible,
		ReadMarks:   marks,
	}
}

// IsAcknowledged reports whether the server has assigned an id.
func (m MessageInfo) IsAcknowledged() bool {
	return m.ID != 0
}

// HasReadMark reports whether userID has read the message.
func (m MessageInfo) HasReadMark(userID int) bool {
	for _, mark := range m.ReadMarks {
		if mark.UserID == userID {
			return true
		}
	}
	return false
}

// NewMessage is the body of POST /chats/:chat_id/messages.
type NewMessage struct {
	LocalID     string       `json:"localId" binding:"required"`
	Text        *string      `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsVisible   *bool        `json:"isVisible,omitempty"`
}

// Visible defaults IsVisible to true when the client omitted it.
func (n NewMessage) Visible() bool {
	if n.IsVisible == nil {
		return true
	}
	return *n.IsVisible
}
