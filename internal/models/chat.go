package models

import "time"

// Chat is a conversation between two or more users.
type Chat struct {
	ID        int       `db:"id" json:"id"`
	Title     string    `db:"title" json:"title,omitempty"`
	CreatedBy int       `db:"created_by" json:"createdBy"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// ChatRelation is the per user-in-chat state. It never filters fan-out;
// muting and blocking are presentation concerns of the client.
type ChatRelation struct {
	ChatID            int  `db:"chat_id" json:"chatId"`
	UserID            int  `db:"user_id" json:"userId"`
	IsMuted           bool `db:"is_muted" json:"isMuted"`
	IsArchived        bool `db:"is_archived" json:"isArchived"`
	IsChatBlocked     bool `db:"is_chat_blocked" json:"isChatBlocked"`
	IsUserBlocked     bool `db:"is_user_blocked" json:"isUserBlocked"`
	IsRemovedOnDevice bool `db:"is_removed_on_device" json:"isRemovedOnDevice"`
}

// RelationUpdate is a partial update of ChatRelation flags.
type RelationUpdate struct {
	IsMuted           *bool `json:"isMuted,omitempty"`
	IsArchived        *bool `json:"isArchived,omitempty"`
	IsChatBlocked     *bool `json:"isChatBlocked,omitempty"`
	IsUserBlocked     *bool `json:"isUserBlocked,omitempty"`
	IsRemovedOnDevice *bool `json:"isRemovedOnDevice,omitempty"`
}

// Apply copies the set fields onto rel.
func (u RelationUpdate) Apply(rel ChatRelation) ChatRelation {
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&rel.IsMuted, u.IsMuted)
	set(&rel.IsArchived, u.IsArchived)
	set(&rel.IsChatBlocked, u.IsChatBlocked)
	set(&rel.IsUserBlocked, u.IsUserBlocked)
	set(&rel.IsRemovedOnDevice, u.IsRemovedOnDevice)
	return rel
}

// ChatSummary is the chat-list view of a chat for one user.
type ChatSummary struct {
	ID          int          `json:"id"`
	Title       string       `json:"title,omitempty"`
	MemberIDs   []int        `json:"memberIds"`
	LastMessage *MessageInfo `json:"lastMessage,omitempty"`
	Relation    ChatRelation `json:"relation"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// ChatRef is the chatDeleted payload.
type ChatRef struct {
	ID int `json:"id"`
}
