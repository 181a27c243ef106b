package client

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/envelope"
	"chat-sync/internal/models"
)

// Observer is told about store changes. Callbacks run after the store lock is
// released, on the goroutine that caused the change.
type Observer interface {
	MessagesChanged(chatID int)
	SummaryChanged(summary models.ChatSummary)
	ChatRemoved(chatID int)
	ActiveChatCleared(chatID int)
	// ChatListStale asks for a full chat list reload.
	ChatListStale()
}

// NopObserver ignores every change.
type NopObserver struct{}

func (NopObserver) MessagesChanged(int)                {}
func (NopObserver) SummaryChanged(models.ChatSummary) {}
func (NopObserver) ChatRemoved(int)                    {}
func (NopObserver) ActiveChatCleared(int)              {}
func (NopObserver) ChatListStale()                     {}

// Entry is one rendered message. Its key is the localId, which survives
// acknowledgement, so reconciliation replaces it in place.
type Entry struct {
	Message models.MessageInfo
	State   State
}

// MessageStore is the local view of the chat list and of the open chat.
type MessageStore struct {
	mu       sync.Mutex
	log      *zap.Logger
	observer Observer

	chats   map[int]models.ChatSummary
	active  int
	entries []Entry
	index   map[string]int
}

// NewMessageStore builds an empty store. observer and log may be nil.
func NewMessageStore(observer Observer, log *zap.Logger) *MessageStore {
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MessageStore{
		log:      log,
		observer: observer,
		chats:    make(map[int]models.ChatSummary),
		index:    make(map[string]int),
	}
}

// SetChats replaces the chat list. An open chat that is no longer listed is
// cleared.
func (s *MessageStore) SetChats(list []models.ChatSummary) {
	s.mu.Lock()
	s.chats = make(map[int]models.ChatSummary, len(list))
	for _, chat := range list {
		s.chats[chat.ID] = chat
	}
	var cleared int
	if _, ok := s.chats[s.active]; s.active != 0 && !ok {
		cleared = s.clearActiveLocked()
	}
	s.mu.Unlock()

	if cleared != 0 {
		s.observer.ActiveChatCleared(cleared)
	}
}

// Chats returns the chat list, most recent activity first.
func (s *MessageStore) Chats() []models.ChatSummary {
	s.mu.Lock()
	out := make([]models.ChatSummary, 0, len(s.chats))
	for _, chat := range s.chats {
		out = append(out, chat)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		ai, aj := activity(out[i]), activity(out[j])
		if ai.Equal(aj) {
			return out[i].ID > out[j].ID
		}
		return ai.After(aj)
	})
	return out
}

// Chat returns one chat summary.
func (s *MessageStore) Chat(chatID int) (models.ChatSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	return chat, ok
}

// Open makes chatID the open chat, rendering a newest-first history page
// followed by the chat's unacknowledged sends.
func (s *MessageStore) Open(chatID int, page []models.MessageInfo, pending ...Entry) {
	s.mu.Lock()
	s.active = chatID
	s.entries = ReverseHistory(page)
	s.reindexLocked()
	for _, e := range pending {
		if _, rendered := s.index[e.Message.LocalID]; !rendered && e.Message.ChatID == chatID {
			s.upsertLocked(e)
		}
	}
	s.mu.Unlock()

	s.observer.MessagesChanged(chatID)
}

// PrependHistory adds an older newest-first page in front of the open chat.
func (s *MessageStore) PrependHistory(chatID int, page []models.MessageInfo) {
	s.mu.Lock()
	if chatID != s.active {
		s.mu.Unlock()
		return
	}
	s.entries = MergeHistory(ReverseHistory(page), s.entries)
	s.reindexLocked()
	s.mu.Unlock()

	s.observer.MessagesChanged(chatID)
}

// CloseChat clears the open chat.
func (s *MessageStore) CloseChat() {
	s.mu.Lock()
	s.clearActiveLocked()
	s.mu.Unlock()
}

// ActiveChat returns the open chat id, or 0.
func (s *MessageStore) ActiveChat() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Messages returns the rendered entries of the open chat, oldest first.
func (s *MessageStore) Messages() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Entry(nil), s.entries...)
}

// Lookup returns the rendered entry for localID.
func (s *MessageStore) Lookup(localID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[localID]
	if !ok {
		return Entry{}, false
	}
	return s.entries[i], true
}

// OldestID returns the smallest acknowledged id rendered, the cursor for the
// next history page. It is 0 when nothing acknowledged is rendered.
func (s *MessageStore) OldestID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldest := 0
	for _, e := range s.entries {
		if id := e.Message.ID; id != 0 && (oldest == 0 || id < oldest) {
			oldest = id
		}
	}
	return oldest
}

// AddPending renders an optimistic draft in the open chat.
func (s *MessageStore) AddPending(draft models.MessageInfo, state State) {
	s.mu.Lock()
	if draft.ChatID != s.active {
		s.mu.Unlock()
		return
	}
	if i, ok := s.index[draft.LocalID]; ok && s.entries[i].State == StateAcknowledged {
		s.mu.Unlock()
		return
	}
	s.upsertLocked(Entry{Message: draft, State: state})
	s.mu.Unlock()

	s.observer.MessagesChanged(draft.ChatID)
}

// SetState moves a draft to state. It reports false when the message has
// already been acknowledged, in which case nothing changes.
func (s *MessageStore) SetState(localID string, state State) bool {
	s.mu.Lock()
	i, ok := s.index[localID]
	if !ok {
		s.mu.Unlock()
		return true
	}
	if s.entries[i].State == StateAcknowledged {
		s.mu.Unlock()
		return false
	}
	s.entries[i].State = state
	chatID := s.entries[i].Message.ChatID
	s.mu.Unlock()

	s.observer.MessagesChanged(chatID)
	return true
}

// Acknowledge reconciles the server record of one of our own sends.
func (s *MessageStore) Acknowledge(msg models.MessageInfo) {
	s.mu.Lock()
	rendered := false
	if msg.ChatID == s.active {
		s.upsertLocked(Entry{Message: msg, State: StateAcknowledged})
		rendered = true
	}
	summary, summaryChanged := s.touchLastMessageLocked(msg)
	s.mu.Unlock()

	if rendered {
		s.observer.MessagesChanged(msg.ChatID)
	}
	if summaryChanged {
		s.observer.SummaryChanged(summary)
	}
}

// Discard removes an unacknowledged draft.
func (s *MessageStore) Discard(localID string) {
	s.mu.Lock()
	i, ok := s.index[localID]
	if !ok || s.entries[i].State == StateAcknowledged {
		s.mu.Unlock()
		return
	}
	chatID := s.entries[i].Message.ChatID
	s.entries = append(s.entries[:i], s.entries[i+1:]...)
	s.reindexLocked()
	s.mu.Unlock()

	s.observer.MessagesChanged(chatID)
}

// Apply folds one notification into the store. Events must be applied in
// arrival order.
func (s *MessageStore) Apply(ev envelope.Event) {
	var notices []func(Observer)

	s.mu.Lock()
	chatID := ev.ChatID()
	_, known := s.chats[chatID]

	switch e := ev.(type) {
	case envelope.MessageEvent:
		if !known || chatID != s.active {
			notices = append(notices, Observer.ChatListStale)
			break
		}
		s.upsertLocked(Entry{Message: e.Message, State: StateAcknowledged})
		notices = append(notices, func(o Observer) { o.MessagesChanged(chatID) })
		if summary, ok := s.touchLastMessageLocked(e.Message); ok {
			notices = append(notices, func(o Observer) { o.SummaryChanged(summary) })
		}

	case envelope.ReadEvent:
		if !known {
			notices = append(notices, Observer.ChatListStale)
			break
		}
		if chatID == s.active {
			if i, ok := s.index[e.Message.LocalID]; ok {
				s.entries[i].Message.ReadMarks = e.Message.ReadMarks
				notices = append(notices, func(o Observer) { o.MessagesChanged(chatID) })
			}
		}
		summary := s.chats[chatID]
		if last := summary.LastMessage; last != nil && last.LocalID == e.Message.LocalID {
			updated := *last
			updated.ReadMarks = e.Message.ReadMarks
			summary.LastMessage = &updated
			s.chats[chatID] = summary
			notices = append(notices, func(o Observer) { o.SummaryChanged(summary) })
		}

	case envelope.ChatDeletedEvent:
		if known {
			delete(s.chats, chatID)
			notices = append(notices, func(o Observer) { o.ChatRemoved(chatID) })
		}
		if chatID == s.active {
			s.clearActiveLocked()
			notices = append(notices, func(o Observer) { o.ActiveChatCleared(chatID) })
		}

	default:
		s.log.Warn("unhandled event", zap.String("event", string(ev.Name())), zap.Int("chat_id", chatID))
	}
	s.mu.Unlock()

	for _, notify := range notices {
		notify(s.observer)
	}
}

// upsertLocked replaces the entry with the same localId in place or appends.
func (s *MessageStore) upsertLocked(e Entry) {
	if i, ok := s.index[e.Message.LocalID]; ok {
		s.entries[i] = e
		return
	}
	s.index[e.Message.LocalID] = len(s.entries)
	s.entries = append(s.entries, e)
}

// touchLastMessageLocked updates the chat summary when msg is its latest
// message or a newer one.
func (s *MessageStore) touchLastMessageLocked(msg models.MessageInfo) (models.ChatSummary, bool) {
	summary, ok := s.chats[msg.ChatID]
	if !ok {
		return summary, false
	}
	last := summary.LastMessage
	if last != nil && last.LocalID != msg.LocalID && msg.CreatedAt.Before(last.CreatedAt) {
		return summary, false
	}
	copied := msg
	summary.LastMessage = &copied
	s.chats[msg.ChatID] = summary
	return summary, true
}

func (s *MessageStore) clearActiveLocked() int {
	cleared := s.active
	s.active = 0
	s.entries = nil
	s.index = make(map[string]int)
	return cleared
}

func (s *MessageStore) reindexLocked() {
	s.index = make(map[string]int, len(s.entries))
	for i, e := range s.entries {
		s.index[e.Message.LocalID] = i
	}
}

func activity(chat models.ChatSummary) time.Time {
	if chat.LastMessage != nil {
		return chat.LastMessage.CreatedAt
	}
	return chat.CreatedAt
}
