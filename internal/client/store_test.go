package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/envelope"
	"chat-sync/internal/models"
)

type recordingObserver struct {
	mu        sync.Mutex
	changed   []int
	summaries []models.ChatSummary
	removed   []int
	cleared   []int
	stale     int
}

func (o *recordingObserver) MessagesChanged(chatID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.changed = append(o.changed, chatID)
}

func (o *recordingObserver) SummaryChanged(summary models.ChatSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

func (o *recordingObserver) ChatRemoved(chatID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removed = append(o.removed, chatID)
}

func (o *recordingObserver) ActiveChatCleared(chatID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cleared = append(o.cleared, chatID)
}

func (o *recordingObserver) ChatListStale() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stale++
}

func (o *recordingObserver) staleCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stale
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(id int, localID string, chatID, author int, text string, offset time.Duration) models.MessageInfo {
	return models.MessageInfo{
		ID:          id,
		LocalID:     localID,
		ChatID:      chatID,
		AuthorID:    author,
		Text:        &text,
		Attachments: []models.Attachment{},
		CreatedAt:   base.Add(offset),
		IsVisible:   true,
		ReadMarks:   []models.ReadMark{},
	}
}

func localIDs(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message.LocalID
	}
	return out
}

func openStore(t *testing.T, chatID int, page ...models.MessageInfo) (*MessageStore, *recordingObserver) {
	t.Helper()
	obs := &recordingObserver{}
	store := NewMessageStore(obs, nil)
	store.SetChats([]models.ChatSummary{{ID: chatID, MemberIDs: []int{1, 2}}, {ID: 99, MemberIDs: []int{1, 3}}})
	store.Open(chatID, page)
	return store, obs
}

func TestStoreOpenRendersOldestFirst(t *testing.T) {
	store, _ := openStore(t, 5,
		msg(3, "2+c", 5, 2, "third", 2*time.Minute),
		msg(2, "2+b", 5, 2, "second", time.Minute),
		msg(1, "1+a", 5, 1, "first", 0),
	)

	assert.Equal(t, []string{"1+a", "2+b", "2+c"}, localIDs(store.Messages()))
	assert.Equal(t, 1, store.OldestID())
	assert.Equal(t, 5, store.ActiveChat())
}

func TestStoreMessageEventReplacesInPlace(t *testing.T) {
	store, obs := openStore(t, 5, msg(1, "1+a", 5, 1, "first", 0))

	draft := msg(0, "1+pending", 5, 1, "hi", time.Minute)
	store.AddPending(draft, StateSending)
	store.Apply(envelope.NewMessage(msg(2, "2+b", 5, 2, "from b", 2*time.Minute)))

	acked := msg(9001, "1+pending", 5, 1, "hi", time.Minute)
	store.Apply(envelope.NewMessage(acked))

	entries := store.Messages()
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"1+a", "1+pending", "2+b"}, localIDs(entries))
	assert.Equal(t, 9001, entries[1].Message.ID)
	assert.Equal(t, StateAcknowledged, entries[1].State)
	assert.Zero(t, obs.staleCount())
}

func TestStoreDuplicateDeliveryIsIdempotent(t *testing.T) {
	store, _ := openStore(t, 5)
	m := msg(7, "2+dup", 5, 2, "again", 0)

	store.Apply(envelope.NewMessage(m))
	store.Apply(envelope.NewMessage(m))
	store.Acknowledge(m)

	assert.Equal(t, []string{"2+dup"}, localIDs(store.Messages()))
}

func TestStoreMessageUpdateEditsInPlace(t *testing.T) {
	store, _ := openStore(t, 5, msg(2, "2+b", 5, 2, "second", time.Minute), msg(1, "1+a", 5, 1, "first", 0))

	edited := msg(1, "1+a", 5, 1, "edited", 0)
	store.Apply(envelope.NewMessageUpdate(edited))

	entries := store.Messages()
	require.Len(t, entries, 2)
	assert.Equal(t, "edited", *entries[0].Message.Text)
}

func TestStoreEventForOtherChatMarksListStale(t *testing.T) {
	store, obs := openStore(t, 5)

	store.Apply(envelope.NewMessage(msg(1, "3+x", 99, 3, "elsewhere", 0)))
	store.Apply(envelope.NewMessage(msg(2, "4+y", 1234, 4, "unknown chat", 0)))

	assert.Equal(t, 2, obs.staleCount())
	assert.Empty(t, store.Messages())
}

func TestStoreReadEventPropagatesToSummary(t *testing.T) {
	obs := &recordingObserver{}
	store := NewMessageStore(obs, nil)
	last := msg(4, "1+last", 5, 1, "latest", 0)
	store.SetChats([]models.ChatSummary{{ID: 5, LastMessage: &last}})
	store.Open(5, []models.MessageInfo{last})

	read := last
	read.ReadMarks = []models.ReadMark{{UserID: 2, ReadAt: base}}
	store.Apply(envelope.NewMessageRead(read))

	entry, ok := store.Lookup("1+last")
	require.True(t, ok)
	assert.True(t, entry.Message.HasReadMark(2))

	summary, ok := store.Chat(5)
	require.True(t, ok)
	require.NotNil(t, summary.LastMessage)
	assert.True(t, summary.LastMessage.HasReadMark(2))
	require.Len(t, obs.summaries, 1)
	assert.False(t, last.HasReadMark(2))
}

func TestStoreReadEventForOlderMessageLeavesSummary(t *testing.T) {
	obs := &recordingObserver{}
	store := NewMessageStore(obs, nil)
	older := msg(3, "1+old", 5, 1, "old", 0)
	last := msg(4, "1+last", 5, 1, "latest", time.Minute)
	store.SetChats([]models.ChatSummary{{ID: 5, LastMessage: &last}})
	store.Open(5, []models.MessageInfo{last, older})

	read := older
	read.ReadMarks = []models.ReadMark{{UserID: 2}}
	store.Apply(envelope.NewMessageRead(read))

	entry, _ := store.Lookup("1+old")
	assert.True(t, entry.Message.HasReadMark(2))
	assert.Empty(t, obs.summaries)
}

func TestStoreChatDeletedClearsActiveChat(t *testing.T) {
	store, obs := openStore(t, 5, msg(1, "1+a", 5, 1, "first", 0))

	store.Apply(envelope.NewChatDeleted(5))

	_, ok := store.Chat(5)
	assert.False(t, ok)
	assert.Zero(t, store.ActiveChat())
	assert.Empty(t, store.Messages())
	assert.Equal(t, []int{5}, obs.removed)
	assert.Equal(t, []int{5}, obs.cleared)
}

func TestStoreChatDeletedForBackgroundChat(t *testing.T) {
	store, obs := openStore(t, 5, msg(1, "1+a", 5, 1, "first", 0))

	store.Apply(envelope.NewChatDeleted(99))

	assert.Equal(t, 5, store.ActiveChat())
	assert.Len(t, store.Messages(), 1)
	assert.Equal(t, []int{99}, obs.removed)
	assert.Empty(t, obs.cleared)
	assert.Len(t, store.Chats(), 1)
}

func TestStoreSetStateNeverDowngradesAcknowledged(t *testing.T) {
	store, _ := openStore(t, 5)
	store.AddPending(msg(0, "1+a", 5, 1, "hi", 0), StateSending)
	store.Apply(envelope.NewMessage(msg(10, "1+a", 5, 1, "hi", 0)))

	assert.False(t, store.SetState("1+a", StateFailed))
	store.AddPending(msg(0, "1+a", 5, 1, "hi", 0), StatePending)

	entry, ok := store.Lookup("1+a")
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, entry.State)
	assert.Equal(t, 10, entry.Message.ID)
}

func TestStoreAcknowledgeUpdatesSummaryOfBackgroundChat(t *testing.T) {
	store, obs := openStore(t, 5)

	store.Acknowledge(msg(11, "1+bg", 99, 1, "sent before switching", 0))

	summary, ok := store.Chat(99)
	require.True(t, ok)
	require.NotNil(t, summary.LastMessage)
	assert.Equal(t, "1+bg", summary.LastMessage.LocalID)
	assert.Empty(t, store.Messages())
	assert.Len(t, obs.summaries, 1)
}

func TestStoreOpenKeepsUnacknowledgedSends(t *testing.T) {
	obs := &recordingObserver{}
	store := NewMessageStore(obs, nil)
	store.SetChats([]models.ChatSummary{{ID: 5}})

	pending := Entry{Message: msg(0, "1+p", 5, 1, "draft", time.Hour), State: StateFailed}
	landed := Entry{Message: msg(0, "1+landed", 5, 1, "landed", time.Hour), State: StateSending}
	store.Open(5, []models.MessageInfo{msg(8, "1+landed", 5, 1, "landed", time.Hour)}, pending, landed)

	entries := store.Messages()
	assert.Equal(t, []string{"1+landed", "1+p"}, localIDs(entries))
	assert.Equal(t, StateAcknowledged, entries[0].State)
	assert.Equal(t, StateFailed, entries[1].State)
}

func TestStoreSetChatsDropsVanishedActiveChat(t *testing.T) {
	store, obs := openStore(t, 5, msg(1, "1+a", 5, 1, "first", 0))

	store.SetChats([]models.ChatSummary{{ID: 99}})

	assert.Zero(t, store.ActiveChat())
	assert.Equal(t, []int{5}, obs.cleared)
}

func TestStoreChatsOrderedByActivity(t *testing.T) {
	store := NewMessageStore(nil, nil)
	recent := msg(2, "1+r", 2, 1, "recent", time.Hour)
	old := msg(1, "1+o", 1, 1, "old", 0)
	store.SetChats([]models.ChatSummary{
		{ID: 1, LastMessage: &old},
		{ID: 2, LastMessage: &recent},
		{ID: 3, CreatedAt: base.Add(30 * time.Minute)},
	})

	chats := store.Chats()
	require.Len(t, chats, 3)
	assert.Equal(t, []int{2, 3, 1}, []int{chats[0].ID, chats[1].ID, chats[2].ID})
}

func TestStorePrependHistorySkipsRenderedMessages(t *testing.T) {
	store, _ := openStore(t, 5, msg(11, "1+k", 5, 1, "k", 11*time.Minute), msg(10, "1+j", 5, 1, "j", 10*time.Minute))

	store.PrependHistory(5, []models.MessageInfo{
		msg(10, "1+j", 5, 1, "j", 10*time.Minute),
		msg(9, "1+i", 5, 1, "i", 9*time.Minute),
	})

	assert.Equal(t, []string{"1+i", "1+j", "1+k"}, localIDs(store.Messages()))
	assert.Equal(t, 9, store.OldestID())

	store.PrependHistory(99, []models.MessageInfo{msg(1, "x", 99, 1, "x", 0)})
	assert.Len(t, store.Messages(), 3)
}
