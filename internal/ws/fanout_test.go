package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/envelope"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/observability"
)

type recordingOffline struct {
	mu    sync.Mutex
	calls [][]int
}

func (r *recordingOffline) NotifyOffline(_ context.Context, userIDs []int, _ envelope.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userIDs)
	return nil
}

type recordingRelay struct {
	deliveries []Delivery
}

func (r *recordingRelay) Broadcast(_ context.Context, d Delivery) error {
	r.deliveries = append(r.deliveries, d)
	return nil
}

func textPtr(s string) *string { return &s }

func chatMessage(chatID, id int, localID, text string) models.MessageInfo {
	return models.MessageInfo{ID: id, LocalID: localID, ChatID: chatID, AuthorID: 1, Text: textPtr(text)}
}

func decodeFrames(t *testing.T, frames [][]byte) []envelope.Event {
	t.Helper()
	out := make([]envelope.Event, 0, len(frames))
	for _, f := range frames {
		ev, err := envelope.Decode(f)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestNotifyReachesEveryParticipantSession(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2, 3}, nil)

	reg := NewRegistry()
	a1, a2 := newFakePeer("a1", 1), newFakePeer("a2", 1)
	b, c := newFakePeer("b", 2), newFakePeer("c", 3)
	outsider := newFakePeer("x", 4)
	for _, p := range []*fakePeer{a1, a2, b, c, outsider} {
		reg.Register(p)
	}
	f := NewFanout(reg, chats, nil)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 9001, "1+abc", "hi")), ""))

	for _, p := range []*fakePeer{a1, a2, b, c} {
		assert.Len(t, p.received(), 1, p.session)
	}
	assert.Empty(t, outsider.received())
	chats.AssertExpectations(t)
}

func TestNotifySkipsExcludedSession(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2}, nil)

	reg := NewRegistry()
	a1, a2, b := newFakePeer("a1", 1), newFakePeer("a2", 1), newFakePeer("b", 2)
	reg.Register(a1)
	reg.Register(a2)
	reg.Register(b)
	f := NewFanout(reg, chats, nil)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), "a1"))

	assert.Empty(t, a1.received())
	assert.Len(t, a2.received(), 1)
	assert.Len(t, b.received(), 1)
}

func TestNotifyOfflineParticipantGetsNoFrame(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2, 3}, nil)
	reg := NewRegistry()
	a := newFakePeer("a", 1)
	reg.Register(a)
	offline := &recordingOffline{}
	f := NewFanout(reg, chats, offline)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), ""))

	assert.Len(t, a.received(), 1)
	f.Close()
	require.Len(t, offline.calls, 1)
	assert.Equal(t, []int{2, 3}, offline.calls[0])
}

func TestNotifyExcludedSessionStillCountsAsOnline(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1}, nil)
	reg := NewRegistry()
	reg.Register(newFakePeer("a", 1))
	offline := &recordingOffline{}
	f := NewFanout(reg, chats, offline)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), "a"))
	f.Close()
	assert.Empty(t, offline.calls)
}

func TestNotifySlowConsumerDoesNotBlockOthers(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2}, nil)
	reg := NewRegistry()
	slow, fast := newFakePeer("slow", 1), newFakePeer("fast", 2)
	slow.full = true
	reg.Register(slow)
	reg.Register(fast)
	f := NewFanout(reg, chats, nil)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), ""))
	assert.Empty(t, slow.received())
	assert.Len(t, fast.received(), 1)
}

func TestNotifyParticipantLookupError(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return(nil, assert.AnError)
	f := NewFanout(NewRegistry(), chats, nil)

	err := f.Notify(context.Background(), 5, envelope.NewChatDeleted(5), "")
	require.ErrorIs(t, err, assert.AnError)
}

func TestNotifyUsersUsesExplicitRecipients(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	reg := NewRegistry()
	a, b := newFakePeer("a", 1), newFakePeer("b", 2)
	reg.Register(a)
	reg.Register(b)
	f := NewFanout(reg, chats, nil)

	require.NoError(t, f.NotifyUsers(context.Background(), []int{2, 2}, envelope.NewChatDeleted(5), ""))

	assert.Empty(t, a.received())
	events := decodeFrames(t, b.received())
	require.Len(t, events, 1)
	assert.Equal(t, envelope.NewChatDeleted(5), events[0])
	chats.AssertNotCalled(t, "ListParticipants", mock.Anything, mock.Anything)
}

func TestCommitPreservesCommitOrder(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1}, nil)
	reg := NewRegistry()
	peer := newFakePeer("a", 1)
	reg.Register(peer)
	f := NewFanout(reg, chats, nil)

	var (
		seqMu sync.Mutex
		seq   int
		wg    sync.WaitGroup
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.Commit(context.Background(), 5, "", func(context.Context) (envelope.Event, error) {
				seqMu.Lock()
				seq++
				n := seq
				seqMu.Unlock()
				return envelope.NewMessageUpdate(chatMessage(5, 1, "1+x", strconv.Itoa(n))), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events := decodeFrames(t, peer.received())
	require.Len(t, events, 40)
	for i, ev := range events {
		msg := ev.(envelope.MessageEvent).Message
		assert.Equal(t, strconv.Itoa(i+1), *msg.Text)
	}
}

func TestCommitMessageBeforeUpdate(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2}, nil)
	reg := NewRegistry()
	peer := newFakePeer("b", 2)
	reg.Register(peer)
	f := NewFanout(reg, chats, nil)
	ctx := context.Background()

	require.NoError(t, f.Commit(ctx, 5, "", func(context.Context) (envelope.Event, error) {
		return envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), nil
	}))
	require.NoError(t, f.Commit(ctx, 5, "", func(context.Context) (envelope.Event, error) {
		return envelope.NewMessageUpdate(chatMessage(5, 1, "1+x", "hi!")), nil
	}))

	events := decodeFrames(t, peer.received())
	require.Len(t, events, 2)
	assert.Equal(t, envelope.NameMessage, events[0].Name())
	assert.Equal(t, envelope.NameMessageUpdate, events[1].Name())
}

func TestCommitMutationErrorSkipsFanout(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	f := NewFanout(NewRegistry(), chats, nil)

	err := f.Commit(context.Background(), 5, "", func(context.Context) (envelope.Event, error) {
		return nil, assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	require.NoError(t, f.Commit(context.Background(), 5, "", func(context.Context) (envelope.Event, error) {
		return nil, nil
	}))
	chats.AssertNotCalled(t, "ListParticipants", mock.Anything, mock.Anything)
	assert.Empty(t, f.locks)
}

func TestCommitFanoutFailureIsNotReturned(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return(nil, assert.AnError)
	f := NewFanout(NewRegistry(), chats, nil)

	err := f.Commit(context.Background(), 5, "", func(context.Context) (envelope.Event, error) {
		return envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), nil
	})
	assert.NoError(t, err)
}

func TestFanoutBroadcastsToRelay(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2}, nil)
	relay := &recordingRelay{}
	f := NewFanout(NewRegistry(), chats, nil)
	f.UseRelay(relay)

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewMessage(chatMessage(5, 1, "1+x", "hi")), "s9"))
	f.Close()

	require.Len(t, relay.deliveries, 1)
	d := relay.deliveries[0]
	assert.Equal(t, envelope.NameMessage, d.Event)
	assert.Equal(t, []int{1, 2}, d.UserIDs)
	assert.Equal(t, "s9", d.Exclude)
	assert.True(t, json.Valid(d.Frame))
}

func TestCommitUsersDeliversToReturnedRecipients(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	reg := NewRegistry()
	a, b := newFakePeer("a", 1), newFakePeer("b", 2)
	reg.Register(a)
	reg.Register(b)
	f := NewFanout(reg, chats, nil)

	require.NoError(t, f.CommitUsers(context.Background(), 5, "a", func(context.Context) (envelope.Event, []int, error) {
		return envelope.NewChatDeleted(5), []int{1, 2}, nil
	}))

	assert.Empty(t, a.received())
	require.Len(t, b.received(), 1)
	chats.AssertNotCalled(t, "ListParticipants", mock.Anything, mock.Anything)
}

// stalledOffline blocks every hand-off until its context ends.
type stalledOffline struct {
	mu   sync.Mutex
	errs []error
}

func (s *stalledOffline) NotifyOffline(ctx context.Context, _ []int, _ envelope.Event) error {
	<-ctx.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, ctx.Err())
	return ctx.Err()
}

func TestNotifyDoesNotWaitForStalledBroker(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1, 2}, nil)
	offline := &stalledOffline{}
	f := NewFanout(NewRegistry(), chats, offline)
	f.hookTimeout = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, f.Notify(ctx, 5, envelope.NewMessage(chatMessage(5, i+1, "1+"+strconv.Itoa(i), "hi")), ""))
	}
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	// The request ending does not cancel hand-offs already queued.
	cancel()
	f.Close()

	require.Len(t, offline.errs, 3)
	for _, err := range offline.errs {
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}
}

func TestRelayBroadcastsKeepCommitOrder(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1}, nil)
	relay := &recordingRelay{}
	f := NewFanout(NewRegistry(), chats, nil)
	f.UseRelay(relay)

	for i := 1; i <= 20; i++ {
		id := i
		require.NoError(t, f.Commit(context.Background(), 5, "", func(context.Context) (envelope.Event, error) {
			return envelope.NewMessage(chatMessage(5, id, "1+"+strconv.Itoa(id), "m")), nil
		}))
	}
	f.Close()

	require.Len(t, relay.deliveries, 20)
	for i, d := range relay.deliveries {
		ev, err := envelope.Decode(d.Frame)
		require.NoError(t, err)
		assert.Equal(t, i+1, ev.(envelope.MessageEvent).Message.ID)
	}
}

func TestNotifyAfterCloseSkipsHooks(t *testing.T) {
	chats := new(mocks.ChatRepositoryMock)
	chats.On("ListParticipants", mock.Anything, 5).Return([]int{1}, nil)
	relay := &recordingRelay{}
	f := NewFanout(NewRegistry(), chats, nil)
	f.UseRelay(relay)
	f.Close()
	f.Close()

	require.NoError(t, f.Notify(context.Background(), 5, envelope.NewChatDeleted(5), ""))
	assert.Empty(t, relay.deliveries)
}

// stalledSocket upgrades one client that never reads and hands the server
// side Conn to the test.
func stalledSocket(t *testing.T, opts ConnOptions) *Conn {
	t.Helper()
	conns := make(chan *Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := NewConn(raw, observability.SessionIdentity{ConnID: "c1", SessionID: "stalled", UserID: 1}, opts)
		conns <- c
		c.Run()
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case c := <-conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("server never upgraded")
		return nil
	}
}

func TestSlowConsumerCloseDoesNotBlockSender(t *testing.T) {
	c := stalledSocket(t, ConnOptions{
		SendBuffer: 2,
		ReadLimit:  1024,
		WriteWait:  3 * time.Second,
		PongWait:   time.Minute,
		PingPeriod: time.Minute,
	})
	reg := NewRegistry()
	reg.Register(c)
	f := NewFanout(reg, nil, nil)
	t.Cleanup(f.Close)

	frame := bytes.Repeat([]byte("x"), 4<<20)
	var worst time.Duration
	dropped := false
	for i := 0; i < 32 && !dropped; i++ {
		start := time.Now()
		online := f.Deliver(Delivery{Event: envelope.NameMessage, UserIDs: []int{1}, Frame: frame})
		if elapsed := time.Since(start); elapsed > worst {
			worst = elapsed
		}
		assert.True(t, online[1])
		select {
		case <-c.Done():
			dropped = true
		default:
		}
	}

	require.True(t, dropped, "stalled peer was never closed")
	assert.Less(t, worst, 500*time.Millisecond)

	start := time.Now()
	assert.False(t, c.Send(frame))
	c.Close()
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
