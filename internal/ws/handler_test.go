package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/auth"
	"chat-sync/internal/envelope"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
)

var testOptions = ConnOptions{
	SendBuffer: 8,
	ReadLimit:  1024,
	WriteWait:  time.Second,
	PongWait:   time.Minute,
	PingPeriod: 30 * time.Second,
}

type wsFixture struct {
	server   *httptest.Server
	registry *Registry
	tokens   *auth.TokenService
	sessions *mocks.SessionRepositoryMock
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	tokens := auth.NewTokenService("secret", 10)
	sessions := new(mocks.SessionRepositoryMock)
	sessions.On("GetSession", mock.Anything, "s1").Return(models.DeviceSession{ID: "s1", UserID: 7}, nil).Maybe()
	sessions.On("GetSession", mock.Anything, "s2").Return(models.DeviceSession{ID: "s2", UserID: 8}, nil).Maybe()
	sessions.On("GetSession", mock.Anything, "gone").Return(nil, repositories.ErrSessionNotFound).Maybe()
	sessions.On("TouchSession", mock.Anything, mock.Anything).Return(nil).Maybe()

	registry := NewRegistry()
	handler := NewHandler(registry, NewAuthenticator(tokens, sessions), sessions, testOptions, []string{"http://app.local"})
	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	return &wsFixture{server: server, registry: registry, tokens: tokens, sessions: sessions}
}

func (f *wsFixture) url(sessionID, token string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/" + sessionID + "?token=" + token
}

func (f *wsFixture) token(t *testing.T, userID int, sessionID string) string {
	t.Helper()
	token, err := f.tokens.Issue(userID, sessionID)
	require.NoError(t, err)
	return token
}

func TestHandlerDeliversFrames(t *testing.T) {
	f := newWSFixture(t)

	conn, resp, err := websocket.DefaultDialer.Dial(f.url("s1", f.token(t, 7, "s1")), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	frame, err := envelope.Encode(envelope.NewChatDeleted(3))
	require.NoError(t, err)
	fanout := NewFanout(f.registry, nil, nil)
	online := fanout.Deliver(Delivery{Event: envelope.NameChatDeleted, UserIDs: []int{7}, Frame: frame})
	assert.True(t, online[7])

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := envelope.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, envelope.NewChatDeleted(3), ev)
}

func TestHandlerRejectsBadCredentials(t *testing.T) {
	f := newWSFixture(t)

	cases := map[string]string{
		"garbage token":   f.url("s1", "nope"),
		"missing token":   f.url("s1", ""),
		"other user":      f.url("s1", f.token(t, 8, "")),
		"other session":   f.url("s1", f.token(t, 7, "s9")),
		"unknown session": f.url("gone", f.token(t, 7, "")),
	}
	for name, url := range cases {
		t.Run(name, func(t *testing.T) {
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			require.Error(t, err)
			if conn != nil {
				conn.Close()
			}
			require.NotNil(t, resp)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		})
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestHandlerAcceptsUserScopedToken(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url("s2", f.token(t, 8, "")), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
}

func TestHandlerRejectsForeignOrigin(t *testing.T) {
	f := newWSFixture(t)

	header := http.Header{"Origin": []string{"http://evil.local"}}
	_, resp, err := websocket.DefaultDialer.Dial(f.url("s1", f.token(t, 7, "s1")), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestHandlerSupersedesPreviousConnection(t *testing.T) {
	f := newWSFixture(t)
	token := f.token(t, 7, "s1")

	first, _, err := websocket.DefaultDialer.Dial(f.url("s1", token), nil)
	require.NoError(t, err)
	defer first.Close()
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 10*time.Millisecond)
	firstPeer, _ := f.registry.Lookup("s1")

	second, _, err := websocket.DefaultDialer.Dial(f.url("s1", token), nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool {
		peer, ok := f.registry.Lookup("s1")
		return ok && peer != firstPeer
	}, time.Second, 10*time.Millisecond)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

	// the superseded connection's exit must not unbind its successor
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.registry.Len())
}

func TestHandlerReleasesOnClientClose(t *testing.T) {
	f := newWSFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.url("s1", f.token(t, 7, "s1")), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.registry.Len() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()
	require.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
