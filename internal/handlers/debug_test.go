package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"chat-sync/internal/mocks"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

type livePeer struct {
	session string
	user    int
}

func (p livePeer) SessionID() string { return p.session }
func (p livePeer) UserID() int { return p.user }
func (p livePeer) Send([]byte) bool { return true }
func (p livePeer) Close() {}

type fixedIndex map[string]ws.Peer

func (idx fixedIndex) Len() int { return len(idx) }

func (idx fixedIndex) Lookup(sessionID string) (ws.Peer, bool) {
	p, ok := idx[sessionID]
	return p, ok
}

func TestDebugRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, "audit.chat", mock.Anything, mock.Anything).Return(nil).Once()

	router := gin.New()
	RegisterDebugRoutes(router, telemetry.NewAuditEmitter(pub, "audit.chat", "chat-sync", "test"), fixedIndex{"s1": livePeer{"s1", 7}, "s2": livePeer{"s2", 7}, "s3": livePeer{"s3", 8}}, true)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/connections", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"live":3}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/connections/s3", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"session_id":"s3","user_id":8}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/connections/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/audit-test", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	pub.AssertExpectations(t)
}

func TestDebugRoutesDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	RegisterDebugRoutes(router, nil, fixedIndex{}, false)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/connections", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
