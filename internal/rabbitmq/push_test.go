package rabbitmq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-sync/internal/envelope"
	"chat-sync/internal/mocks"
	"chat-sync/internal/models"
)

func TestNotifyOfflinePublishesPushRequest(t *testing.T) {
	pub := &mocks.PublisherMock{}
	var got PushRequest
	pub.On("Publish", mock.Anything, PushRoutingKey, mock.AnythingOfType("rabbitmq.PushRequest"), map[string]string(nil)).
		Run(func(args mock.Arguments) { got = args.Get(2).(PushRequest) }).
		Return(nil)

	n := NewPushNotifier(pub)
	n.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	text := "ping"
	ev := envelope.NewMessage(models.MessageInfo{ID: 8, LocalID: "1+a", ChatID: 5, Text: &text})

	require.NoError(t, n.NotifyOffline(context.Background(), []int{2, 3}, ev))

	pub.AssertExpectations(t)
	assert.Equal(t, []int{2, 3}, got.UserIDs)
	assert.Equal(t, 5, got.ChatID)
	assert.Equal(t, envelope.NameMessage, got.Event)
	assert.Equal(t, "2024-03-01T12:00:00Z", got.OccurredAt)

	decoded, err := envelope.Decode(got.Envelope)
	require.NoError(t, err)
	assert.Equal(t, "1+a", decoded.(envelope.MessageEvent).Message.LocalID)
}

func TestNotifyOfflineReturnsPublishError(t *testing.T) {
	pub := &mocks.PublisherMock{}
	pub.On("Publish", mock.Anything, PushRoutingKey, mock.Anything, mock.Anything).Return(errors.New("channel closed"))

	err := NewPushNotifier(pub).NotifyOffline(context.Background(), []int{2}, envelope.NewChatDeleted(5))

	assert.EqualError(t, err, "channel closed")
}

func TestNoopPublisherMode(t *testing.T) {
	p := NewPublisher("", "chat")
	assert.Equal(t, "noop", PublisherMode(p))
	assert.NotEmpty(t, PublisherNoopReason(p))
	assert.NoError(t, p.Publish(context.Background(), "x", nil, nil))
	assert.NoError(t, p.Close())
}
