package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"chat-sync/internal/envelope"
)

// PushRoutingKey carries offline hand-offs to the push-notification service.
const PushRoutingKey = "push.offline"

// PushRequest asks the push path to reach users with no live connection.
type PushRequest struct {
	UserIDs    []int           `json:"user_ids"`
	ChatID     int             `json:"chat_id"`
	Event      envelope.Name   `json:"event"`
	Payload    envelope.Event  `json:"-"`
	Envelope   json.RawMessage `json:"envelope"`
	OccurredAt string          `json:"occurred_at"`
}

// PushNotifier turns fan-out misses into push requests on the bus.
type PushNotifier struct {
	publisher  Publisher
	routingKey string
	now        func() time.Time
}

// NewPushNotifier constructs a PushNotifier publishing on PushRoutingKey.
func NewPushNotifier(publisher Publisher) *PushNotifier {
	return &PushNotifier{publisher: publisher, routingKey: PushRoutingKey, now: time.Now}
}

// NotifyOffline publishes one request covering every offline user.
func (n *PushNotifier) NotifyOffline(ctx context.Context, userIDs []int, ev envelope.Event) error {
	frame, err := envelope.Encode(ev)
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, n.routingKey, PushRequest{
		UserIDs:    userIDs,
		ChatID:     ev.ChatID(),
		Event:      ev.Name(),
		Payload:    ev,
		Envelope:   frame,
		OccurredAt: n.now().UTC().Format(time.RFC3339Nano),
	}, nil)
}
