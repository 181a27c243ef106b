package observability

import "time"

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}

// SessionIdentity identifies one device session connection in ws events.
type SessionIdentity struct {
	ConnID      string
	SessionID   string
	UserID      int
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

// WSEvent builds the ws_events envelope for a session lifecycle change.
func WSEvent(name string, id SessionIdentity, reason string) EventEnvelope {
	duration := int64(0)
	if !id.ConnectedAt.IsZero() {
		duration = time.Since(id.ConnectedAt).Milliseconds()
	}
	return EventEnvelope{
		EventType: "ws_events",
		EventName: name,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        "session",
				"event":       name,
				"conn_id":     id.ConnID,
				"session_id":  id.SessionID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id": id.UserID,
				"ip":      id.IP,
			},
		},
	}
}

// WSRoutingKey is the AMQP routing key for session lifecycle events.
const WSRoutingKey = "ws_events.sessions"
