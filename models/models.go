package models

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// EventKind is the value carried on the "event:" line of the wire format.
type EventKind string

const (
	EventConnected  EventKind = "connected"
	EventPing       EventKind = "ping"
	EventMessage    EventKind = "message"
	EventUserJoined EventKind = "user-joined"
	EventUserLeave  EventKind = "user-leave"
)

// Message payload subtypes for EventMessage.
const (
	MessageTypeNotification = "notification"
	MessageTypeCustom       = "custom"
)

// Envelope is one discrete server-to-client event. Immutable once
// constructed; never persisted.
type Envelope struct {
	ID        string          `json:"id"`
	Event     EventKind       `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WriteTo emits the envelope in the SSE text framing:
//
//	id: <opaque-id>
//	event: <kind>
//	data: <JSON object>
//	<blank line>
func (e *Envelope) WriteTo(w io.Writer) (int64, error) {
	n, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Event, e.Data)
	return int64(n), err
}

// ConnectedPayload is the data object of the initial "connected" envelope.
type ConnectedPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	Timestamp string `json:"timestamp"`
}

// PingPayload is the data object of heartbeat envelopes.
type PingPayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// MessagePayload is the data object of "message" envelopes, typed as
// notification or custom.
type MessagePayload struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	CreatedAt string `json:"createdAt"`
}

// UserPresencePayload is the data object of user-joined / user-leave
// broadcast envelopes.
type UserPresencePayload struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp string `json:"timestamp"`
}

// UserMessage is the broker payload on the per-user channel.
type UserMessage struct {
	UserID    string          `json:"userId"`
	EventType EventKind       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// BroadcastMessage is the broker payload on the broadcast channel.
type BroadcastMessage struct {
	EventType EventKind       `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// -- HTTP API surface --

type NotifyUserRequest struct {
	UserID    string `json:"userId"`
	Message   string `json:"message"`
	EventType string `json:"eventType,omitempty"`
}

type BroadcastRequest struct {
	Message   string `json:"message"`
	EventType string `json:"eventType,omitempty"`
}

type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type UsersData struct {
	Users []string `json:"users"`
	Count int      `json:"count"`
}
