package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventConnectionEstablished EventType = "connection.established"
	EventHeartbeat             EventType = "connection.heartbeat"

	EventSyncJoin    EventType = "sync.join"
	EventSyncJoined  EventType = "sync.joined"
	EventSyncCreate  EventType = "sync.create"
	EventSyncCreated EventType = "sync.created"
	EventSyncError   EventType = "sync.error"
	EventSyncStatus  EventType = "sync.status"

	EventPresence  EventType = "collaboration.presence"
	EventUpdate    EventType = "collaboration.update"
	EventOperation EventType = "collaboration.operation"

	EventChat EventType = "chat.message"

	EventExecutionStart  EventType = "execution.start"
	EventExecutionResult EventType = "execution.result"

	EventNotification EventType = "notification"
)

// Envelope wraps every message exchanged over the channel. The tag set is
// closed; receivers ignore unknown tags instead of failing.
type Envelope struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewEnvelope builds a timestamped envelope with a fresh message id.
func NewEnvelope(t EventType, payload interface{}) (Envelope, error) {
	env := Envelope{
		Type:      t,
		Timestamp: time.Now().UTC(),
		MessageID: uuid.NewString(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, fmt.Errorf("failed to serialize %s payload: %w", t, err)
		}
		env.Payload = data
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

const ErrCodeRoomNotFound = "room_not_found"

type JoinPayload struct {
	RoomID string `json:"roomId"`
}

// JoinedPayload is the server verdict on sync.join / sync.create.
type JoinedPayload struct {
	RoomID  string `json:"roomId"`
	Version int64  `json:"version"`
	Peers   []Peer `json:"peers"`
}

type SyncErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type SyncStatusPayload struct {
	Status SyncStatus `json:"status"`
}

// PresencePayload carries the full room roster; receivers diff it against
// their previous peer set to detect joins and leaves.
type PresencePayload struct {
	Peers []Peer `json:"peers"`
}

// UpdatePayload is a single-peer presence delta. Nil fields are "unchanged".
type UpdatePayload struct {
	UserID    string    `json:"userId"`
	Cursor    *Position `json:"cursor,omitempty"`
	Selection *Range    `json:"selection,omitempty"`
	IsTyping  *bool     `json:"isTyping,omitempty"`
}

type NotificationPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ExecutionResultPayload struct {
	UserID   string `json:"userId"`
	Output   string `json:"output"`
	ExitCode int    `json:"exitCode"`
}
