package chat

import "encoding/json"

// Inbound and outbound event names.
const (
	EventJoin        = "join"
	EventJoinRoom    = "join-room"
	EventChatMessage = "chat-message"
	EventTyping      = "typing"
	EventReadMessage = "read-message"
	EventPresence    = "presence"
	EventMessageRead = "message-read"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type JoinPayload struct {
	Username string `json:"username" validate:"required,max=64"`
}

type JoinRoomPayload struct {
	Room string `json:"room" validate:"required,max=128"`
}

type ChatMessagePayload struct {
	Room string `json:"room" validate:"max=128"`
	Text string `json:"text" validate:"max=4000"`
	From string `json:"from" validate:"required,max=64"`
	To   string `json:"to,omitempty" validate:"max=64"`
}

type TypingPayload struct {
	Room     string `json:"room" validate:"required,max=128"`
	Username string `json:"username" validate:"required,max=64"`
}

type ReadMessagePayload struct {
	MessageID string `json:"messageId" validate:"required"`
	Username  string `json:"username" validate:"required,max=64"`
}

// PresenceEvent is broadcast to every connection on join and disconnect.
type PresenceEvent struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// TypingEvent is broadcast to a room, excluding the typist.
type TypingEvent struct {
	Username string `json:"username"`
}

// MessageReadEvent is broadcast to every connection after a read receipt.
type MessageReadEvent struct {
	MessageID string `json:"messageId"`
	Username  string `json:"username"`
}
