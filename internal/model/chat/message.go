package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRoom is the well-known room every connection belongs to.
const DefaultRoom = "global"

// Message is a persisted chat line. ID and CreatedAt are assigned by the store.
type Message struct {
	ID        string    `json:"id"`
	Room      string    `json:"room"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// NewMessage carries the caller-supplied fields of a message before creation.
type NewMessage struct {
	Room string
	From string
	To   string
	Text string
}

// Build validates the caller fields and stamps a fresh id and createdAt.
// Stores call it exactly once per message.
func (m NewMessage) Build(now time.Time) (Message, error) {
	room := strings.TrimSpace(m.Room)
	from := strings.TrimSpace(m.From)
	if room == "" {
		return Message{}, Required("room")
	}
	if from == "" {
		return Message{}, Required("from")
	}
	return Message{
		ID:        uuid.NewString(),
		Room:      room,
		From:      from,
		To:        strings.TrimSpace(m.To),
		Text:      m.Text,
		CreatedAt: now.UTC(),
	}, nil
}
