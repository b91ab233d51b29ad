//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/store/badgerstore"
	"github.com/zhouzirui/chatrelay/backend/internal/store/memory"
	"github.com/zhouzirui/chatrelay/backend/internal/store/sqlite"
)

// Store is the durable record of chat messages and presence.
type Store interface {
	// CreateMessage assigns id and createdAt and persists the message.
	CreateMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
	// MarkRead flips read on the message. It reports false for unknown ids.
	MarkRead(ctx context.Context, messageID, reader string) (bool, error)
	// SavePresence upserts the user record; the last write wins.
	SavePresence(ctx context.Context, user chat.User) error
	// ListMessages returns up to limit of the newest messages in room, oldest first.
	ListMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
	Close() error
}

// Open selects a backend from a URL of the form scheme://location.
// Supported schemes are badger, sqlite and memory.
func Open(rawURL string, log *slog.Logger) (Store, error) {
	scheme, location, ok := strings.Cut(strings.TrimSpace(rawURL), "://")
	if !ok {
		return nil, fmt.Errorf("invalid store url %q: missing scheme", rawURL)
	}

	switch strings.ToLower(scheme) {
	case "memory":
		return memory.New(), nil
	case "badger":
		s, err := badgerstore.Open(location, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(location)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported store scheme %q", scheme)
	}
}
