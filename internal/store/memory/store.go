package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// Store keeps messages and presence in process memory. Suitable for
// development and tests; nothing survives a restart.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*chat.Message
	order    []string
	users    map[string]chat.User
	closed   bool
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		messages: make(map[string]*chat.Message),
		users:    make(map[string]chat.User),
	}
}

// CreateMessage validates and appends a message.
func (s *Store) CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: err}
	}
	msg, err := in.Build(time.Now())
	if err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: chat.ErrStoreClosed}
	}

	s.messages[msg.ID] = &msg
	s.order = append(s.order, msg.ID)
	return msg, nil
}

// MarkRead sets read on the message with the given id.
func (s *Store) MarkRead(_ context.Context, messageID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, &chat.PersistenceError{Op: "mark read", Err: chat.ErrStoreClosed}
	}

	msg, ok := s.messages[messageID]
	if !ok {
		return false, nil
	}
	msg.Read = true
	return true, nil
}

// SavePresence upserts the user record.
func (s *Store) SavePresence(_ context.Context, user chat.User) error {
	if user.Username == "" {
		return chat.Required("username")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &chat.PersistenceError{Op: "save presence", Err: chat.ErrStoreClosed}
	}
	s.users[user.Username] = user
	return nil
}

// User returns the stored presence record for username.
func (s *Store) User(username string) (chat.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	return u, ok
}

// ListMessages returns the newest limit messages of room in creation order.
func (s *Store) ListMessages(_ context.Context, room string, limit int) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []chat.Message
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		msg := s.messages[s.order[i]]
		if msg.Room == room {
			out = append(out, *msg)
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Close marks the store unusable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
