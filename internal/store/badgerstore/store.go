package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// Store persists messages and presence in BadgerDB.
//
// Key layout:
//
//	msg:{id}                        -> JSON message
//	room:{room}:{unix_nano_19}:{id} -> id, for chronological room scans
//	user:{username}                 -> JSON user
type Store struct {
	db     *badger.DB
	log    *slog.Logger
	now    func() time.Time
	closed atomic.Bool
}

// Open opens (or creates) a Badger database in dir.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("badger directory is required")
	}
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{log: log.With("component", "badger")}).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return New(db, log), nil
}

// New wraps an already opened database.
func New(db *badger.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, now: time.Now}
}

func messageKey(id string) []byte { return []byte("msg:" + id) }

func userKey(username string) []byte { return []byte("user:" + username) }

func roomPrefix(room string) string { return "room:" + room + ":" }

// roomKey pads the timestamp to 19 digits so lexicographic order is chronological.
func roomKey(msg chat.Message) []byte {
	return []byte(fmt.Sprintf("%s%019d:%s", roomPrefix(msg.Room), msg.CreatedAt.UnixNano(), msg.ID))
}

// CreateMessage persists the message and its room index entry in one transaction.
func (s *Store) CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	msg, err := in.Build(s.now())
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.ready(ctx); err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: err}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: err}
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(msg.ID), data); err != nil {
			return err
		}
		return txn.Set(roomKey(msg), []byte(msg.ID))
	})
	if err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: err}
	}
	return msg, nil
}

// MarkRead sets read on the stored message. Unknown or malformed ids report false.
func (s *Store) MarkRead(ctx context.Context, messageID, reader string) (bool, error) {
	if _, err := uuid.Parse(messageID); err != nil {
		return false, nil
	}
	if err := s.ready(ctx); err != nil {
		return false, &chat.PersistenceError{Op: "mark read", Err: err}
	}

	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(messageID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var msg chat.Message
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return err
		}
		found = true
		if msg.Read {
			return nil
		}
		msg.Read = true
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return txn.Set(messageKey(messageID), data)
	})
	if err != nil {
		return false, &chat.PersistenceError{Op: "mark read", Err: err}
	}
	if found {
		s.log.Debug("message marked read", "messageID", messageID, "reader", reader)
	}
	return found, nil
}

// SavePresence upserts the user record.
func (s *Store) SavePresence(ctx context.Context, user chat.User) error {
	if user.Username == "" {
		return chat.Required("username")
	}
	if err := s.ready(ctx); err != nil {
		return &chat.PersistenceError{Op: "save presence", Err: err}
	}
	data, err := json.Marshal(user)
	if err != nil {
		return &chat.PersistenceError{Op: "save presence", Err: err}
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(user.Username), data)
	}); err != nil {
		return &chat.PersistenceError{Op: "save presence", Err: err}
	}
	return nil
}

// User loads the presence record for username.
func (s *Store) User(ctx context.Context, username string) (chat.User, bool, error) {
	if err := s.ready(ctx); err != nil {
		return chat.User{}, false, &chat.PersistenceError{Op: "get user", Err: err}
	}
	var user chat.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(username))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &user)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, &chat.PersistenceError{Op: "get user", Err: err}
	}
	return user, true, nil
}

// ListMessages scans the room index backwards from the newest entry and
// returns at most limit messages, oldest first.
func (s *Store) ListMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	if err := s.ready(ctx); err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}

	var out []chat.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(roomPrefix(room))
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xff)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(out) == limit {
				break
			}
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			item, err := txn.Get(messageKey(string(id)))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var msg chat.Message
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			// Room names containing ':' share prefixes with shorter names.
			if msg.Room != room {
				continue
			}
			out = append(out, msg)
		}
		return nil
	})
	if err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready(ctx context.Context) error {
	if s.closed.Load() {
		return chat.ErrStoreClosed
	}
	return ctx.Err()
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
