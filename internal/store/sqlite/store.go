// Package sqlite provides a SQLite-backed chat store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/store/sqlite/migrations"
)

// Store persists messages and presence in SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite database at path and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CreateMessage inserts one message row.
func (s *Store) CreateMessage(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	msg, err := in.Build(s.now())
	if err != nil {
		return chat.Message{}, err
	}
	// Stored at millisecond precision; return what a later read would see.
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO messages (id, room, sender, recipient, body, created_at, is_read)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		msg.ID, msg.Room, msg.From, msg.To, msg.Text, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return chat.Message{}, &chat.PersistenceError{Op: "create message", Err: err}
	}
	return msg, nil
}

// MarkRead sets read on the message. A missing row reports false.
func (s *Store) MarkRead(ctx context.Context, messageID, _ string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE messages SET is_read = 1 WHERE id = ?`, messageID)
	if err != nil {
		return false, &chat.PersistenceError{Op: "mark read", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, &chat.PersistenceError{Op: "mark read", Err: err}
	}
	return n > 0, nil
}

// SavePresence upserts the user row.
func (s *Store) SavePresence(ctx context.Context, user chat.User) error {
	if user.Username == "" {
		return chat.Required("username")
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO users (username, online, connection_id) VALUES (?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET online = excluded.online, connection_id = excluded.connection_id`,
		user.Username, boolToInt(user.Online), user.ConnectionID,
	)
	if err != nil {
		return &chat.PersistenceError{Op: "save presence", Err: err}
	}
	return nil
}

// User loads the presence row for username.
func (s *Store) User(ctx context.Context, username string) (chat.User, bool, error) {
	var (
		user   chat.User
		online int
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT username, online, connection_id FROM users WHERE username = ?`, username,
	).Scan(&user.Username, &online, &user.ConnectionID)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.User{}, false, nil
	}
	if err != nil {
		return chat.User{}, false, &chat.PersistenceError{Op: "get user", Err: err}
	}
	user.Online = online != 0
	return user, true, nil
}

// ListMessages returns up to limit of the newest messages in room, oldest first.
func (s *Store) ListMessages(ctx context.Context, room string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, room, sender, recipient, body, created_at, is_read FROM (
		   SELECT rowid AS seq, * FROM messages WHERE room = ? ORDER BY created_at DESC, seq DESC LIMIT ?
		 ) ORDER BY created_at ASC, seq ASC`,
		room, limit,
	)
	if err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var (
			msg       chat.Message
			createdAt int64
			read      int
		)
		if err := rows.Scan(&msg.ID, &msg.Room, &msg.From, &msg.To, &msg.Text, &createdAt, &read); err != nil {
			return nil, &chat.PersistenceError{Op: "list messages", Err: err}
		}
		msg.CreatedAt = fromMillis(createdAt)
		msg.Read = read != 0
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, &chat.PersistenceError{Op: "list messages", Err: err}
	}
	return out, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
