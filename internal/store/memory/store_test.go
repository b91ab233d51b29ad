package memory_test

import (
	"context"
	"testing"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/store/memory"
)

func TestStoreCreateAndMarkRead(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	msg, err := s.CreateMessage(ctx, chat.NewMessage{Room: "global", From: "alice", Text: "hi"})
	if err != nil {
		t.Fatalf("CreateMessage err: %v", err)
	}
	if msg.ID == "" || msg.CreatedAt.IsZero() || msg.Read {
		t.Fatalf("unexpected message: %+v", msg)
	}

	ok, err := s.MarkRead(ctx, msg.ID, "bob")
	if err != nil || !ok {
		t.Fatalf("MarkRead = %v, %v", ok, err)
	}
	ok, err = s.MarkRead(ctx, "missing", "bob")
	if err != nil || ok {
		t.Fatalf("MarkRead missing = %v, %v", ok, err)
	}

	msgs, err := s.ListMessages(ctx, "global", 0)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Read {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestStoreListMessagesKeepsNewestInOrder(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for _, text := range []string{"one", "two", "three"} {
		if _, err := s.CreateMessage(ctx, chat.NewMessage{Room: "global", From: "alice", Text: text}); err != nil {
			t.Fatalf("CreateMessage err: %v", err)
		}
	}
	if _, err := s.CreateMessage(ctx, chat.NewMessage{Room: "ops", From: "bob", Text: "other"}); err != nil {
		t.Fatalf("CreateMessage err: %v", err)
	}

	msgs, err := s.ListMessages(ctx, "global", 2)
	if err != nil {
		t.Fatalf("ListMessages err: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "two" || msgs[1].Text != "three" {
		t.Fatalf("unexpected history: %+v", msgs)
	}
}

func TestStoreSavePresence(t *testing.T) {
	s := memory.New()
	if err := s.SavePresence(context.Background(), chat.User{}); !chat.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := s.SavePresence(context.Background(), chat.User{Username: "alice", Online: true}); err != nil {
		t.Fatalf("SavePresence err: %v", err)
	}
	if u, ok := s.User("alice"); !ok || !u.Online {
		t.Fatalf("unexpected user: %+v %v", u, ok)
	}
}

func TestStoreClosed(t *testing.T) {
	s := memory.New()
	_ = s.Close()

	_, err := s.CreateMessage(context.Background(), chat.NewMessage{Room: "global", From: "alice"})
	if !chat.IsPersistence(err) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}
