package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chatrelay/backend/internal/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/broker"
	"github.com/zhouzirui/chatrelay/backend/internal/service/room"
	"github.com/zhouzirui/chatrelay/backend/internal/service/session"
	"github.com/zhouzirui/chatrelay/backend/internal/store/memory"
)

func setupServer(t *testing.T, origins ...string) (*httptest.Server, *Handler, *memory.Store) {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	d := broker.New(session.NewRegistry(), room.NewRouter(log), st, log)
	policy, _ := middleware.NewOriginPolicy(origins)
	h := New(d, policy, Options{MaxMessageSize: 4096, SendBuffer: 16}, log)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Shutdown(ctx)
		srv.Close()
	})
	return srv, h, st
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal err: %v", err)
	}
	if err := conn.WriteJSON(chat.Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write err: %v", err)
	}
}

// await reads frames until one with the given event arrives and decodes it.
func await(t *testing.T, conn *websocket.Conn, event string, out any) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set deadline err: %v", err)
		}
		var env chat.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %q err: %v", event, err)
		}
		if env.Event != event {
			continue
		}
		if out != nil {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("decode %q err: %v", event, err)
			}
		}
		return
	}
}

func TestChatScenarioOverWebSocket(t *testing.T) {
	srv, _, st := setupServer(t)
	alice := dial(t, srv)
	bob := dial(t, srv)

	var presence chat.PresenceEvent
	emit(t, alice, chat.EventJoin, chat.JoinPayload{Username: "alice"})
	await(t, alice, chat.EventPresence, &presence)
	if presence.Username != "alice" || !presence.Online {
		t.Fatalf("unexpected presence %+v", presence)
	}

	emit(t, bob, chat.EventJoin, chat.JoinPayload{Username: "bob"})
	await(t, alice, chat.EventPresence, &presence)
	if presence.Username != "bob" {
		t.Fatalf("alice expected bob presence, got %+v", presence)
	}

	emit(t, alice, chat.EventJoinRoom, chat.JoinRoomPayload{Room: "r1"})
	emit(t, bob, chat.EventJoinRoom, chat.JoinRoomPayload{Room: "r1"})
	// Frames from one connection are handled in order, so once alice sees
	// bob typing in r1, bob's join-room has been applied.
	emit(t, bob, chat.EventTyping, chat.TypingPayload{Room: "r1", Username: "bob"})
	var typing chat.TypingEvent
	await(t, alice, chat.EventTyping, &typing)
	if typing.Username != "bob" {
		t.Fatalf("unexpected typing %+v", typing)
	}

	emit(t, alice, chat.EventChatMessage, chat.ChatMessagePayload{Room: "r1", Text: "hi", From: "alice"})
	var got chat.Message
	await(t, bob, chat.EventChatMessage, &got)
	if got.Text != "hi" || got.From != "alice" || got.Room != "r1" || got.ID == "" {
		t.Fatalf("unexpected message %+v", got)
	}
	await(t, alice, chat.EventChatMessage, nil)

	history, err := st.ListMessages(context.Background(), "r1", 10)
	if err != nil {
		t.Fatalf("list err: %v", err)
	}
	if len(history) != 1 || history[0].ID != got.ID {
		t.Fatalf("expected persisted message %s, got %+v", got.ID, history)
	}

	emit(t, bob, chat.EventReadMessage, chat.ReadMessagePayload{MessageID: got.ID, Username: "bob"})
	var receipt chat.MessageReadEvent
	await(t, alice, chat.EventMessageRead, &receipt)
	if receipt.MessageID != got.ID || receipt.Username != "bob" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestDisconnectAnnouncesOffline(t *testing.T) {
	srv, h, _ := setupServer(t)
	alice := dial(t, srv)
	bob := dial(t, srv)

	emit(t, alice, chat.EventJoin, chat.JoinPayload{Username: "alice"})
	await(t, alice, chat.EventPresence, nil)
	emit(t, bob, chat.EventJoin, chat.JoinPayload{Username: "bob"})
	await(t, alice, chat.EventPresence, nil)

	_ = bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = bob.Close()

	var presence chat.PresenceEvent
	await(t, alice, chat.EventPresence, &presence)
	if presence.Username != "bob" || presence.Online {
		t.Fatalf("expected bob offline, got %+v", presence)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.ConnectionCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 1 open connection, got %d", h.ConnectionCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvalidFramesDoNotCloseConnection(t *testing.T) {
	srv, _, _ := setupServer(t)
	conn := dial(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write err: %v", err)
	}
	emit(t, conn, "shout", map[string]string{"text": "hey"})
	emit(t, conn, chat.EventJoin, chat.JoinPayload{Username: ""})
	emit(t, conn, chat.EventJoin, chat.JoinPayload{Username: "carol"})

	var presence chat.PresenceEvent
	await(t, conn, chat.EventPresence, &presence)
	if presence.Username != "carol" {
		t.Fatalf("expected carol presence, got %+v", presence)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	srv, _, _ := setupServer(t)
	conn := dial(t, srv)

	big := strings.Repeat("x", 8192)
	emit(t, conn, chat.EventChatMessage, chat.ChatMessagePayload{Text: big, From: "alice"})

	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set deadline err: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig, websocket.CloseNormalClosure) {
				return
			}
			if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
				t.Fatalf("connection stayed open after oversized frame")
			}
			return
		}
	}
}

func TestDisallowedOriginRejected(t *testing.T) {
	srv, _, _ := setupServer(t, "https://chat.example.com")
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}

	header.Set("Origin", "https://chat.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("allowed origin dial err: %v", err)
	}
	_ = conn.Close()
}

func TestSendFailsWhenBufferFull(t *testing.T) {
	c := &connection{id: "c1", send: make(chan []byte, 1), done: make(chan struct{}), log: slog.Default()}

	if err := c.Send([]byte("a")); err != nil {
		t.Fatalf("first send err: %v", err)
	}
	if err := c.Send([]byte("b")); err != errSendFull {
		t.Fatalf("expected errSendFull, got %v", err)
	}
	_ = c.Close()
	_ = c.Close()
	if err := c.Send([]byte("c")); err != errConnClosed {
		t.Fatalf("expected errConnClosed, got %v", err)
	}
}
