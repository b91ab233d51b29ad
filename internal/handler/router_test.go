package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zhouzirui/chatrelay/backend/internal/config"
	"github.com/zhouzirui/chatrelay/backend/internal/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/service/broker"
	"github.com/zhouzirui/chatrelay/backend/internal/service/room"
	"github.com/zhouzirui/chatrelay/backend/internal/service/session"
	"github.com/zhouzirui/chatrelay/backend/internal/store/memory"
)

func setupRouter(t *testing.T, origins ...string) http.Handler {
	t.Helper()
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	policy, _ := middleware.NewOriginPolicy(origins)
	router, _ := NewRouter(Deps{
		Dispatcher: broker.New(session.NewRegistry(), room.NewRouter(log), st, log),
		History:    st,
		Origins:    policy,
		Server:     config.ServerConfig{MaxMessageSize: 4096, SendBuffer: 8, HistoryLimit: 50},
		Log:        log,
	})
	return router
}

func TestRootLiveness(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Body.String() != "Chat server running" {
		t.Fatalf("unexpected body %q", resp.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAPIRoutesMounted(t *testing.T) {
	r := setupRouter(t)

	for _, path := range []string{"/api/users/online", "/api/rooms/global/messages"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		r.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestCORSHeaderForAllowedOrigin(t *testing.T) {
	r := setupRouter(t, "http://localhost:3000")

	req := httptest.NewRequest(http.MethodGet, "/api/users/online", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for plain GET, got %d", resp.Code)
	}
}
