package chat

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/pkg/utils"
)

const maxHistoryLimit = 200

// History reads persisted room messages.
type History interface {
	ListMessages(ctx context.Context, room string, limit int) ([]chat.Message, error)
}

// Presence reports who is currently connected.
type Presence interface {
	OnlineUsers() []string
}

// Handler 聊天历史与在线用户的HTTP处理器
type Handler struct {
	history      History
	presence     Presence
	defaultLimit int
	log          *slog.Logger
}

// New 创建聊天处理器
func New(history History, presence Presence, defaultLimit int, log *slog.Logger) *Handler {
	if defaultLimit <= 0 || defaultLimit > maxHistoryLimit {
		defaultLimit = 50
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		history:      history,
		presence:     presence,
		defaultLimit: defaultLimit,
		log:          log,
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/rooms/{room}/messages", h.handleListMessages)
	r.Get("/users/online", h.handleOnlineUsers)
}

type historyResponse struct {
	Room     string         `json:"room"`
	Messages []chat.Message `json:"messages"`
}

// handleListMessages 返回房间内最近的消息，按时间升序
func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(chi.URLParam(r, "room"))
	if room == "" {
		utils.RespondError(w, http.StatusBadRequest, "room is required")
		return
	}

	limit := h.defaultLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			utils.RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	msgs, err := h.history.ListMessages(r.Context(), room, limit)
	if err != nil {
		h.log.Error("list messages failed", "room", room, "error", err)
		utils.RespondError(w, http.StatusServiceUnavailable, "message history unavailable")
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}

	utils.RespondJSON(w, http.StatusOK, historyResponse{Room: room, Messages: msgs})
}

// handleOnlineUsers 返回当前在线的用户名
func (h *Handler) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	users := h.presence.OnlineUsers()
	if users == nil {
		users = []string{}
	}
	utils.RespondJSON(w, http.StatusOK, map[string][]string{"users": users})
}
