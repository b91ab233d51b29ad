package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/chatrelay/backend/internal/middleware"
	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
	"github.com/zhouzirui/chatrelay/backend/internal/service/broker"
)

// Options tunes per-connection limits.
type Options struct {
	MaxMessageSize int64
	SendBuffer     int
}

// Handler upgrades HTTP requests to websocket connections and feeds their
// frames to the dispatcher, one frame at a time per connection.
type Handler struct {
	dispatcher *broker.Dispatcher
	upgrader   websocket.Upgrader
	opts       Options
	log        *slog.Logger

	mu    sync.Mutex
	conns map[string]*connection
	wg    sync.WaitGroup
}

// New creates a websocket handler. Handshakes are checked against origins.
func New(d *broker.Dispatcher, origins *middleware.OriginPolicy, opts Options, log *slog.Logger) *Handler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 4096
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "websocket")
	return &Handler{
		dispatcher: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if origins.CheckOrigin(r) {
					return true
				}
				log.Warn("blocked handshake from disallowed origin", "origin", r.Header.Get("Origin"))
				return false
			},
		},
		opts:  opts,
		log:   log,
		conns: make(map[string]*connection),
	}
}

// RegisterRoutes mounts the websocket endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.NewString(), ws, h.opts.SendBuffer, h.log)
	h.track(c)
	defer h.untrack(c)

	c.log.Info("connection opened", "remote", r.RemoteAddr)
	h.dispatcher.Connect(c)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()

	h.readLoop(r.Context(), c)

	_ = c.Close()
	if _, _, err := h.dispatcher.Disconnect(context.WithoutCancel(r.Context()), c.id); err != nil {
		c.log.Warn("disconnect cleanup failed", "error", err)
	}
	c.log.Info("connection closed")
}

// readLoop processes frames in arrival order until the socket fails, the
// connection is closed, or a handler panics.
func (h *Handler) readLoop(ctx context.Context, c *connection) {
	c.setupRead(h.opts.MaxMessageSize)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.log.Warn("frame exceeded size limit", "limit", h.opts.MaxMessageSize)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				c.log.Warn("read failed", "error", err)
			default:
				c.log.Debug("read ended", "error", err)
			}
			return
		}
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		var env chat.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("invalid frame", "error", err)
			continue
		}
		if err := h.dispatch(ctx, c, env); err != nil && isPanic(err) {
			c.log.Error("handler panic, closing connection", "error", err)
			return
		}
	}
}

type panicError struct {
	event string
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic while handling %q: %v", e.event, e.value)
}

func isPanic(err error) bool {
	var p *panicError
	return errors.As(err, &p)
}

func (h *Handler) dispatch(ctx context.Context, c *connection, env chat.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{event: env.Event, value: r}
		}
	}()
	return h.dispatcher.Dispatch(ctx, c.id, env)
}

func (h *Handler) track(c *connection) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Handler) untrack(c *connection) {
	h.mu.Lock()
	delete(h.conns, c.id)
	h.mu.Unlock()
}

// ConnectionCount reports the number of open websocket connections.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every open connection and waits for their write pumps.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for _, c := range h.conns {
		_ = c.Close()
	}
	count := len(h.conns)
	h.mu.Unlock()
	h.log.Info("closing websocket connections", "count", count)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
