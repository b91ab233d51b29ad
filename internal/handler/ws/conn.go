package ws

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

// connection is one websocket client. Only writePump writes to the socket.
type connection struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func newConnection(id string, ws *websocket.Conn, buffer int, log *slog.Logger) *connection {
	return &connection{
		id:   id,
		ws:   ws,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
		log:  log.With("connID", id),
	}
}

func (c *connection) ID() string { return c.id }

// Send queues a frame without blocking.
func (c *connection) Send(data []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	default:
		return errSendFull
	}
}

// Close stops the write pump, which sends a close frame and closes the socket.
func (c *connection) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *connection) setupRead(limit int64) {
	c.ws.SetReadLimit(limit)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("set read deadline", "error", err)
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn("write failed", "error", err)
				}
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
