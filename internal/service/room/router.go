package room

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// Connection is a live client endpoint the router can deliver frames to.
// Send must not block; it fails when the client cannot accept more data.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type set map[string]struct{}

// Router owns room membership and fans events out to connections.
type Router struct {
	mu    sync.RWMutex
	conns map[string]Connection
	rooms map[string]set
	log   *slog.Logger
}

// NewRouter returns an empty router.
func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		conns: make(map[string]Connection),
		rooms: make(map[string]set),
		log:   log,
	}
}

// Attach makes conn reachable by global broadcasts and places it in the
// default room.
func (r *Router) Attach(conn Connection) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.addLocked(conn.ID(), chat.DefaultRoom)
	count := len(r.conns)
	r.mu.Unlock()

	r.log.Debug("connection attached", "connID", conn.ID(), "connections", count)
}

// Detach removes the connection from every room and from global delivery.
// It reports whether the connection was attached.
func (r *Router) Detach(connID string) bool {
	r.mu.Lock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	r.leaveAllLocked(connID)
	count := len(r.conns)
	r.mu.Unlock()

	if ok {
		r.log.Debug("connection detached", "connID", connID, "connections", count)
	}
	return ok
}

// JoinRoom adds connID to roomName, creating the room on first use.
func (r *Router) JoinRoom(connID, roomName string) error {
	name := strings.TrimSpace(roomName)
	if name == "" {
		return chat.Required("room")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connID]; !ok {
		return fmt.Errorf("join room %q: connection %s is not attached", name, connID)
	}
	r.addLocked(connID, name)
	return nil
}

// LeaveAll removes connID from every room it belongs to.
func (r *Router) LeaveAll(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveAllLocked(connID)
}

// Members returns the connection ids currently in roomName.
func (r *Router) Members(roomName string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.rooms[roomName])
}

// Rooms lists the rooms connID belongs to.
func (r *Router) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for name, members := range r.rooms {
		if _, ok := members[connID]; ok {
			out = append(out, name)
		}
	}
	return out
}

// Broadcast delivers event to every connection in roomName at call time,
// skipping exclude when it is non-empty. It returns the number of recipients
// the frame was handed to. An empty or unknown room is a no-op.
func (r *Router) Broadcast(roomName, event string, payload any, exclude string) (int, error) {
	frame, err := encode(event, payload)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	members := r.rooms[roomName]
	targets := make([]Connection, 0, len(members))
	for id := range members {
		if id == exclude {
			continue
		}
		if conn, ok := r.conns[id]; ok {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	return r.deliver(targets, frame, event), nil
}

// BroadcastAll delivers event to every attached connection.
func (r *Router) BroadcastAll(event string, payload any) (int, error) {
	frame, err := encode(event, payload)
	if err != nil {
		return 0, err
	}

	r.mu.RLock()
	targets := lo.Values(r.conns)
	r.mu.RUnlock()

	return r.deliver(targets, frame, event), nil
}

func (r *Router) deliver(targets []Connection, frame []byte, event string) int {
	var failed []Connection
	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(frame); err != nil {
			failed = append(failed, conn)
			continue
		}
		delivered++
	}

	for _, conn := range failed {
		r.log.Warn("dropping slow connection", "connID", conn.ID(), "event", event)
		r.Detach(conn.ID())
		if err := conn.Close(); err != nil {
			r.log.Debug("close after failed send", "connID", conn.ID(), "error", err)
		}
	}
	return delivered
}

func (r *Router) addLocked(connID, roomName string) {
	members, ok := r.rooms[roomName]
	if !ok {
		members = make(set)
		r.rooms[roomName] = members
	}
	members[connID] = struct{}{}
}

func (r *Router) leaveAllLocked(connID string) {
	for name, members := range r.rooms {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, name)
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	frame, err := json.Marshal(chat.Envelope{Event: event, Data: data})
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", event, err)
	}
	return frame, nil
}
