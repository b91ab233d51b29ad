package session

import (
	"sort"
	"strings"
	"sync"

	"github.com/zhouzirui/chatrelay/backend/internal/model/chat"
)

// Registry tracks which connection currently speaks for which display name.
// It performs no I/O; callers emit the presence events.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*chat.Session
	byConn map[string]string
}

// JoinResult describes the outcome of a join. Released is set when the
// connection was previously bound to a different name, which is now offline.
type JoinResult struct {
	Session  chat.Session
	Released *chat.Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*chat.Session),
		byConn: make(map[string]string),
	}
}

// Join binds connID to displayName and marks the session online. A later join
// under the same name wins; the previous connection is orphaned and its
// disconnect no longer affects the session.
func (r *Registry) Join(connID, displayName string) (JoinResult, error) {
	name := strings.TrimSpace(displayName)
	if name == "" {
		return JoinResult{}, chat.Required("username")
	}
	if connID == "" {
		return JoinResult{}, chat.Required("connectionId")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var result JoinResult
	if prev, ok := r.byConn[connID]; ok && prev != name {
		if s, ok := r.byName[prev]; ok && s.ConnectionID == connID {
			s.Online = false
			s.ConnectionID = ""
			released := *s
			result.Released = &released
		}
	}

	s, ok := r.byName[name]
	if !ok {
		s = &chat.Session{DisplayName: name}
		r.byName[name] = s
	}
	if s.ConnectionID != "" && s.ConnectionID != connID {
		delete(r.byConn, s.ConnectionID)
	}
	s.ConnectionID = connID
	s.Online = true
	r.byConn[connID] = name

	result.Session = *s
	return result, nil
}

// Leave marks the session bound to connID offline and clears the binding.
// It reports false when the connection never joined or was orphaned.
func (r *Registry) Leave(connID string) (chat.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name, ok := r.byConn[connID]
	if !ok {
		return chat.Session{}, false
	}
	delete(r.byConn, connID)

	s, ok := r.byName[name]
	if !ok || s.ConnectionID != connID {
		return chat.Session{}, false
	}
	s.Online = false
	s.ConnectionID = ""
	return *s, true
}

// Lookup returns the session recorded for displayName.
func (r *Registry) Lookup(displayName string) (chat.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byName[strings.TrimSpace(displayName)]
	if !ok {
		return chat.Session{}, false
	}
	return *s, true
}

// NameFor returns the display name bound to connID, if any.
func (r *Registry) NameFor(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.byConn[connID]
	return name, ok
}

// Online lists the display names currently online, sorted.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name, s := range r.byName {
		if s.Online {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
