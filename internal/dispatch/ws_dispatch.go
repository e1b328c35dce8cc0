package dispatch

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrNoSession is returned when the target has no live WebSocket.
var ErrNoSession = errors.New("no ws session")

// WSSession wraps one connected socket; gorilla connections do not allow
// concurrent writers, so sends serialize on the mutex.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// WSRegistry holds live subscriber sessions keyed by target id and
// doubles as the WebSocket Sender.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry {
	return &WSRegistry{sessions: make(map[string]*WSSession)}
}

func (r *WSRegistry) Add(targetID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[targetID]; ok {
		_ = old.conn.Close()
	}
	r.sessions[targetID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(targetID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[targetID]; ok {
		_ = s.conn.Close()
		delete(r.sessions, targetID)
	}
}

func (r *WSRegistry) Notify(targetID string, payload any) error {
	r.mu.RLock()
	s, ok := r.sessions[targetID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(payload)
}
