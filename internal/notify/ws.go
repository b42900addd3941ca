package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrNoSession = errors.New("no ws session")

const writeWait = 5 * time.Second

// WSSession is one connected client (technician app or requester app).
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

// WSRegistry holds sessions keyed by participant id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for id, closing any previous connection of the same participant.
func (r *WSRegistry) Add(id string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	prev := r.sessions[id]
	r.sessions[id] = s
	r.mu.Unlock()
	if prev != nil {
		_ = prev.conn.Close()
	}
	return s
}

// Remove drops the session only if it is still the registered one.
func (r *WSRegistry) Remove(id string, s *WSSession) {
	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	_ = s.conn.Close()
}

func (r *WSRegistry) send(id string, msg Message) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(msg)
}

func (r *WSRegistry) NotifyOffer(_ context.Context, n OfferNotice) error {
	return r.send(n.Offer.TechnicianID, Message{Type: TypeOffer, Payload: n})
}

func (r *WSRegistry) NotifyRequester(_ context.Context, n StatusNotice) error {
	return r.send(n.RequesterID, Message{Type: TypeRequestStatus, Payload: n})
}
