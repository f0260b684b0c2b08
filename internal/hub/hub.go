package hub

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cadmusapp/cadmus/backend/internal/document"
	syncp "github.com/cadmusapp/cadmus/backend/internal/sync"
)

// DefaultHeartbeat is the interval between liveness messages on every
// subscription. A client that sees nothing for two intervals should treat the
// stream as dead.
const DefaultHeartbeat = 15 * time.Second

const sendBuffer = 64

// SessionState tracks a subscription's lifecycle. Closed is terminal; a
// reconnect creates a fresh session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateOpen
	StateClosed
)

// Session is one live subscription. Its channel is written only by the hub
// and closed exactly once, on unregister.
type Session struct {
	ID       string
	ClientID string

	send  chan syncp.Notification
	state atomic.Int32
}

// Notifications is the session's push channel. It closes when the session is
// unregistered or replaced.
func (s *Session) Notifications() <-chan syncp.Notification {
	return s.send
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

type message struct {
	note    syncp.Notification
	exclude string
}

// Hub owns the set of live sessions for the shared document and fans accepted
// edits out to all of them except the originator. Delivery to one session
// never blocks the others: a session whose buffer is full is dropped.
type Hub struct {
	store *document.Store
	docID string

	register   chan *Session
	unregister chan *Session
	broadcast  chan message

	heartbeat time.Duration
	stop      chan struct{}

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewHub(store *document.Store, docID string, heartbeat time.Duration) *Hub {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Hub{
		store:      store,
		docID:      docID,
		register:   make(chan *Session),
		unregister: make(chan *Session),
		broadcast:  make(chan message),
		heartbeat:  heartbeat,
		stop:       make(chan struct{}),
		sessions:   make(map[string]*Session),
	}
}

// Run processes registrations, broadcasts, and heartbeats until Stop is
// called. Only this loop closes session channels.
func (h *Hub) Run() {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case s := <-h.register:
			// Snapshot and registration happen on this goroutine, the same
			// one that delivers broadcasts, so no accepted edit can slip
			// between the connected message and the session joining the map.
			content, version, err := h.store.Snapshot(h.docID)
			if err != nil {
				log.Printf("Session %s rejected, snapshot failed: %v", s.ID, err)
				close(s.send)
				s.setState(StateClosed)
				continue
			}
			s.send <- syncp.Notification{
				Type:      syncp.NotifyConnected,
				Content:   content,
				Version:   version,
				ClientID:  s.ClientID,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}
			h.mu.Lock()
			if old, ok := h.sessions[s.ID]; ok && old != s {
				// Reconnect with the same session id replaces the stale one.
				close(old.send)
				old.setState(StateClosed)
			}
			h.sessions[s.ID] = s
			count := len(h.sessions)
			h.mu.Unlock()
			s.setState(StateOpen)
			log.Printf("Session %s subscribed (total: %d)", s.ID, count)

		case s := <-h.unregister:
			h.mu.Lock()
			if cur, ok := h.sessions[s.ID]; ok && cur == s {
				delete(h.sessions, s.ID)
				close(s.send)
				s.setState(StateClosed)
				log.Printf("Session %s unsubscribed (remaining: %d)", s.ID, len(h.sessions))
			}
			h.mu.Unlock()

		case m := <-h.broadcast:
			h.deliver(m)

		case <-ticker.C:
			h.deliver(message{note: syncp.Notification{
				Type:      syncp.NotifyHeartbeat,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			}})

		case <-h.stop:
			h.mu.Lock()
			for id, s := range h.sessions {
				close(s.send)
				s.setState(StateClosed)
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver pushes a notification to every session except the excluded client.
// A full send buffer means the consumer is dead or stalled; it gets dropped
// rather than holding up everyone else.
func (h *Hub) deliver(m message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, s := range h.sessions {
		if m.exclude != "" && s.ClientID == m.exclude {
			continue
		}
		select {
		case s.send <- m.note:
		default:
			delete(h.sessions, id)
			close(s.send)
			s.setState(StateClosed)
			log.Printf("Session %s dropped (send buffer full)", id)
		}
	}
}

// Subscribe registers a session with the run loop, which snapshots the
// document and queues the connected message as the session's first delivery.
// A sessionID already in use is taken over by the new session.
func (h *Hub) Subscribe(sessionID, clientID string) (*Session, error) {
	s := &Session{
		ID:       sessionID,
		ClientID: clientID,
		send:     make(chan syncp.Notification, sendBuffer),
	}
	s.setState(StateConnecting)

	select {
	case h.register <- s:
		return s, nil
	case <-h.stop:
		return nil, errors.New("hub is stopped")
	}
}

// Unsubscribe removes a session. Idempotent; a session replaced by a
// reconnect is left alone.
func (h *Hub) Unsubscribe(s *Session) {
	select {
	case h.unregister <- s:
	case <-h.stop:
	}
}

// Publish fans a notification out to every session except the originating
// client, which already has local confirmation.
func (h *Hub) Publish(n syncp.Notification, excludeClientID string) {
	if n.Timestamp == "" {
		n.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	select {
	case h.broadcast <- message{note: n, exclude: excludeClientID}:
	case <-h.stop:
	}
}

func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}
