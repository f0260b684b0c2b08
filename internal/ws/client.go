package ws

import (
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cadmusapp/cadmus/backend/internal/hub"
	"github.com/cadmusapp/cadmus/backend/internal/ratelimit"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 64 * 1024
	messagesPerSecond = 100
	messageBurst      = 200
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client carries the notification stream for one websocket subscriber. Edit
// submissions go over HTTP; the socket is push-only, inbound frames are read
// for liveness and discarded.
type Client struct {
	conn        *websocket.Conn
	session     *hub.Session
	hub         *hub.Hub
	rateLimiter *ratelimit.Limiter
}

// Serve upgrades the connection and subscribes it to the broadcast hub. The
// clientId query parameter, when present, keys the session and excludes the
// client from broadcasts of its own edits.
func Serve(h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	sessionID := clientID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("Upgrade error:", err)
		return
	}

	session, err := h.Subscribe(sessionID, clientID)
	if err != nil {
		log.Printf("Subscribe error for %s: %v", sessionID, err)
		conn.Close()
		return
	}

	client := &Client{
		conn:        conn,
		session:     session,
		hub:         h,
		rateLimiter: ratelimit.NewLimiter(messagesPerSecond, messageBurst),
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains inbound frames so pongs and close frames are processed. A
// read error means the peer is gone and tears the session down.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	rateLimitWarnings := 0

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}
		if !c.rateLimiter.Allow() {
			rateLimitWarnings++
			if rateLimitWarnings%100 == 1 {
				log.Printf("Rate limit exceeded for session %s (warning #%d)",
					c.session.ID, rateLimitWarnings)
			}
			if rateLimitWarnings > 1000 {
				log.Printf("Disconnecting session %s for excessive rate limit violations", c.session.ID)
				return
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case n, ok := <-c.session.Notifications():
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(n); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
