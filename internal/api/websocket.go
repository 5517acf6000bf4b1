package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// client is one connected WebSocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// hub fans out bus events to every connected WebSocket client.
// Grounded on the teacher's internal/api/websocket.go Hub/register/
// broadcast idiom, trimmed to a single global channel since the
// control surface has no per-channel subscription concept.
type hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	log     *zap.Logger

	registerCh chan *client
	unregister chan *client
	broadcastCh chan []byte
}

func newHub(log *zap.Logger) *hub {
	return &hub{
		clients:     make(map[*client]bool),
		log:         log,
		registerCh:  make(chan *client),
		unregister:  make(chan *client),
		broadcastCh: make(chan []byte, 256),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.registerCh:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcastCh:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// slow client, drop this message rather than block the hub
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *hub) register(conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan []byte, 64)}
	h.registerCh <- c
	go h.writePump(c)
	go h.readPump(c)
}

func (h *hub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
		// hub backlog full, drop rather than block the publisher
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
}

func (h *hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
