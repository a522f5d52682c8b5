package httpapi

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agsys/rigpanel/internal/notice"
)

// hub streams bus notices to WebSocket clients. Each client gets its own
// subscription, so a slow browser only drops its own notices.
type hub struct {
	bus      *notice.Bus
	config   Config
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

func newHub(bus *notice.Bus, config Config) *hub {
	h := &hub{
		bus:     bus,
		config:  config,
		clients: make(map[*websocket.Conn]struct{}),
	}
	h.upgrader.CheckOrigin = h.checkOrigin
	return h
}

// checkOrigin allows same-origin requests and any configured CORS origin
func (h *hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.CORSOrigins) == 0 {
		return true
	}
	for _, o := range h.config.CORSOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	if !h.add(conn) {
		conn.Close()
		return
	}
	defer h.remove(conn)

	sub := h.bus.Subscribe("ws:" + r.RemoteAddr)
	defer sub.Close()

	done := make(chan struct{})
	go h.readLoop(conn, done)
	h.writeLoop(conn, sub, done)
}

// readLoop discards client frames and signals when the client goes away
func (h *hub) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * h.config.PingInterval))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) writeLoop(conn *websocket.Conn, sub *notice.Subscription, done chan struct{}) {
	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case n, ok := <-sub.C:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteJSON(n); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
	conn.Close()
}

// close disconnects every client. Hijacked connections are not tracked by
// http.Server.Shutdown.
func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
	}
}
