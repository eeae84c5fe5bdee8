package notify

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/picturas/orchestrator/core/infra/logging"
	"github.com/picturas/orchestrator/core/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth sits in front of the orchestrator; the hub takes any origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

type hubClient struct {
	userID string
	ch     chan []byte
}

// Hub fans per-user bus updates out to that user's open websockets. Slow
// clients are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*hubClient
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]*hubClient)}
}

// HandleUpdate is the bus handler for client.*.updates: it relays the raw
// note payload to every socket registered for the subject's user.
func (h *Hub) HandleUpdate(subject string, data []byte) error {
	userID := protocol.UserFromClientSubject(subject)
	if userID == "" {
		return nil
	}

	var slow []*websocket.Conn
	h.mu.RLock()
	for conn, c := range h.clients {
		if c.userID != userID {
			continue
		}
		select {
		case c.ch <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	if len(slow) > 0 {
		h.mu.Lock()
		for _, conn := range slow {
			delete(h.clients, conn)
		}
		h.mu.Unlock()
		for _, conn := range slow {
			if err := conn.Close(); err != nil {
				logging.Error("NOTIFY", "slow client close failed", "err", err)
			}
		}
	}
	return nil
}

// ServeWS upgrades an HTTP request to a websocket subscribed to one user's
// notes. The user is named by the "user" query parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "missing user", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("NOTIFY", "ws upgrade failed", "err", err)
		return
	}
	defer ws.Close()
	logging.Info("NOTIFY", "ws connected", "user", userID, "remote", r.RemoteAddr)

	client := &hubClient{userID: userID, ch: make(chan []byte, 64)}
	h.mu.Lock()
	h.clients[ws] = client
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, ws)
		h.mu.Unlock()
	}()

	// Discard inbound frames so pings and closes are processed. The read
	// pump is also the disconnect detector: when it exits, the write loop
	// must stop and deregister instead of waiting for the next note.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-client.ch:
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

// ClientCount reports the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
