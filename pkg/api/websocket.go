package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chiral-network/transfer-core/pkg/eventbus"
)

// wsMessage is the envelope every push to a connected client uses, grounded
// on the teacher's WebSocketMessage shape.
type wsMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClient is one connected websocket client forwarding the event bus to
// itself, mirroring the teacher's WebSocketClient/Hub split.
type wsClient struct {
	conn *websocket.Conn
	send chan wsMessage
}

// wsHub fans every transfer event out to all connected clients.
type wsHub struct {
	mu      sync.RWMutex
	clients map[*wsClient]bool
	log     zerolog.Logger
}

func newWSHub(log zerolog.Logger) *wsHub {
	return &wsHub{clients: make(map[*wsClient]bool), log: log}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	close(c.send)
}

func (h *wsHub) broadcast(msg wsMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Warn().Msg("websocket client send buffer full, dropping message")
		}
	}
}

// pumpEvents subscribes to every transfer event on bus and forwards it to
// every connected client until ctx (the server's lifetime) is done.
func (h *wsHub) pumpEvents(bus *eventbus.Bus, stop <-chan struct{}) {
	sub := bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-stop:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			h.broadcast(wsMessage{Type: string(ev.Type()), Timestamp: time.Now(), Data: ev})
		}
	}
}

// handleWebSocket upgrades the connection and pumps hub broadcasts to it
// until the client disconnects.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{conn: conn, send: make(chan wsMessage, 64)}
	s.hub.add(client)
	defer s.hub.remove(client)

	go func() {
		for msg := range client.send {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
