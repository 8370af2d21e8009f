package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dockgate/dockgate/pkg/statuscache"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // diagnostics surface, same-host consumers
	},
}

// eventHub fans container change events out to websocket subscribers. A slow
// subscriber is dropped rather than allowed to back-pressure the cache's
// commit path.
type eventHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []statuscache.Change
	running bool
}

func newEventHub(logger *zap.Logger) *eventHub {
	return &eventHub{
		logger:  logger.With(zap.String("component", "event_hub")),
		clients: make(map[*websocket.Conn]chan []statuscache.Change),
	}
}

func (h *eventHub) start() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
}

func (h *eventHub) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	for conn, ch := range h.clients {
		close(ch)
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// broadcast is the cache's change callback. It never blocks: full subscriber
// buffers mean the subscriber is dropped.
func (h *eventHub) broadcast(changes []statuscache.Change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn, ch := range h.clients {
		select {
		case ch <- changes:
		default:
			h.logger.Warn("dropping slow event subscriber")
			close(ch)
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *eventHub) add(conn *websocket.Conn) chan []statuscache.Change {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return nil
	}
	ch := make(chan []statuscache.Change, 16)
	h.clients[conn] = ch
	return ch
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	_ = conn.Close()
}

// handleEvents upgrades the connection and streams change events until the
// client goes away or the hub stops.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ch := s.hub.add(conn)
	if ch == nil {
		_ = conn.Close()
		return
	}
	defer s.hub.remove(conn)

	// Reader goroutine detects client-side close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case changes, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(changes); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
