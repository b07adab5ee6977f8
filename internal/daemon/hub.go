package daemon

import (
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/apex-build/sheetext-host/internal/logging"
)

// upgrader mirrors backend/internal/websocket/hub.go's buffer sizing and
// origin allowlist, read from WS_ALLOWED_ORIGINS instead of hardcoding the
// teacher's own frontend hosts.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

func checkOrigin(r *http.Request) bool {
	allowed := os.Getenv("WS_ALLOWED_ORIGINS")
	if allowed == "" {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range strings.Split(allowed, ",") {
		if strings.TrimSpace(o) == origin {
			return true
		}
	}
	return false
}

// conn is one connected front-end socket: one writer goroutine drains send
// so concurrent broadcasters never write to the same *websocket.Conn from
// two goroutines at once, matching the teacher Client's buffered send
// channel plus a dedicated write pump.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
}

// Hub fans outbound JSON frames (broadcast events, permission prompts) out
// to every connected front-end and routes inbound frames (permission
// decisions) back to the PromptRouter. It is the single-process analogue
// of the teacher's room-based Hub: this daemon serves one spreadsheet
// front-end, not many collaborators, so there are no rooms.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: map[string]*conn{}}
}

// Broadcast writes frame to every connected socket, dropping it for any
// connection whose send buffer is full rather than blocking the caller.
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		select {
		case c.send <- frame:
		default:
			logging.S().Warnw("dropping frame to slow websocket client", "conn", c.id)
		}
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	if c, ok := h.conns[id]; ok {
		close(c.send)
		delete(h.conns, id)
	}
	h.mu.Unlock()
}

// HandleWebSocket upgrades the request and pumps frames in both
// directions until the client disconnects, following HandleWebSocket's
// upgrade-then-spawn-pumps shape in backend/internal/websocket/hub.go.
func (h *Hub) HandleWebSocket(prompts *PromptRouter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logging.S().Warnw("websocket upgrade failed", "error", err)
			return
		}

		client := &conn{id: uuid.NewString(), ws: ws, send: make(chan []byte, 32)}
		h.register(client)
		logging.S().Infow("websocket client connected", "conn", client.id)

		go writePump(client)
		readPump(client, h, prompts)
	}
}

func writePump(c *conn) {
	defer c.ws.Close()
	for frame := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}
	}
	c.ws.WriteMessage(websocket.CloseMessage, []byte{})
}

func readPump(c *conn, h *Hub, prompts *PromptRouter) {
	defer h.unregister(c.id)
	defer c.ws.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			logging.S().Infow("websocket client disconnected", "conn", c.id, "error", err)
			return
		}
		handleInboundFrame(data, prompts)
	}
}
