package daemon

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/sheetext-host/internal/extensions"
	"github.com/apex-build/sheetext-host/internal/extensions/events"
	"github.com/apex-build/sheetext-host/internal/extensions/host"
)

// Server exposes a Host over HTTP/WebSocket, the ambient entrypoint
// described in SPEC_FULL.md §1.1: the host library itself stays
// transport-agnostic, and this package is the thin Gin wrapper a
// spreadsheet front-end process talks to, following the
// router-construction shape of backend/main.go's setupRouter.
type Server struct {
	host      *host.Host
	broadcast *events.Broadcaster
	hub       *Hub
	prompts   *PromptRouter
	jwtSecret []byte
}

// NewServer wires an event broadcaster and a fresh Hub/PromptRouter pair
// into a Server. The Host itself is supplied afterward via Attach, since
// building a Host requires a permissions.Manager that in turn requires
// this Server's PromptRouter — main wires the two halves of that cycle
// together once both sides exist.
func NewServer(broadcast *events.Broadcaster, jwtSecret []byte) *Server {
	hub := NewHub()
	s := &Server{
		broadcast: broadcast,
		hub:       hub,
		prompts:   NewPromptRouter(hub, 0),
		jwtSecret: jwtSecret,
	}
	s.forwardBroadcastEvents()
	return s
}

// Prompter exposes the server's PromptRouter for wiring into a
// permissions.Manager at startup.
func (s *Server) Prompter() *PromptRouter { return s.prompts }

// Attach supplies the Host this Server routes requests to. It must be
// called once, after the Host has been built, and before Router is
// called.
func (s *Server) Attach(h *host.Host) { s.host = h }

// forwardBroadcastEvents subscribes a synthetic "frontend" extension id to
// every event kind so broadcasts reach the connected websocket clients,
// not just worker sandboxes.
func (s *Server) forwardBroadcastEvents() {
	frontend := extensions.NewExtensionID("apex-build", "sheetext-frontend")
	kinds := []events.Kind{
		events.KindWorkbookOpened,
		events.KindBeforeSave,
		events.KindViewActivated,
		events.KindSelectionChanged,
		events.KindCellChanged,
		events.KindSheetActivated,
		events.KindConfigChanged,
	}
	for _, kind := range kinds {
		s.broadcast.Subscribe(kind, frontend, func(_ context.Context, _ extensions.ExtensionID, event events.Event) error {
			frame, err := json.Marshal(map[string]interface{}{
				"type":    "event",
				"kind":    event.Kind,
				"payload": event.Payload,
			})
			if err != nil {
				return err
			}
			s.hub.Broadcast(frame)
			return nil
		})
	}
}

// Router builds the Gin engine: an unauthenticated health check, a
// JWT-protected REST surface over the Host's operations, and a
// JWT-protected websocket endpoint.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := r.Group("/api/v1")
	auth.Use(RequireAuth(s.jwtSecret))
	{
		auth.POST("/extensions", s.handleLoadExtension)
		auth.DELETE("/extensions/:id", s.handleUnloadExtension)
		auth.POST("/extensions/:id/reload", s.handleReloadExtension)
		auth.POST("/extensions/:id/reset", s.handleResetExtension)
		auth.GET("/extensions/:id", s.handleGetManifest)

		auth.POST("/startup", s.handleStartup)
		auth.POST("/views/:id/activate", s.handleActivateView)
		auth.POST("/commands/:command", s.handleExecuteCommand)
		auth.POST("/custom-functions/:name", s.handleInvokeCustomFunction)
		auth.POST("/data-connectors/:id", s.handleInvokeDataConnector)

		auth.GET("/ws", s.hub.HandleWebSocket(s.prompts))
	}

	return r
}
