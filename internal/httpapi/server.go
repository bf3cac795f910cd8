// Package httpapi wires the conversational HTTP/WS/SSE surface onto an
// Echo router: POST /api/chat and its streaming sibling, the two
// WebSocket endpoints, cancellation, and the hub-download relay.
// Handler shapes follow manifold/handlers.go and manifold/routes.go
// (c.Bind/c.JSON, one echo.HandlerFunc per route) and the SSE idiom in
// manifold/stream_agents.go and manifold/completions.go
// (http.Flusher-based `data: ` framing).
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/intelligencedev/localforge/internal/bridge"
	"github.com/intelligencedev/localforge/internal/config"
	"github.com/intelligencedev/localforge/internal/download"
	"github.com/intelligencedev/localforge/internal/store"
)

// Server holds everything a handler needs: the shared store, the IPC
// façade into the worker, the download engine, and the in-process relay
// that stands in for the worker-side broadcast hub this process can't
// see directly (see relay.go).
type Server struct {
	Store    *store.Store
	Bridge   *bridge.Bridge
	Download *download.Engine
	Cfg      config.Server

	relay    *relay
	upgrader websocket.Upgrader
}

func NewServer(st *store.Store, br *bridge.Bridge, dl *download.Engine, cfg config.Server) *Server {
	return &Server{
		Store:    st,
		Bridge:   br,
		Download: dl,
		Cfg:      cfg,
		relay:    newRelay(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// A single local operator talks to this server; there is no
			// multi-tenant origin policy to enforce.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Routes registers every endpoint named in this server's external
// interface onto e.
func (s *Server) Routes(e *echo.Echo) {
	e.POST("/api/chat", s.postChat)
	e.POST("/api/chat/stream", s.postChatStream)
	e.POST("/api/chat/cancel", s.postChatCancel)
	e.GET("/ws/chat/stream", s.wsChatStream)
	e.GET("/ws/conversation/watch/:id", s.wsConversationWatch)
	e.POST("/api/hub/download", s.postHubDownload)
}

func (s *Server) wsWriteDeadline() time.Time {
	return time.Now().Add(s.Cfg.WSWriteTimeout)
}
