package server

import (
	"github.com/go-chi/chi/v5"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/telnet2/patchsync/pkg/mcpserver/channels"
)

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)
	r.Handle("/metrics", s.hub.Metrics().Handler())

	// Channel routes
	r.Route("/channel", func(r chi.Router) {
		r.Get("/", s.listChannels)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getSnapshot)
			r.Put("/", s.registerChannel)
			r.Post("/", s.publish)
			r.Delete("/", s.unregisterChannel)
			r.Get("/info", s.getChannel)
			r.Get("/sessions", s.listSessions)
			r.Get("/sse", s.channelEvents)
			r.Get("/ws", s.channelSocket)
		})
	})

	r.Delete("/session/{id}", s.closeSession)

	// Streams
	r.Get("/sse", s.multiChannelEvents)
	r.Get("/event", s.lifecycleEvents)

	if s.config.EnableMCP {
		r.Handle("/mcp", mcpserver.NewStreamableHTTPServer(channels.NewServer(s.hub, s.config.Version)))
	}
}
