package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/telnet2/patchsync/internal/hub"
	"github.com/telnet2/patchsync/internal/logging"
)

// Config holds server configuration.
type Config struct {
	Addr         string
	EnableCORS   bool
	Heartbeat    time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// MaxBodyBytes bounds published and registered values.
	MaxBodyBytes int64
	// EnableMCP mounts the channel tools at /mcp over streamable HTTP.
	EnableMCP bool
	// Version is reported to MCP clients.
	Version string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:7700",
		EnableCORS:   true,
		Heartbeat:    SSEHeartbeatInterval,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streams
		MaxBodyBytes: 8 << 20,
		EnableMCP:    true,
		Version:      "dev",
	}
}

// Server exposes a hub over HTTP: REST for producers and bootstrapping,
// SSE and WebSocket for subscribers.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	hub     *hub.Hub
	log     zerolog.Logger
}

// New creates a new Server instance.
func New(cfg *Config, h *hub.Hub) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = SSEHeartbeatInterval
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		hub:    h,
		log:    logging.Component("http"),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "Mcp-Session-Id", "X-Request-ID"},
			ExposedHeaders:   []string{"Mcp-Session-Id", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// requestLogger logs each request through zerolog once it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("requestID", middleware.GetReqID(r.Context())).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	return s.httpSrv.Serve(ln)
}

// Shutdown gracefully shuts down the server. Open streams end when the hub
// closes their sessions.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
