// Package server exposes the event bus to HTTP clients: an SSE stream of
// events and endpoints to submit input and prompt answers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/pocketcmd/pocketcmd/internal/agent"
	"github.com/pocketcmd/pocketcmd/internal/event"
)

// Config holds server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string
	ReadTimeout time.Duration
	// ClientBuffer is the number of events queued per SSE client before
	// further events are dropped for that client.
	ClientBuffer int
	Heartbeat    time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8765",
		CORSOrigins:  []string{"*"},
		ReadTimeout:  30 * time.Second,
		ClientBuffer: 256,
		Heartbeat:    SSEHeartbeatInterval,
	}
}

// Options are the collaborators of a Server.
type Options struct {
	Bus    event.PubSub
	Agents *agent.Registry
	// ActiveAgent reports the active agent name; it may be nil.
	ActiveAgent func() string
	Log         zerolog.Logger
}

// Server is the HTTP server.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	bus     event.PubSub
	agents  *agent.Registry
	active  func() string
	log     zerolog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a new Server. A nil cfg uses DefaultConfig.
func New(cfg *Config, opts Options) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = SSEHeartbeatInterval
	}
	active := opts.ActiveAgent
	if active == nil {
		active = func() string { return "" }
	}

	s := &Server{
		config:  cfg,
		router:  chi.NewRouter(),
		bus:     opts.Bus,
		agents:  opts.Agents,
		active:  active,
		log:     opts.Log.With().Str("component", "server").Logger(),
		closing: make(chan struct{}),
	}
	s.setupMiddleware()
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		// No write timeout for SSE
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if len(s.config.CORSOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router
	r.Get("/health", s.health)
	r.Get("/event", s.events)
	r.Post("/input", s.postInput)
	r.Post("/prompt/{correlationID}", s.postPrompt)
	r.Get("/agents", s.listAgents)
}

// requestLogger logs one line per request. SSE streams are logged when
// they end.
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
				Str("request_id", middleware.GetReqID(r.Context())).
				Msg("HTTP request")
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

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown ends open event streams and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
