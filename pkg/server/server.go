package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-dev/parley/pkg/broker"
	"github.com/parley-dev/parley/pkg/middleware"
)

// Server accepts WebSocket connections and binds each one to a broker
// listener for the lifetime of the socket.
type Server struct {
	// Session management
	sessions *SessionManager

	// Message fan-out
	broker *broker.Broker

	// Configuration
	config *ServerConfig

	// WebSocket upgrader
	upgrader websocket.Upgrader

	// HTTP
	router     chi.Router
	httpServer *http.Server

	// Logger
	logger *slog.Logger
}

// New creates a Server over the given broker.
func New(b *broker.Broker, config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig()
	} else {
		// Fill in defaults for any unset fields
		defaults := DefaultServerConfig()
		if config.Address == "" {
			config.Address = defaults.Address
		}
		if config.ReadBufferSize == 0 {
			config.ReadBufferSize = defaults.ReadBufferSize
		}
		if config.WriteBufferSize == 0 {
			config.WriteBufferSize = defaults.WriteBufferSize
		}
		if config.CheckOrigin == nil {
			config.CheckOrigin = defaults.CheckOrigin
		}
		if config.SessionConfig == nil {
			config.SessionConfig = defaults.SessionConfig
		}
		if config.ShutdownTimeout == 0 {
			config.ShutdownTimeout = defaults.ShutdownTimeout
		}
		if config.ReadHeaderTimeout == 0 {
			config.ReadHeaderTimeout = defaults.ReadHeaderTimeout
		}
	}

	logger := slog.Default().With("component", "server")

	if config.Auth == nil {
		config.Auth = QueryAuth
		logger.Warn("no auth func configured, falling back to query parameter auth (development only)")
	}

	s := &Server{
		sessions: NewSessionManager(config.MaxSessions, logger),
		broker:   b,
		config:   config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		logger: logger,
	}
	s.router = s.routes()
	return s
}

// QueryAuth resolves identity from the user and conversation query
// parameters. It performs no verification and exists so development
// setups work out of the box; production deployments supply their own
// AuthFunc.
func QueryAuth(r *http.Request) (int64, int64, error) {
	user, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
	if err != nil {
		return 0, 0, ErrAuthRequired
	}
	conversation, err := strconv.ParseInt(r.URL.Query().Get("conversation"), 10, 64)
	if err != nil {
		return 0, 0, ErrAuthRequired
	}
	return user, conversation, nil
}

// routes assembles the HTTP surface.
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Prometheus())
	if s.config.EnableTracing {
		r.Use(middleware.OpenTelemetry())
	}

	r.Get("/ws", s.HandleWebSocket)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

// HandleWebSocket authenticates the request, upgrades it, and starts a
// session bound to the caller's conversation.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, conversation, err := s.config.Auth(r)
	if err != nil {
		s.logger.Warn("websocket auth failed",
			"error", err,
			"remote", r.RemoteAddr)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// Reject before upgrading so the client gets a plain HTTP status.
	if s.config.MaxSessions > 0 && s.sessions.Count() >= s.config.MaxSessions {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, s.broker, user, conversation, s.config.SessionConfig, s.logger)

	if err := s.sessions.Add(sess); err != nil {
		// Lost the capacity race between the pre-upgrade check and
		// registration.
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server at capacity"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	go func() {
		<-sess.Done()
		s.sessions.Remove(sess.Addr())
	}()

	if err := sess.Start(); err != nil {
		s.logger.Warn("session start failed",
			"error", err,
			"user", user,
			"conversation", conversation)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"sessions": s.sessions.Count(),
	})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: s.config.ReadHeaderTimeout,
	}

	// Set up graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	// Error channel for ListenAndServe
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("server starting", "address", s.config.Address)
		errCh <- s.httpServer.ListenAndServe()
	}()

	// Wait for shutdown signal or error
	select {
	case err := <-errCh:
		if err != http.ErrServerClosed {
			return err
		}
		return nil

	case <-shutdown:
		s.logger.Info("shutting down...")
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	// Close all sessions first
	s.sessions.Shutdown()

	// Shutdown HTTP server
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.logger.Info("server shutdown complete")
	return nil
}

// Handler returns the server's HTTP handler, for mounting under an
// existing mux or driving with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Config returns the server configuration.
func (s *Server) Config() *ServerConfig {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
