package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parley-dev/parley/pkg/broker"
	"github.com/parley-dev/parley/pkg/middleware"
	"github.com/parley-dev/parley/pkg/protocol"
)

// SessionState tracks a session through its lifecycle.
type SessionState int32

// Session lifecycle states. Stopped is terminal.
const (
	StateStarting SessionState = iota
	StateActive
	StateStopping
	StateStopped
)

// String returns the string representation of the state.
func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Session is one live WebSocket connection bound to an authenticated
// (user, conversation) pair. It registers itself as a broker listener
// on start, translates inbound envelopes into broker publishes, and
// pushes broker events back out as NewMessage envelopes.
//
// Internally a session is three goroutines: ReadLoop consumes inbound
// frames, WriteLoop owns the keep-alive ticker, and EventLoop drains
// broker deliveries. Writes to the connection are serialized by mu.
type Session struct {
	// Identity
	User         int64
	Conversation int64
	CreatedAt    time.Time

	// addr identifies this session's broker registration.
	addr uuid.UUID

	// Connection
	conn   *websocket.Conn
	mu     sync.Mutex // protects conn writes
	closed atomic.Bool
	state  atomic.Int32

	broker  *broker.Broker
	cookies *protocol.CookieSource

	// Channels
	events chan broker.Event // broker deliveries awaiting push
	done   chan struct{}     // shutdown signal

	// ctx unblocks broker round trips when the session shuts down.
	ctx    context.Context
	cancel context.CancelFunc

	// Configuration
	config *SessionConfig

	// Logger
	logger *slog.Logger

	// Metrics
	envelopesIn     atomic.Uint64
	envelopesOut    atomic.Uint64
	eventsDelivered atomic.Uint64
	bytesSent       atomic.Uint64
	bytesRecv       atomic.Uint64
}

// newSession creates a session over an upgraded connection. Call Start
// to register with the broker and begin the loops.
func newSession(conn *websocket.Conn, b *broker.Broker, user, conversation int64, config *SessionConfig, logger *slog.Logger) *Session {
	addr := uuid.New()
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		User:         user,
		Conversation: conversation,
		CreatedAt:    time.Now(),
		addr:         addr,
		conn:         conn,
		broker:       b,
		cookies:      protocol.NewCookieSource(protocol.OriginServer),
		events:       make(chan broker.Event, config.EventQueueSize),
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		config:       config,
		logger: logger.With(
			"session_id", addr.String(),
			"conversation", conversation,
			"user", user),
	}
	s.state.Store(int32(StateStarting))
	return s
}

// Start drives Starting → Active: registers with the broker, emits the
// Connected envelope with a fresh cookie, and launches the session
// loops. A membership denial closes the connection with CloseNotMember
// before any envelope is sent.
func (s *Session) Start() error {
	if err := s.broker.Connect(s.ctx, s.Conversation, s.User, s.addr, s); err != nil {
		if errors.Is(err, broker.ErrNotMember) {
			s.logger.Info("join denied: not a member")
			s.closeWith(protocol.CloseNotMember, "not a member of this conversation")
			return err
		}
		s.logger.Error("broker connect failed", "error", err)
		s.closeWith(websocket.CloseInternalServerErr, "join failed")
		return err
	}

	if err := s.sendEnvelope(protocol.NewEnvelope(protocol.KindConnected, s.cookies.Next(), nil)); err != nil {
		return err
	}

	s.state.Store(int32(StateActive))
	middleware.RecordSessionStart()
	s.logger.Info("session active")

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	go s.ReadLoop()
	go s.WriteLoop()
	go s.EventLoop()
	return nil
}

// Addr returns the session's broker listener address.
func (s *Session) Addr() uuid.UUID {
	return s.addr
}

// State returns the session's lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// IsClosed returns whether the session has begun shutting down.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

// Done returns a channel that's closed when the session shuts down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Deliver implements broker.Target. It never blocks: a full event
// queue or a closed session returns an error, after which the broker
// drops this listener.
func (s *Session) Deliver(ev broker.Event) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrEventQueueFull
	}
}

// sendEnvelope writes one envelope to the peer. A write failure tears
// the session down.
func (s *Session) sendEnvelope(env *protocol.Envelope) error {
	data := env.Encode()

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	err := s.conn.WriteMessage(websocket.BinaryMessage, data)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("write error", "kind", env.Kind.String(), "error", err)
		s.Stop()
		return err
	}

	s.bytesSent.Add(uint64(len(data)))
	s.envelopesOut.Add(1)
	middleware.RecordEnvelope(env.Kind.String(), "out")
	return nil
}

// sendPing sends a keep-alive ping. WriteControl is safe to call
// concurrently with WriteMessage.
func (s *Session) sendPing() error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.WriteTimeout))
}

// Stop begins Stopping → Stopped with a normal closure. Safe to call
// from any goroutine, repeatedly.
func (s *Session) Stop() {
	s.shutdown(websocket.CloseNormalClosure, "")
}

// closeWith tears the session down with a protocol close code.
func (s *Session) closeWith(code int, reason string) {
	middleware.RecordSessionClose(code)
	s.shutdown(code, reason)
}

// shutdown performs the Stopping → Stopped transition exactly once:
// signal the loops, send the close frame, deregister from the broker,
// release the transport.
func (s *Session) shutdown(code int, reason string) {
	if s.closed.Swap(true) {
		return
	}

	wasActive := SessionState(s.state.Load()) == StateActive
	s.state.Store(int32(StateStopping))
	close(s.done)
	s.cancel()

	// Best-effort close frame so the peer sees the code.
	s.mu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.broker.Disconnect(ctx, s.Conversation, s.addr); err != nil && !errors.Is(err, broker.ErrClosed) {
			s.logger.Warn("broker disconnect failed", "error", err)
		}

		_ = s.conn.Close()
		s.state.Store(int32(StateStopped))

		if wasActive {
			middleware.RecordSessionStop()
		}
		s.logger.Info("session stopped",
			"code", code,
			"envelopes_in", s.envelopesIn.Load(),
			"envelopes_out", s.envelopesOut.Load(),
			"events", s.eventsDelivered.Load(),
			"bytes_sent", s.bytesSent.Load(),
			"bytes_recv", s.bytesRecv.Load())
	}()
}
