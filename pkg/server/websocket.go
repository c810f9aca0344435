package server

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-dev/parley/pkg/body"
	"github.com/parley-dev/parley/pkg/broker"
	"github.com/parley-dev/parley/pkg/middleware"
	"github.com/parley-dev/parley/pkg/protocol"
)

// ReadLoop continuously reads envelopes from the WebSocket connection.
// A malformed envelope closes the connection with CloseProtocolError;
// an unsupported kind flagged MUST_PROCESS closes it with
// CloseUnsupportedKind. The loop blocks until the connection is closed
// or a fatal protocol error occurs.
func (s *Session) ReadLoop() {
	defer s.Stop()

	for {
		// Set read deadline; pongs extend it via the pong handler.
		s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msgType, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				s.logger.Error("read error", "error", err)
			}
			return
		}

		s.bytesRecv.Add(uint64(len(msg)))

		// The protocol is binary only.
		if msgType != websocket.BinaryMessage {
			continue
		}

		env, err := protocol.DecodeEnvelope(msg)
		if err != nil {
			s.logger.Warn("envelope decode failed", "error", err)
			s.closeWith(protocol.CloseProtocolError, "malformed envelope")
			return
		}

		s.envelopesIn.Add(1)
		middleware.RecordEnvelope(env.Kind.String(), "in")

		if !s.handleEnvelope(env) {
			return
		}
	}
}

// handleEnvelope dispatches one parsed envelope and reports whether the
// read loop should keep consuming frames.
//
// A SendMessage flagged RESPONSE_REQUIRED is handled inline, which
// suspends the read loop until the reply has been fully emitted; one
// without the flag is pipelined and may complete in any order relative
// to later frames.
func (s *Session) handleEnvelope(env *protocol.Envelope) bool {
	switch {
	case env.Kind == protocol.KindSendMessage && protocol.IsClientCookie(env.Cookie):
		if env.Flags.Has(protocol.FlagResponseRequired) {
			s.handleSendMessage(env)
		} else {
			go s.handleSendMessage(env)
		}
		return true

	case env.Kind == protocol.KindUnknownEvent:
		// Itself an acknowledgement; nothing to do.
		return true

	default:
		// Recognized-but-unexpected kinds (including a SendMessage
		// carrying a server-origin cookie) and unrecognized kinds
		// follow the same forward-compatibility rule: fatal only when
		// the peer insists on processing.
		if env.Flags.Has(protocol.FlagMustProcess) {
			s.logger.Warn("unsupported mandatory kind",
				"kind", env.Kind.String(),
				"cookie", env.Cookie)
			s.closeWith(protocol.CloseUnsupportedKind, "unsupported kind")
			return false
		}
		s.sendEnvelope(protocol.NewEnvelope(protocol.KindUnknownEvent, env.Cookie, nil))
		return true
	}
}

// handleSendMessage publishes the payload through the broker and
// replies on the same cookie so the peer can correlate. Validation
// failures and persistence failures both come back as MessageInvalid;
// only the former carries the grammar diagnostic.
func (s *Session) handleSendMessage(env *protocol.Envelope) {
	id, err := s.broker.Publish(s.ctx, s.Conversation, s.User, env.Payload)
	if err != nil {
		var verr *body.Error
		reason := "message could not be processed"
		switch {
		case errors.As(err, &verr):
			reason = verr.Error()
		case errors.Is(err, broker.ErrTrailingData):
			reason = err.Error()
		default:
			s.logger.Error("publish failed", "error", err)
		}
		s.sendEnvelope(protocol.NewEnvelope(protocol.KindMessageInvalid, env.Cookie,
			protocol.EncodeMessageInvalid(reason)))
		return
	}

	s.sendEnvelope(protocol.NewEnvelope(protocol.KindMessageReceived, env.Cookie,
		protocol.EncodeMessageReceived(uint64(id))))
}

// WriteLoop owns the keep-alive ticker. It runs until the session is
// closed.
func (s *Session) WriteLoop() {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.sendPing(); err != nil {
				s.logger.Debug("ping failed", "error", err)
				s.Stop()
				return
			}

		case <-s.done:
			return
		}
	}
}

// EventLoop pushes broker deliveries to the peer as NewMessage
// envelopes. Each broadcast gets a fresh server-origin cookie and is
// pushed exactly once, never retried or acknowledged.
func (s *Session) EventLoop() {
	for {
		select {
		case ev := <-s.events:
			s.sendNewMessage(ev)

		case <-s.done:
			return
		}
	}
}

// sendNewMessage wraps one broker event in a NewMessage envelope.
func (s *Session) sendNewMessage(ev broker.Event) {
	payload := protocol.EncodeNewMessage(&protocol.NewMessagePayload{
		ID:        uint64(ev.ID),
		Timestamp: uint64(ev.Timestamp.UnixMilli()),
		User:      uint64(ev.User),
		Body:      ev.Body,
	})
	if err := s.sendEnvelope(protocol.NewEnvelope(protocol.KindNewMessage, s.cookies.Next(), payload)); err == nil {
		s.eventsDelivered.Add(1)
	}
}
