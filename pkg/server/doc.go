// Package server provides the WebSocket front end for the conversation
// runtime.
//
// The server accepts connections, authenticates each one to a
// (user, conversation) pair, and manages a Session per socket. It is the
// integration layer that brings together the wire envelopes
// (pkg/protocol), the message grammar (pkg/body), and the fan-out core
// (pkg/broker).
//
// # Architecture
//
//   - Session: Per-connection state machine owning the socket, the
//     broker listener registration, and the cookie source for
//     server-originated envelopes
//   - SessionManager: Registry of live sessions with coordinated
//     shutdown
//   - Server: HTTP/WebSocket server with routing, middleware, and
//     graceful shutdown
//
// # Session Lifecycle
//
// A session moves through four states:
//
//	Starting -> Active -> Stopping -> Stopped
//
// Starting covers the broker handshake; the peer sees a Connected
// envelope once the session is registered for conversation events.
// Stopping begins on the first close trigger (peer close frame, fatal
// protocol error, keep-alive failure, server shutdown) and is
// irreversible.
//
// An active session runs three goroutines:
//   - ReadLoop: Receives frames, decodes envelopes, dispatches requests
//   - EventLoop: Pushes broker deliveries to the peer as NewMessage
//   - WriteLoop: Sends heartbeat pings
//
// # Envelope Processing
//
// When a peer sends a SendMessage envelope:
//  1. ReadLoop decodes the envelope
//  2. The payload is validated and persisted through the broker
//  3. Members of the conversation receive a NewMessage push
//  4. The sender receives MessageReceived or MessageInvalid carrying
//     the envelope's cookie
//
// Envelopes flagged RESPONSE_REQUIRED are answered before the next
// frame is consumed; all other traffic is pipelined. Unrecognized
// envelope kinds are answered with UnknownEvent unless the peer set
// MUST_PROCESS, which closes the connection.
//
// # Example Usage
//
//	st := store.NewMemoryStore()
//	defer st.Close()
//
//	b := broker.New(st, nil)
//	defer b.Close()
//
//	srv := server.New(b, &server.ServerConfig{
//	    Address: ":8080",
//	})
//
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Thread Safety
//
// The server package is designed for concurrent access:
//   - Session.mu protects WebSocket writes
//   - The events channel serializes broker deliveries
//   - SessionManager uses RWMutex for the session map
package server
