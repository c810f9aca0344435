package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-dev/parley/pkg/body"
	"github.com/parley-dev/parley/pkg/broker"
	"github.com/parley-dev/parley/pkg/protocol"
	"github.com/parley-dev/parley/pkg/store"
)

// testEnv bundles a running server with its backing store and broker.
type testEnv struct {
	ts     *httptest.Server
	store  *store.MemoryStore
	broker *broker.Broker
	server *Server

	conv  int64 // "general", members 1 and 2
	other int64 // "standup", member 3
}

func newTestEnv(t *testing.T, config *ServerConfig) *testEnv {
	t.Helper()

	ctx := context.Background()
	st := store.NewMemoryStore()

	conv, err := st.CreateConversation(ctx, "general")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	for _, user := range []int64{1, 2} {
		if err := st.AddMember(ctx, conv, user); err != nil {
			t.Fatalf("AddMember() error = %v", err)
		}
	}

	other, err := st.CreateConversation(ctx, "standup")
	if err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	if err := st.AddMember(ctx, other, 3); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	b := broker.New(st, nil)
	srv := New(b, config)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		srv.Sessions().Shutdown()
		ts.Close()
		b.Close()
		st.Close()
	})

	return &testEnv{ts: ts, store: st, broker: b, server: srv, conv: conv, other: other}
}

func (e *testEnv) wsURL(user, conversation int64) string {
	return fmt.Sprintf("%s/ws?user=%d&conversation=%d",
		strings.Replace(e.ts.URL, "http", "ws", 1), user, conversation)
}

// dial opens a WebSocket to the test server for the given identity.
func (e *testEnv) dial(t *testing.T, user, conversation int64) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(user, conversation), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("message type = %d, want %d", msgType, websocket.BinaryMessage)
	}
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	return env
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, env.Encode()); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

// readConnected consumes the handshake envelope every session begins with.
func readConnected(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()

	env := readEnvelope(t, conn)
	if env.Kind != protocol.KindConnected {
		t.Fatalf("first envelope kind = %v, want %v", env.Kind, protocol.KindConnected)
	}
	return env
}

// expectClose reads until the connection fails and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			// Drain anything sent before the close frame.
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("ReadMessage() error = %v, want close error", err)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d, want %d", ce.Code, code)
		}
		return
	}
}

func TestServerConnectedHandshake(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)

	env := readConnected(t, conn)

	if !protocol.IsServerCookie(env.Cookie) {
		t.Errorf("Connected cookie %#x is not server-origin", env.Cookie)
	}
	if env.Flags != 0 {
		t.Errorf("Connected flags = %#x, want 0", env.Flags)
	}
	if len(env.Payload) != 0 {
		t.Errorf("Connected payload = %d bytes, want empty", len(env.Payload))
	}
}

func TestServerSendMessageAck(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	cookies := protocol.NewCookieSource(protocol.OriginClient)
	cookie := cookies.Next()

	writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindSendMessage, cookie,
		body.Message(body.Paragraph(body.Text("hello room")))))

	reply := readEnvelope(t, conn)
	if reply.Kind != protocol.KindMessageReceived {
		t.Fatalf("reply kind = %v, want %v", reply.Kind, protocol.KindMessageReceived)
	}
	if reply.Cookie != cookie {
		t.Errorf("reply cookie = %#x, want %#x", reply.Cookie, cookie)
	}

	id, err := protocol.DecodeMessageReceived(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeMessageReceived() error = %v", err)
	}
	if id == 0 {
		t.Error("stored event id = 0, want nonzero")
	}
	if got := e.store.Count(e.conv); got != 1 {
		t.Errorf("store count = %d, want 1", got)
	}
}

func TestServerSendMessageInvalid(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	cookies := protocol.NewCookieSource(protocol.OriginClient)
	cookie := cookies.Next()

	// Text at the root is not a valid message body.
	writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindSendMessage, cookie,
		body.Text("hi")))

	reply := readEnvelope(t, conn)
	if reply.Kind != protocol.KindMessageInvalid {
		t.Fatalf("reply kind = %v, want %v", reply.Kind, protocol.KindMessageInvalid)
	}
	if reply.Cookie != cookie {
		t.Errorf("reply cookie = %#x, want %#x", reply.Cookie, cookie)
	}
	reason, err := protocol.DecodeMessageInvalid(reply.Payload)
	if err != nil {
		t.Fatalf("DecodeMessageInvalid() error = %v", err)
	}
	if reason == "" {
		t.Error("rejection reason is empty")
	}
	if got := e.store.Count(e.conv); got != 0 {
		t.Errorf("store count = %d, want 0", got)
	}

	// A rejected message must not poison the connection.
	cookie2 := cookies.Next()
	writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindSendMessage, cookie2,
		body.Message(body.Paragraph(body.Text("take two")))))

	reply2 := readEnvelope(t, conn)
	if reply2.Kind != protocol.KindMessageReceived {
		t.Fatalf("reply kind = %v, want %v", reply2.Kind, protocol.KindMessageReceived)
	}
	if reply2.Cookie != cookie2 {
		t.Errorf("reply cookie = %#x, want %#x", reply2.Cookie, cookie2)
	}
}

func TestServerBroadcast(t *testing.T) {
	e := newTestEnv(t, nil)

	sender := e.dial(t, 1, e.conv)
	readConnected(t, sender)
	receiver := e.dial(t, 2, e.conv)
	readConnected(t, receiver)

	cookies := protocol.NewCookieSource(protocol.OriginClient)
	cookie := cookies.Next()
	msgBody := body.Message(body.Paragraph(body.Text("ship it "), body.Mention(2)))

	writeEnvelope(t, sender, protocol.NewEnvelope(protocol.KindSendMessage, cookie, msgBody))

	// The sender sees its ack and its own broadcast in either order.
	var ack, push *protocol.Envelope
	for i := 0; i < 2; i++ {
		env := readEnvelope(t, sender)
		switch env.Kind {
		case protocol.KindMessageReceived:
			ack = env
		case protocol.KindNewMessage:
			push = env
		default:
			t.Fatalf("unexpected kind %v", env.Kind)
		}
	}
	if ack == nil || push == nil {
		t.Fatal("sender missing MessageReceived or NewMessage")
	}
	if ack.Cookie != cookie {
		t.Errorf("ack cookie = %#x, want %#x", ack.Cookie, cookie)
	}
	if !protocol.IsServerCookie(push.Cookie) {
		t.Errorf("broadcast cookie %#x is not server-origin", push.Cookie)
	}

	ackID, err := protocol.DecodeMessageReceived(ack.Payload)
	if err != nil {
		t.Fatalf("DecodeMessageReceived() error = %v", err)
	}

	// The other member sees exactly the broadcast.
	env := readEnvelope(t, receiver)
	if env.Kind != protocol.KindNewMessage {
		t.Fatalf("receiver kind = %v, want %v", env.Kind, protocol.KindNewMessage)
	}
	p, err := protocol.DecodeNewMessage(env.Payload)
	if err != nil {
		t.Fatalf("DecodeNewMessage() error = %v", err)
	}
	if p.ID != ackID {
		t.Errorf("broadcast id = %d, want %d", p.ID, ackID)
	}
	if p.User != 1 {
		t.Errorf("broadcast user = %d, want 1", p.User)
	}
	if p.Timestamp == 0 {
		t.Error("broadcast timestamp = 0, want nonzero")
	}
	if !bytes.Equal(p.Body, msgBody) {
		t.Errorf("broadcast body = %x, want %x", p.Body, msgBody)
	}
}

func TestServerPipelinedSendMessages(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	cookies := protocol.NewCookieSource(protocol.OriginClient)
	sent := map[uint64]bool{}
	for i := 0; i < 3; i++ {
		cookie := cookies.Next()
		sent[cookie] = true
		writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindSendMessage, cookie,
			body.Message(body.Paragraph(body.Text(fmt.Sprintf("burst %d", i))))))
	}

	// Unflagged requests may be answered in any order; broadcasts for
	// our own messages interleave freely.
	acked := map[uint64]bool{}
	for len(acked) < len(sent) {
		env := readEnvelope(t, conn)
		if env.Kind == protocol.KindNewMessage {
			continue
		}
		if env.Kind != protocol.KindMessageReceived {
			t.Fatalf("unexpected kind %v", env.Kind)
		}
		if !sent[env.Cookie] {
			t.Fatalf("ack for unknown cookie %#x", env.Cookie)
		}
		if acked[env.Cookie] {
			t.Fatalf("duplicate ack for cookie %#x", env.Cookie)
		}
		acked[env.Cookie] = true
	}

	if got := e.store.Count(e.conv); got != len(sent) {
		t.Errorf("store count = %d, want %d", got, len(sent))
	}
}

func TestServerResponseRequiredOrdering(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	cookies := protocol.NewCookieSource(protocol.OriginClient)
	first := cookies.Next()
	second := cookies.Next()

	env := protocol.NewEnvelope(protocol.KindSendMessage, first,
		body.Message(body.Paragraph(body.Text("hold the line"))))
	env.Flags = protocol.FlagResponseRequired
	writeEnvelope(t, conn, env)
	writeEnvelope(t, conn, protocol.NewEnvelope(protocol.Kind(0x7f), second, nil))

	// The flagged request must be fully answered before the following
	// frame is acted on, even with both on the wire back to back.
	var replies []*protocol.Envelope
	for len(replies) < 2 {
		env := readEnvelope(t, conn)
		if env.Kind == protocol.KindNewMessage {
			continue
		}
		replies = append(replies, env)
	}

	if replies[0].Kind != protocol.KindMessageReceived || replies[0].Cookie != first {
		t.Fatalf("first reply = (%v, %#x), want (%v, %#x)",
			replies[0].Kind, replies[0].Cookie, protocol.KindMessageReceived, first)
	}
	if replies[1].Kind != protocol.KindUnknownEvent || replies[1].Cookie != second {
		t.Fatalf("second reply = (%v, %#x), want (%v, %#x)",
			replies[1].Kind, replies[1].Cookie, protocol.KindUnknownEvent, second)
	}
}

func TestServerMembershipDenied(t *testing.T) {
	e := newTestEnv(t, nil)

	// User 3 is not a member of the general conversation.
	conn := e.dial(t, 3, e.conv)
	expectClose(t, conn, protocol.CloseNotMember)
}

func TestServerMalformedEnvelope(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}

	expectClose(t, conn, protocol.CloseProtocolError)
}

func TestServerUnknownKind(t *testing.T) {
	t.Run("WithoutMustProcess", func(t *testing.T) {
		e := newTestEnv(t, nil)
		conn := e.dial(t, 1, e.conv)
		readConnected(t, conn)

		cookies := protocol.NewCookieSource(protocol.OriginClient)
		cookie := cookies.Next()
		writeEnvelope(t, conn, protocol.NewEnvelope(protocol.Kind(0x99), cookie, nil))

		reply := readEnvelope(t, conn)
		if reply.Kind != protocol.KindUnknownEvent {
			t.Fatalf("reply kind = %v, want %v", reply.Kind, protocol.KindUnknownEvent)
		}
		if reply.Cookie != cookie {
			t.Errorf("reply cookie = %#x, want %#x", reply.Cookie, cookie)
		}

		// The connection stays usable afterwards.
		cookie2 := cookies.Next()
		writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindSendMessage, cookie2,
			body.Message(body.Paragraph(body.Text("still here")))))
		reply2 := readEnvelope(t, conn)
		if reply2.Kind != protocol.KindMessageReceived || reply2.Cookie != cookie2 {
			t.Fatalf("reply = (%v, %#x), want (%v, %#x)",
				reply2.Kind, reply2.Cookie, protocol.KindMessageReceived, cookie2)
		}
	})

	t.Run("WithMustProcess", func(t *testing.T) {
		e := newTestEnv(t, nil)
		conn := e.dial(t, 1, e.conv)
		readConnected(t, conn)

		env := protocol.NewEnvelope(protocol.Kind(0x99), protocol.NewCookieSource(protocol.OriginClient).Next(), nil)
		env.Flags = protocol.FlagMustProcess
		writeEnvelope(t, conn, env)

		expectClose(t, conn, protocol.CloseUnsupportedKind)
	})

	t.Run("ServerOnlyKind", func(t *testing.T) {
		e := newTestEnv(t, nil)
		conn := e.dial(t, 1, e.conv)
		readConnected(t, conn)

		// Connected is recognized but never legal from the client, so
		// it falls through to the UnknownEvent reply.
		cookie := protocol.NewCookieSource(protocol.OriginClient).Next()
		writeEnvelope(t, conn, protocol.NewEnvelope(protocol.KindConnected, cookie, nil))

		reply := readEnvelope(t, conn)
		if reply.Kind != protocol.KindUnknownEvent {
			t.Fatalf("reply kind = %v, want %v", reply.Kind, protocol.KindUnknownEvent)
		}
		if reply.Cookie != cookie {
			t.Errorf("reply cookie = %#x, want %#x", reply.Cookie, cookie)
		}
	})
}

func TestServerListenerCleanup(t *testing.T) {
	e := newTestEnv(t, nil)
	conn := e.dial(t, 1, e.conv)
	readConnected(t, conn)

	ctx := context.Background()
	if n, err := e.broker.Listeners(ctx, e.conv); err != nil || n != 1 {
		t.Fatalf("Listeners() = %d, %v, want 1, nil", n, err)
	}

	conn.Close()

	// Disconnect is asynchronous; wait for the listener to vanish.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := e.broker.Listeners(ctx, e.conv)
		if err != nil {
			t.Fatalf("Listeners() error = %v", err)
		}
		if n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Listeners() = %d after close, want 0", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Publishing still persists with nobody connected.
	if _, err := e.broker.Publish(ctx, e.conv, 2,
		body.Message(body.Paragraph(body.Text("anyone?")))); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := e.store.Count(e.conv); got != 1 {
		t.Errorf("store count = %d, want 1", got)
	}
}

func TestServerUnauthenticated(t *testing.T) {
	e := newTestEnv(t, nil)

	url := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Dial() succeeded without credentials")
	}
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("Dial() error = %v, want %v", err, websocket.ErrBadHandshake)
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want status 401", resp)
	}
	resp.Body.Close()
}

func TestServerMaxSessions(t *testing.T) {
	e := newTestEnv(t, &ServerConfig{MaxSessions: 1})

	conn := e.dial(t, 1, e.conv)
	// Connected is sent after registration, so reading it guarantees
	// the session counts against the limit.
	readConnected(t, conn)

	wsConn, resp, err := websocket.DefaultDialer.Dial(e.wsURL(2, e.conv), nil)
	if err == nil {
		wsConn.Close()
		t.Fatal("Dial() succeeded beyond MaxSessions")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("handshake response = %+v, want status 503", resp)
	}
	resp.Body.Close()
}

func TestServerHealthz(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var payload struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload.Status != "ok" {
		t.Errorf("status field = %q, want %q", payload.Status, "ok")
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)

	// Touch a route so the request counters exist.
	resp, err := http.Get(e.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !strings.Contains(string(data), "parley_http_requests_total") {
		t.Error("metrics output missing parley_http_requests_total")
	}
}
