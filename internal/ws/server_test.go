package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"

	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/protocol"
)

type testServer struct {
	srv        *Server
	http       *httptest.Server
	connected  chan string
	disconnect chan string
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	ts := &testServer{
		connected:  make(chan string, 8),
		disconnect: make(chan string, 8),
	}

	cfg := DefaultServerConfig()
	cfg.ReadTimeout = time.Second
	cfg.Heartbeat.Interval = 0

	d := NewMessageDispatcher(nil, logging.Discard())
	ts.srv = NewServer(cfg, logging.Discard(), d.Dispatch)
	d.SetWriter(ts.srv)
	d.Register(protocol.TypeEndMatch, func(conn *Connection, msgType string, msg interface{}) {
		reply, _ := protocol.NewServerMessage(protocol.TypePartnerDisconnected, protocol.PartnerDisconnectedMsg{Reason: protocol.ReasonEnded})
		_ = ts.srv.SendMessage(conn.ID, reply)
	})
	ts.srv.SetOnConnect(func(c *Connection) { ts.connected <- c.ID })
	ts.srv.SetOnDisconnect(func(id string) { ts.disconnect <- id })

	if err := ts.srv.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	ts.http = httptest.NewServer(http.HandlerFunc(ts.srv.HandleUpgrade))

	t.Cleanup(func() {
		ts.http.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = ts.srv.Shutdown(ctx)
	})
	return ts
}

func (ts *testServer) dial(t *testing.T) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.http.URL, "http"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if br != nil {
		ws.PutReader(br)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func roundTrip(t *testing.T, conn net.Conn, frame string) gjson.Result {
	t.Helper()
	if err := wsutil.WriteClientText(conn, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return gjson.ParseBytes(data)
}

func TestServer_ConnectDispatchDisconnect(t *testing.T) {
	ts := startTestServer(t)
	conn := ts.dial(t)

	id := waitFor(t, ts.connected, "connect callback")
	if ts.srv.Connections().Get(id) == nil {
		t.Fatalf("connection %s not registered", id)
	}

	if got := roundTrip(t, conn, `{"type":"ping"}`).Get("type").Str; got != protocol.TypePong {
		t.Errorf("ping reply type = %q, want pong", got)
	}

	reply := roundTrip(t, conn, `{"type":"end_match"}`)
	if reply.Get("type").Str != protocol.TypePartnerDisconnected || reply.Get("reason").Str != protocol.ReasonEnded {
		t.Errorf("handler reply = %s", reply.Raw)
	}

	reply = roundTrip(t, conn, `{"type":"bogus"}`)
	if reply.Get("type").Str != protocol.TypeError || reply.Get("code").Str != protocol.CodeInvalidMessage {
		t.Errorf("unknown type reply = %s", reply.Raw)
	}

	reply = roundTrip(t, conn, `not json`)
	if reply.Get("code").Str != protocol.CodeInvalidMessage {
		t.Errorf("malformed frame reply = %s", reply.Raw)
	}

	conn.Close()
	if got := waitFor(t, ts.disconnect, "disconnect callback"); got != id {
		t.Errorf("disconnected %s, want %s", got, id)
	}
	if ts.srv.Connections().Count() != 0 {
		t.Errorf("Count = %d after close", ts.srv.Connections().Count())
	}
}

func TestServer_RemoveConnectionIsIdempotent(t *testing.T) {
	ts := startTestServer(t)
	ts.dial(t)
	id := waitFor(t, ts.connected, "connect callback")

	c := ts.srv.Connections().Get(id)
	ts.srv.RemoveConnection(c)
	ts.srv.RemoveConnection(c)

	waitFor(t, ts.disconnect, "disconnect callback")
	select {
	case extra := <-ts.disconnect:
		t.Fatalf("second disconnect callback for %s", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestServer_SendToUnknownSession(t *testing.T) {
	ts := startTestServer(t)
	if err := ts.srv.SendMessage("nope", []byte(`{}`)); err == nil {
		t.Fatal("expected an error for an unknown session")
	}
}

func TestServer_SlowReaderIsDropped(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.SendQueueSize = 2
	cfg.WriteTimeout = 0
	cfg.Heartbeat.Interval = 0

	disconnected := make(chan string, 1)
	srv := NewServer(cfg, logging.Discard(), nil)
	srv.SetOnDisconnect(func(id string) { disconnected <- id })

	// Nobody reads the client end, so the first write blocks forever.
	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()
	c := NewConnection("slow", serverEnd, cfg.SendQueueSize)
	srv.conns.Add(c)
	srv.startWriter(c)

	start := time.Now()
	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = srv.SendMessage("slow", []byte(`{"type":"presence_count","count":1}`))
	}
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("SendMessage error = %v, want ErrSendQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("SendMessage waited %s on a stalled reader", elapsed)
	}

	if got := waitFor(t, disconnected, "slow reader removal"); got != "slow" {
		t.Errorf("disconnected %s, want slow", got)
	}
	if err := srv.SendMessage("slow", []byte(`{}`)); err == nil {
		t.Error("expected an error after the slow reader was dropped")
	}
}

func TestConnection_EnqueueAfterClose(t *testing.T) {
	serverEnd, clientEnd := net.Pipe()
	defer clientEnd.Close()
	c := NewConnection("s1", serverEnd, 4)
	c.Close()

	if err := c.Enqueue([]byte(`{}`)); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrConnectionClosed", err)
	}
}
