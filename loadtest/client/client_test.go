package client

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/tidwall/gjson"
)

// echoServer greets with session_created and answers identify with
// identified.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		if err := wsutil.WriteServerText(conn, []byte(`{"type":"session_created","session_id":"sess-1"}`)); err != nil {
			return
		}
		for {
			data, err := wsutil.ReadClientText(conn)
			if err != nil {
				return
			}
			if gjson.GetBytes(data, "type").Str == "identify" {
				reply := `{"type":"identified","user_id":"` + gjson.GetBytes(data, "user_id").Str + `"}`
				if err := wsutil.WriteServerText(conn, []byte(reply)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_SessionAndHandlers(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	got := make(chan string, 1)
	c.On("identified", func(frame gjson.Result) {
		got <- frame.Get("user_id").Str
	})

	if err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("wait for session: %v", err)
	}
	if c.SessionID() != "sess-1" {
		t.Errorf("unexpected session id %q", c.SessionID())
	}

	if err := c.Identify("alice", ""); err != nil {
		t.Fatalf("identify: %v", err)
	}
	select {
	case uid := <-got:
		if uid != "alice" {
			t.Errorf("unexpected user id %q", uid)
		}
	case <-ctx.Done():
		t.Fatal("no identified frame")
	}

	m := c.GetMetrics()
	if m.MessagesSent != 1 || m.MessagesReceived != 2 {
		t.Errorf("unexpected metrics: %+v", m)
	}
}

func TestClient_CloseEndsDone(t *testing.T) {
	url := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c.Close()

	select {
	case <-c.Done():
	case <-ctx.Done():
		t.Fatal("done not closed")
	}
}

// burstServer writes frames back to back right after the upgrade, so they
// usually reach the client in the same read as the handshake response.
func burstServer(t *testing.T, frames ...string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		defer conn.Close()

		var buf bytes.Buffer
		for _, f := range frames {
			if err := wsutil.WriteServerText(&buf, []byte(f)); err != nil {
				return
			}
		}
		if _, err := conn.Write(buf.Bytes()); err != nil {
			return
		}
		for {
			if _, err := wsutil.ReadClientText(conn); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_ReadsFramesSentWithHandshake(t *testing.T) {
	url := burstServer(t,
		`{"type":"session_created","session_id":"sess-9"}`,
		`{"type":"presence_count","count":1}`,
		`{"type":"presence_count","count":2}`,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := New(ctx, url)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.WaitForSession(ctx); err != nil {
		t.Fatalf("wait for session: %v", err)
	}
	if c.SessionID() != "sess-9" {
		t.Errorf("unexpected session id %q", c.SessionID())
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.GetMetrics().MessagesReceived < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := c.GetMetrics().MessagesReceived; got != 3 {
		t.Errorf("received %d frames, want 3", got)
	}
}
