package websocket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
	wstransport "github.com/MrWong99/brewhaven/pkg/transport/websocket"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startAgent launches a test agent endpoint. The handler receives the accepted
// conn; the server is closed when the test finishes.
func startAgent(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession reads session.start and answers session.ready.
func acceptSession(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	var start map[string]string
	readJSON(t, conn, &start)
	writeJSON(t, conn, map[string]string{"type": "session.ready"})
	return start
}

func nextEvent(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed unexpectedly")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return transport.Event{}
}

var testCred = credential.Credential{Token: "abc", Identity: "barista"}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestConnect_SendsTokenAndWaitsForReady(t *testing.T) {
	t.Parallel()

	started := make(chan map[string]string, 1)
	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		started <- acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := wstransport.New(wsURL(srv))
	t.Cleanup(func() { _ = c.Disconnect() })

	if err := c.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	msg := <-started
	if msg["type"] != "session.start" {
		t.Errorf("type = %q; want session.start", msg["type"])
	}
	if msg["token"] != "abc" {
		t.Errorf("token = %q; want abc", msg["token"])
	}
	if msg["identity"] != "barista" {
		t.Errorf("identity = %q; want barista", msg["identity"])
	}
}

func TestConnect_ModelAndAPIKey(t *testing.T) {
	t.Parallel()

	type seen struct{ model, auth string }
	got := make(chan seen, 1)
	srv := startAgent(t, func(conn *websocket.Conn, r *http.Request) {
		got <- seen{model: r.URL.Query().Get("model"), auth: r.Header.Get("Authorization")}
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	c := wstransport.New(wsURL(srv), wstransport.WithModel("barista-v2"), wstransport.WithAPIKey("k"))
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	s := <-got
	if s.model != "barista-v2" {
		t.Errorf("model = %q; want barista-v2", s.model)
	}
	if s.auth != "Bearer k" {
		t.Errorf("Authorization = %q; want Bearer k", s.auth)
	}
}

func TestConnect_RejectedByAgent(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		var start map[string]string
		readJSON(t, conn, &start)
		writeJSON(t, conn, map[string]string{"type": "error", "message": "token expired"})
	})

	c := wstransport.New(wsURL(srv))
	err := c.Connect(context.Background(), testCred)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "token expired") {
		t.Errorf("error = %v; want mention of token expired", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	c := wstransport.New(url)
	if err := c.Connect(context.Background(), testCred); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestDisconnectDuringConnect(t *testing.T) {
	t.Parallel()

	reading := make(chan struct{})
	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		var start map[string]string
		readJSON(t, conn, &start)
		close(reading)
		// Never answer with session.ready.
		<-conn.CloseRead(context.Background()).Done()
	})

	c := wstransport.New(wsURL(srv))
	errCh := make(chan error, 1)
	go func() { errCh <- c.Connect(context.Background(), testCred) }()

	<-reading
	if err := c.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, wstransport.ErrClosed) {
			t.Errorf("Connect err = %v; want ErrClosed", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	if _, ok := <-c.Events(); ok {
		t.Error("expected events channel to be closed")
	}
}

func TestSendTextAndReceiveMessage(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg map[string]string
		readJSON(t, conn, &msg)
		writeJSON(t, conn, map[string]string{
			"type":   "chat.message",
			"text":   "Thanks for your order: " + msg["text"],
			"sender": "Barista",
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := wstransport.New(wsURL(srv))
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.SendText(context.Background(), "one large latte"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	ev := nextEvent(t, c.Events())
	if ev.Type != transport.EventMessage {
		t.Fatalf("event type = %v; want EventMessage", ev.Type)
	}
	if ev.Text != "Thanks for your order: one large latte" {
		t.Errorf("text = %q", ev.Text)
	}
	if ev.Sender != "Barista" {
		t.Errorf("sender = %q; want Barista", ev.Sender)
	}
	if ev.Received.IsZero() {
		t.Error("expected non-zero Received timestamp")
	}
}

func TestSendText_NotConnected(t *testing.T) {
	t.Parallel()
	c := wstransport.New("ws://127.0.0.1:1")
	if err := c.SendText(context.Background(), "hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v; want ErrNotConnected", err)
	}
}

func TestRemoteNormalClose_IsCleanDisconnect(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	c := wstransport.New(wsURL(srv))
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := nextEvent(t, c.Events())
	if ev.Type != transport.EventClosed {
		t.Fatalf("event type = %v; want EventClosed", ev.Type)
	}
	if ev.Err != nil {
		t.Errorf("Err = %v; want nil for normal closure", ev.Err)
	}
	if _, ok := <-c.Events(); ok {
		t.Error("expected events channel to be closed after EventClosed")
	}
}

func TestAgentErrorFrame_IsTransportError(t *testing.T) {
	t.Parallel()

	srv := startAgent(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]string{"type": "error", "message": "agent crashed"})
		<-conn.CloseRead(context.Background()).Done()
	})

	c := wstransport.New(wsURL(srv))
	t.Cleanup(func() { _ = c.Disconnect() })
	if err := c.Connect(context.Background(), testCred); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ev := nextEvent(t, c.Events())
	if ev.Type != transport.EventClosed || ev.Err == nil {
		t.Fatalf("event = %+v; want EventClosed with error", ev)
	}
	if !strings.Contains(ev.Err.Error(), "agent crashed") {
		t.Errorf("Err = %v; want mention of agent crashed", ev.Err)
	}
}

func TestDisconnect_Idempotent(t *testing.T) {
	t.Parallel()
	c := wstransport.New("ws://127.0.0.1:1")
	if err := c.Disconnect(); err != nil {
		t.Fatalf("first Disconnect: %v", err)
	}
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if err := c.Connect(context.Background(), testCred); !errors.Is(err, wstransport.ErrClosed) {
		t.Errorf("Connect after Disconnect err = %v; want ErrClosed", err)
	}
}

func TestNewFactory_CreatesFreshClients(t *testing.T) {
	t.Parallel()
	f := wstransport.NewFactory("ws://127.0.0.1:1")
	a, b := f(), f()
	if a == b {
		t.Error("factory returned the same transport twice")
	}
}
