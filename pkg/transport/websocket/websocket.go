// Package websocket implements transport.Transport over a WebSocket connection
// to an agent session endpoint.
//
// The protocol is a small set of JSON text frames. On connect the client sends
// session.start carrying the credential token and waits for session.ready.
// Chat text travels as chat.message frames in both directions. An error frame
// fails the pending connect or terminates a live session with a transport
// error; a normal close frame is treated as a clean remote disconnect.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
)

var _ transport.Transport = (*Client)(nil)

// ErrClosed is returned by Connect when the client was disconnected before or
// during the attempt.
var ErrClosed = errors.New("websocket: client closed")

const eventBuffer = 32

// Message types exchanged with the agent endpoint.
const (
	typeSessionStart = "session.start"
	typeSessionReady = "session.ready"
	typeChatMessage  = "chat.message"
	typeError        = "error"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithAPIKey sends key as a Bearer token in the WebSocket handshake.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithModel selects the agent model; it is passed as the "model" query
// parameter.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient overrides the HTTP client used for the handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewFactory returns a transport.Factory that creates a new [Client] for url
// on every call.
func NewFactory(url string, opts ...Option) transport.Factory {
	return func() transport.Transport { return New(url, opts...) }
}

// ── Protocol message types ────────────────────────────────────────────────────

type clientMessage struct {
	Type     string `json:"type"`
	Token    string `json:"token,omitempty"`
	Identity string `json:"identity,omitempty"`
	Text     string `json:"text,omitempty"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is a single WebSocket agent session.
type Client struct {
	url        string
	apiKey     string
	model      string
	httpClient *http.Client

	events    chan transport.Event
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu      sync.Mutex
	conn    *websocket.Conn
	started bool
	closed  bool
}

// New creates an unconnected Client for the agent endpoint at url
// (e.g., "wss://agent.example.com/v1/session").
func New(url string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		url:    url,
		events: make(chan transport.Event, eventBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect dials the endpoint, sends session.start and waits for session.ready.
func (c *Client) Connect(ctx context.Context, cred credential.Credential) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started || c.conn != nil {
		c.mu.Unlock()
		return errors.New("websocket: already connected")
	}
	c.mu.Unlock()

	// Abort the handshake when Disconnect is called mid-connect.
	dialCtx, dialCancel := context.WithCancel(ctx)
	defer dialCancel()
	stop := context.AfterFunc(c.ctx, dialCancel)
	defer stop()

	dialURL := c.url
	if c.model != "" {
		dialURL = fmt.Sprintf("%s?model=%s", c.url, c.model)
	}
	opts := &websocket.DialOptions{HTTPClient: c.httpClient}
	if c.apiKey != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}

	conn, _, err := websocket.Dial(dialCtx, dialURL, opts)
	if err != nil {
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return fmt.Errorf("websocket: dial: %w", err)
	}

	if err := handshake(dialCtx, conn, cred); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		if c.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	c.conn = conn
	c.started = true
	c.mu.Unlock()

	go c.receiveLoop(conn)
	return nil
}

// handshake sends session.start and blocks until session.ready or an error
// frame arrives.
func handshake(ctx context.Context, conn *websocket.Conn, cred credential.Credential) error {
	start, err := json.Marshal(clientMessage{Type: typeSessionStart, Token: cred.Token, Identity: cred.Identity})
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, start); err != nil {
		return fmt.Errorf("websocket: send session.start: %w", err)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("websocket: await session.ready: %w", err)
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case typeSessionReady:
			return nil
		case typeError:
			return fmt.Errorf("websocket: session rejected: %s", errorText(msg))
		}
	}
}

// receiveLoop reads frames until the connection ends. It owns the events
// channel once started and closes it on exit.
func (c *Client) receiveLoop(conn *websocket.Conn) {
	defer c.closeEvents()

	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			c.emit(transport.Event{Type: transport.EventClosed, Err: c.classifyReadErr(err), Received: time.Now()})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case typeChatMessage:
			if msg.Text == "" {
				continue
			}
			c.emit(transport.Event{
				Type:     transport.EventMessage,
				Text:     msg.Text,
				Sender:   msg.Sender,
				Received: time.Now(),
			})
		case typeError:
			conn.Close(websocket.StatusInternalError, "agent error")
			c.emit(transport.Event{
				Type:     transport.EventClosed,
				Err:      fmt.Errorf("websocket: agent error: %s", errorText(msg)),
				Received: time.Now(),
			})
			return
		}
	}
}

// classifyReadErr maps a read failure to nil for clean closes and a wrapped
// error for everything else.
func (c *Client) classifyReadErr(err error) error {
	if c.ctx.Err() != nil {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	}
	return fmt.Errorf("websocket: read: %w", err)
}

// emit delivers ev, preferring buffered delivery so that messages read before a
// local disconnect are not lost.
func (c *Client) emit(ev transport.Event) {
	select {
	case c.events <- ev:
		return
	default:
	}
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) closeEvents() {
	c.closeOnce.Do(func() { close(c.events) })
}

// SendText writes a chat.message frame.
func (c *Client) SendText(ctx context.Context, text string) error {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return transport.ErrNotConnected
	}

	data, err := json.Marshal(clientMessage{Type: typeChatMessage, Text: text})
	if err != nil {
		return fmt.Errorf("websocket: marshal: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket: write: %w", err)
	}
	return nil
}

// Events returns the event channel.
func (c *Client) Events() <-chan transport.Event { return c.events }

// Disconnect closes the connection. Idempotent.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if !started {
		c.closeEvents()
	}
	return nil
}

func errorText(msg serverMessage) string {
	if msg.Message != "" {
		return msg.Message
	}
	return "unknown error"
}
