package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/internal/transcript"
)

const (
	frameState = "state"
	frameEntry = "entry"

	writeTimeout = 5 * time.Second
)

// frame is one message on the event stream.
type frame struct {
	Type  string            `json:"type"`
	State *stateBody        `json:"state,omitempty"`
	Entry *transcript.Entry `json:"entry,omitempty"`
}

// subscriber queues frames for one websocket client. Frames are produced on
// the controller's notification path and must never block it, so a client
// that falls behind by more than the buffer is dropped.
type subscriber struct {
	mu      sync.Mutex
	frames  chan frame
	dropped bool
	slow    chan struct{}
}

func (s *subscriber) push(f frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return
	}
	select {
	case s.frames <- f:
	default:
		s.dropped = true
		close(s.slow)
	}
}

// events upgrades to a websocket and streams state and entry frames until the
// client goes away. The first frame is always the current state.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.cfg.AllowedOrigins),
	})
	if err != nil {
		log.Debug("event stream: accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	sub := &subscriber{
		frames: make(chan frame, s.cfg.EventBuffer),
		slow:   make(chan struct{}),
	}

	// Hold the subscriber lock across subscribe and snapshot so no
	// transition can slip in between them unseen.
	sub.mu.Lock()
	unsubState := s.cfg.Sessions.SubscribeState(func(st session.State) {
		b := newStateBody(st)
		sub.push(frame{Type: frameState, State: &b})
	})
	unsubEntries := s.cfg.Sessions.SubscribeTranscript(func(e transcript.Entry) {
		sub.push(frame{Type: frameEntry, Entry: &e})
	})
	snapshot := newStateBody(s.cfg.Sessions.State())
	sub.frames <- frame{Type: frameState, State: &snapshot}
	sub.mu.Unlock()
	defer unsubEntries()
	defer unsubState()

	// The stream is one-way; CloseRead handles control frames and reports
	// when the client leaves.
	ctx := conn.CloseRead(r.Context())
	log.Debug("event stream: client connected")

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream: client disconnected")
			return
		case <-sub.slow:
			log.Warn("event stream: dropping slow client", "buffer", cap(sub.frames))
			conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case f := <-sub.frames:
			if err := writeFrame(ctx, conn, f); err != nil {
				log.Debug("event stream: write failed", "err", err)
				return
			}
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// originPatterns converts configured origins into the host patterns the
// websocket handshake checks. Same-origin requests are always accepted.
func originPatterns(origins []string) []string {
	var patterns []string
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			patterns = append(patterns, o)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
