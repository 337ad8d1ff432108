// Package api exposes the session controller and the message dispatcher to a
// browser front end: a small JSON API for start, stop and send, plus a
// websocket stream that pushes state changes and transcript entries.
//
// Routes:
//
//	POST /v1/session/start   start a session for {"identity": "..."}
//	POST /v1/session/stop    end the current session
//	GET  /v1/session         current state and agent info
//	POST /v1/messages        send {"text": "..."}
//	GET  /v1/transcript      transcript snapshot
//	GET  /v1/events          websocket stream of state and entry frames
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/brewhaven/internal/dispatch"
	"github.com/MrWong99/brewhaven/internal/health"
	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/internal/transcript"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 64 << 10

// Sessions is the part of [session.Controller] the API drives.
type Sessions interface {
	Start(ctx context.Context, identity string) error
	Stop() error
	State() session.State
	Transcript() *transcript.Store
	AgentName() string
	SubscribeState(h func(session.State)) (unsubscribe func())
	SubscribeTranscript(h func(transcript.Entry)) (unsubscribe func())
}

var _ Sessions = (*session.Controller)(nil)

// Sender sends user messages. Satisfied by [dispatch.Dispatcher].
type Sender interface {
	Send(ctx context.Context, text string) (transcript.Entry, error)
}

var _ Sender = (*dispatch.Dispatcher)(nil)

// Config holds the dependencies of a [Server]. Sessions and Sender are
// required.
type Config struct {
	Sessions Sessions
	Sender   Sender

	// Responder names the reply source reported as agent info.
	Responder string

	// Health serves /healthz and /readyz when non-nil.
	Health *health.Handler

	// Metrics serves /metrics when non-nil.
	Metrics http.Handler

	// HTTPMetrics records request durations. Defaults to
	// [observe.DefaultMetrics].
	HTTPMetrics *observe.Metrics

	// AllowedOrigins lists the cross-origin callers permitted for both the
	// JSON API and the event stream. "*" allows any origin.
	AllowedOrigins []string

	// EventBuffer is the number of frames queued per event subscriber
	// before it is dropped as too slow. Zero selects 64.
	EventBuffer int
}

// Server routes HTTP requests to the session controller and dispatcher.
type Server struct {
	cfg    Config
	router chi.Router

	// base scopes background session starts; Close cancels it.
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Server with all routes registered. It panics if a required
// dependency is missing.
func New(cfg Config) *Server {
	if cfg.Sessions == nil || cfg.Sender == nil {
		panic("api: Sessions and Sender are required")
	}
	if cfg.HTTPMetrics == nil {
		cfg.HTTPMetrics = observe.DefaultMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, base: base, cancel: cancel}
	s.router = s.routes()
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close cancels session starts still running in the background and waits
// for them to return.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(observe.Middleware(s.cfg.HTTPMetrics))
	r.Use(CORS(s.cfg.AllowedOrigins))

	if s.cfg.Health != nil {
		s.cfg.Health.Register(r)
	}
	if s.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Route("/session", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Post("/start", s.startSession)
			r.Post("/stop", s.stopSession)
		})
		r.Post("/messages", s.sendMessage)
		r.Get("/transcript", s.getTranscript)
		r.Get("/events", s.events)
	})
	return r
}

// ── DTOs ──────────────────────────────────────────────────────────────────────

// stateBody is the JSON form of a [session.State].
type stateBody struct {
	Phase     session.Phase  `json:"phase"`
	Reason    session.Reason `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Identity  string         `json:"identity,omitempty"`
	Since     time.Time      `json:"since"`
}

func newStateBody(st session.State) stateBody {
	b := stateBody{
		Phase:     st.Phase,
		Reason:    st.Reason,
		SessionID: st.SessionID,
		Identity:  st.Identity,
		Since:     st.Since,
	}
	if st.Err != nil {
		b.Error = st.Err.Error()
	}
	return b
}

type agentBody struct {
	Name      string `json:"name"`
	Responder string `json:"responder,omitempty"`
}

type sessionBody struct {
	stateBody
	Agent agentBody `json:"agent"`
}

type errorBody struct {
	Error string            `json:"error"`
	Entry *transcript.Entry `json:"entry,omitempty"`
}

// ── helpers ───────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("api: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v
// unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
