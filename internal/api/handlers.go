package api

import (
	"errors"
	"net/http"
	"sync"

	"github.com/MrWong99/brewhaven/internal/dispatch"
	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/internal/transcript"
	"github.com/MrWong99/brewhaven/pkg/credential"
)

type startRequest struct {
	Identity string `json:"identity"`
}

type messageRequest struct {
	Text string `json:"text"`
}

// startSession begins a session in the background and answers as soon as the
// controller has accepted the attempt. The outcome is reported through the
// session state.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := credential.ValidateIdentity(req.Identity); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.cfg.Sessions.State().Phase.Active() {
		writeError(w, http.StatusConflict, session.ErrAlreadyActive.Error())
		return
	}

	accepted := make(chan struct{})
	var once sync.Once
	unsubscribe := s.cfg.Sessions.SubscribeState(func(st session.State) {
		if st.Phase == session.PhaseConnecting {
			once.Do(func() { close(accepted) })
		}
	})
	defer unsubscribe()

	done := make(chan error, 1)
	log := observe.Logger(r.Context())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.cfg.Sessions.Start(s.base, req.Identity)
		if err != nil {
			log.Debug("background session start ended", "identity", req.Identity, "err", err)
		}
		done <- err
	}()

	select {
	case err := <-done:
		switch {
		case errors.Is(err, credential.ErrInvalidIdentity):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, session.ErrAlreadyActive):
			writeError(w, http.StatusConflict, err.Error())
			return
		}
	case <-accepted:
	case <-r.Context().Done():
		return
	}
	writeJSON(w, http.StatusAccepted, newStateBody(s.cfg.Sessions.State()))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Stop(); err != nil {
		// The session is already disconnected; only the teardown failed.
		observe.Logger(r.Context()).Warn("session stop: transport disconnect failed", "err", err)
	}
	writeJSON(w, http.StatusOK, newStateBody(s.cfg.Sessions.State()))
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, sessionBody{
		stateBody: newStateBody(s.cfg.Sessions.State()),
		Agent: agentBody{
			Name:      s.cfg.Sessions.AgentName(),
			Responder: s.cfg.Responder,
		},
	})
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry, err := s.cfg.Sender.Send(r.Context(), req.Text)
	var sendErr *dispatch.SendFailedError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, entry)
	case errors.Is(err, dispatch.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &sendErr):
		// The optimistic entry stays in the transcript; hand it back so the
		// client can mark it as undelivered.
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), Entry: &entry})
	default:
		observe.Logger(r.Context()).Error("send message", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) getTranscript(w http.ResponseWriter, _ *http.Request) {
	entries := s.cfg.Sessions.Transcript().All()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
