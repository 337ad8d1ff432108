package dispatch

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/internal/transcript"
)

const (
	// DefaultReplyDelay is how long [SyntheticReplies] waits before replying.
	DefaultReplyDelay = time.Second

	// DefaultReplyTemplate is the synthetic reply; "{message}" is replaced by
	// the user's text.
	DefaultReplyTemplate = "Thanks for your order: {message}. How can I help you further?"
)

// ResponseSource produces the agent's reply to a message the transport has
// accepted.
type ResponseSource interface {
	// Respond is called once per accepted message. It must not block.
	Respond(sess session.Session, text string)
}

// TransportReplies expects the agent to answer over the transport. Replies
// arrive as transport events, which the session controller appends as remote
// entries, so Respond does nothing.
type TransportReplies struct{}

// Respond implements [ResponseSource].
func (TransportReplies) Respond(session.Session, string) {}

// SyntheticReplies appends a templated remote entry after a fixed delay. It
// stands in for an agent that only speaks and never answers in text.
//
// A reply that is already scheduled is appended even if the session ends in
// the meantime; the transcript is independent of the live session state.
type SyntheticReplies struct {
	mu       sync.Mutex
	delay    time.Duration
	template string
	sender   string
	timers   map[*time.Timer]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// SyntheticOption is a functional option for [SyntheticReplies].
type SyntheticOption func(*SyntheticReplies)

// WithDelay sets the reply delay. Default: [DefaultReplyDelay].
func WithDelay(d time.Duration) SyntheticOption {
	return func(s *SyntheticReplies) { s.delay = d }
}

// WithTemplate sets the reply template. Default: [DefaultReplyTemplate].
func WithTemplate(tmpl string) SyntheticOption {
	return func(s *SyntheticReplies) { s.template = tmpl }
}

// WithSender sets the sender name of synthetic entries.
func WithSender(name string) SyntheticOption {
	return func(s *SyntheticReplies) { s.sender = name }
}

// NewSyntheticReplies creates a SyntheticReplies.
func NewSyntheticReplies(opts ...SyntheticOption) *SyntheticReplies {
	s := &SyntheticReplies{
		delay:    DefaultReplyDelay,
		template: DefaultReplyTemplate,
		sender:   session.DefaultAgentName,
		timers:   make(map[*time.Timer]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Reply renders the reply for text.
func (s *SyntheticReplies) Reply(text string) string {
	s.mu.Lock()
	tmpl := s.template
	s.mu.Unlock()
	return strings.ReplaceAll(tmpl, "{message}", text)
}

// SetDelay changes the delay for replies scheduled from now on.
func (s *SyntheticReplies) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

// SetTemplate changes the template for replies rendered from now on.
func (s *SyntheticReplies) SetTemplate(tmpl string) {
	s.mu.Lock()
	s.template = tmpl
	s.mu.Unlock()
}

// Respond implements [ResponseSource].
func (s *SyntheticReplies) Respond(sess session.Session, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	reply := strings.ReplaceAll(s.template, "{message}", text)
	sender := s.sender

	s.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(s.delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.timers, t)
		s.mu.Unlock()

		if _, err := sess.Transcript.Append(transcript.EntryInput{
			Text:       reply,
			Origin:     transcript.OriginRemote,
			SenderName: sender,
		}); err != nil {
			slog.Warn("synthetic reply dropped", "session_id", sess.ID, "err", err)
		}
	})
	s.timers[t] = struct{}{}
}

// Wait blocks until every scheduled reply has been appended or cancelled.
func (s *SyntheticReplies) Wait() {
	s.wg.Wait()
}

// Close cancels replies that have not fired yet and rejects new ones. It is
// used on process shutdown only.
func (s *SyntheticReplies) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for t := range s.timers {
		if t.Stop() {
			s.wg.Done()
		}
		delete(s.timers, t)
	}
}
