// Package dispatch submits user chat messages to the active session.
//
// [Dispatcher.Send] appends the message to the transcript as a local entry
// before forwarding it (optimistic echo), then hands it to a [ResponseSource]
// that produces the agent's reply. A failed forward leaves the local entry in
// place and reports a [*SendFailedError]; nothing is retried.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/internal/transcript"
)

var (
	// ErrEmptyMessage is returned for messages that are empty after trimming.
	ErrEmptyMessage = errors.New("dispatch: message must not be empty")

	// ErrNotReady is returned when no session is connected.
	ErrNotReady = errors.New("dispatch: session is not connected")
)

// SendFailedError reports that the transport rejected a message. The local
// entry for Text stays in the transcript.
type SendFailedError struct {
	Text string
	Err  error
}

func (e *SendFailedError) Error() string {
	return fmt.Sprintf("dispatch: send failed: %v", e.Err)
}

func (e *SendFailedError) Unwrap() error { return e.Err }

// Sessions yields the connected session. [*session.Controller] implements it.
type Sessions interface {
	Active() (session.Session, bool)
}

var _ Sessions = (*session.Controller)(nil)

// Option is a functional option for [Dispatcher].
type Option func(*Dispatcher)

// WithResponseSource sets the reply strategy. Default: [TransportReplies].
func WithResponseSource(rs ResponseSource) Option {
	return func(d *Dispatcher) { d.replies = rs }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher sends user messages. It is safe for concurrent use; messages
// sent concurrently may interleave in the transcript, but the local entry of
// a message always precedes its reply.
type Dispatcher struct {
	sessions Sessions
	replies  ResponseSource
	metrics  *observe.Metrics
}

// New creates a Dispatcher for the sessions of s.
func New(s Sessions, opts ...Option) *Dispatcher {
	d := &Dispatcher{sessions: s}
	for _, o := range opts {
		o(d)
	}
	if d.replies == nil {
		d.replies = TransportReplies{}
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// ResponseSource returns the configured reply strategy.
func (d *Dispatcher) ResponseSource() ResponseSource {
	return d.replies
}

// Send validates text, appends it as a local entry, forwards it to the
// session transport and asks the response source for a reply. It returns the
// local entry. Empty text fails with [ErrEmptyMessage] and a missing session
// with [ErrNotReady]; neither has side effects.
func (d *Dispatcher) Send(ctx context.Context, text string) (transcript.Entry, error) {
	if strings.TrimSpace(text) == "" {
		return transcript.Entry{}, ErrEmptyMessage
	}
	sess, ok := d.sessions.Active()
	if !ok {
		return transcript.Entry{}, ErrNotReady
	}

	ctx, span := observe.StartSpan(ctx, "dispatch.send")
	log := observe.Logger(ctx).With("session_id", sess.ID)

	local, err := sess.Transcript.Append(transcript.EntryInput{
		Text:       text,
		Origin:     transcript.OriginLocal,
		SenderName: sess.Identity,
	})
	if err != nil {
		observe.EndSpan(span, err)
		return transcript.Entry{}, fmt.Errorf("dispatch: append local entry: %w", err)
	}

	if err := sess.Transport.SendText(ctx, text); err != nil {
		d.metrics.RecordMessageSent(ctx, "error")
		log.Warn("message send failed", "seq", local.Seq, "err", err)
		err = &SendFailedError{Text: text, Err: err}
		observe.EndSpan(span, err)
		return local, err
	}
	d.metrics.RecordMessageSent(ctx, "ok")
	log.Debug("message sent", "seq", local.Seq)

	d.replies.Respond(sess, text)
	observe.EndSpan(span, nil)
	return local, nil
}
