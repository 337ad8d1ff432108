// Package transcript holds the chat transcript of a single session.
//
// A [Store] is an append-only, order-preserving log of [Entry] values from two
// origins: the local user and the remote agent. Append is the only mutator.
// Timestamps are assigned at append time and never decrease, so append order
// and timestamp order always agree. Readers get immutable snapshots via
// [Store.All] or a lazy sequence via [Store.Entries]; subscribers registered
// with [Store.Subscribe] are notified of every new entry in append order.
//
// A Store belongs to exactly one session attempt and is never shared or merged
// across sessions.
package transcript

import (
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/brewhaven/internal/event"
)

// ErrEmptyText is returned by [Store.Append] when the entry text is empty or
// whitespace only.
var ErrEmptyText = errors.New("transcript: entry text must not be empty")

// Origin identifies who produced an entry.
type Origin int

const (
	// OriginLocal marks entries typed by the local user.
	OriginLocal Origin = iota + 1

	// OriginRemote marks entries produced by the remote agent.
	OriginRemote
)

// String returns "local" or "remote".
func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// IsValid reports whether o is a recognised origin.
func (o Origin) IsValid() bool {
	return o == OriginLocal || o == OriginRemote
}

// MarshalText implements encoding.TextMarshaler.
func (o Origin) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("transcript: invalid origin %d", int(o))
	}
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Origin) UnmarshalText(b []byte) error {
	switch string(b) {
	case "local":
		*o = OriginLocal
	case "remote":
		*o = OriginRemote
	default:
		return fmt.Errorf("transcript: unknown origin %q", b)
	}
	return nil
}

// EntryInput is the caller-supplied part of an entry.
type EntryInput struct {
	Text       string
	Origin     Origin
	SenderName string
}

// Entry is an immutable transcript record.
type Entry struct {
	// Seq is the zero-based append position.
	Seq int `json:"seq"`

	Text       string    `json:"text"`
	Origin     Origin    `json:"origin"`
	Timestamp  time.Time `json:"timestamp"`
	SenderName string    `json:"sender_name,omitempty"`

	// Edited is always false for appended entries; entries are never rewritten.
	Edited bool `json:"edited"`
}

// Option configures a [Store].
type Option func(*Store)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is an append-only transcript. It is safe for concurrent use.
type Store struct {
	// appendMu orders appends together with their notifications.
	appendMu sync.Mutex

	mu      sync.RWMutex
	entries []Entry
	last    time.Time

	now func() time.Time
	bus event.Bus[Entry]
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append validates in, assigns its sequence number and timestamp, stores it
// and notifies subscribers before returning. Subscribers must not call Append
// on the same Store.
func (s *Store) Append(in EntryInput) (Entry, error) {
	if strings.TrimSpace(in.Text) == "" {
		return Entry{}, ErrEmptyText
	}
	if !in.Origin.IsValid() {
		return Entry{}, fmt.Errorf("transcript: invalid origin %d", int(in.Origin))
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	s.mu.Lock()
	ts := s.now()
	if ts.Before(s.last) {
		ts = s.last
	}
	s.last = ts
	e := Entry{
		Seq:        len(s.entries),
		Text:       in.Text,
		Origin:     in.Origin,
		Timestamp:  ts,
		SenderName: in.SenderName,
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()

	s.bus.Publish(e)
	return e, nil
}

// All returns a snapshot of every entry in append order. The returned slice is
// owned by the caller.
func (s *Store) All() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Entries returns a lazy sequence over the entries present when iteration
// starts. Each iteration takes a fresh snapshot, so the sequence can be ranged
// over repeatedly.
func (s *Store) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range s.All() {
			if !yield(e) {
				return
			}
		}
	}
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Subscribe registers h to be called with every entry appended from now on.
// The returned function removes the subscription.
func (s *Store) Subscribe(h func(Entry)) (unsubscribe func()) {
	return s.bus.Subscribe(h)
}
