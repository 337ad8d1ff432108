// Package mock provides test doubles for the transport package.
//
// Transport records Connect, SendText and Disconnect calls. Tests push remote
// messages with Deliver and end the session with CloseRemote. Setting
// ConnectBlock holds Connect until the channel is closed, which lets tests
// exercise cancellation while a connect is in flight.
//
// Example:
//
//	tr := mock.New()
//	ctrl := session.NewController(session.Config{
//	    Fetcher:      &credmock.Fetcher{},
//	    NewTransport: func() transport.Transport { return tr },
//	})
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
)

var _ transport.Transport = (*Transport)(nil)

// Transport is a mock implementation of transport.Transport.
type Transport struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned from Connect.
	ConnectErr error

	// ConnectBlock, if non-nil, makes Connect wait until it is closed. Connect
	// ignores ctx while blocked so tests can simulate a late success.
	ConnectBlock chan struct{}

	// SendErr, if non-nil, is returned from every SendText call.
	SendErr error

	// ConnectCalls records the credential passed to each Connect call.
	ConnectCalls []credential.Credential

	// Sent records the text of every successful SendText call in order.
	Sent []string

	connected      bool
	disconnects    int
	events         chan transport.Event
	closeOnce      sync.Once
	connectEntered chan struct{}
	enteredOnce    sync.Once
}

// New returns a ready-to-use mock Transport.
func New() *Transport {
	return &Transport{
		events:         make(chan transport.Event, 64),
		connectEntered: make(chan struct{}),
	}
}

// Connect records the call and returns ConnectErr.
func (t *Transport) Connect(_ context.Context, cred credential.Credential) error {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, cred)
	block := t.ConnectBlock
	t.mu.Unlock()

	t.enteredOnce.Do(func() { close(t.connectEntered) })
	if block != nil {
		<-block
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// ConnectEntered is closed once Connect has been called.
func (t *Transport) ConnectEntered() <-chan struct{} { return t.connectEntered }

// SendText records text and returns SendErr.
func (t *Transport) SendText(_ context.Context, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.SendErr != nil {
		return t.SendErr
	}
	if !t.connected {
		return transport.ErrNotConnected
	}
	t.Sent = append(t.Sent, text)
	return nil
}

// Events returns the event channel.
func (t *Transport) Events() <-chan transport.Event { return t.events }

// Disconnect marks the transport disconnected and closes the event stream.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	t.connected = false
	t.disconnects++
	t.mu.Unlock()
	t.finish(nil)
	return nil
}

// Deliver pushes a remote agent message onto the event stream.
func (t *Transport) Deliver(text, sender string) {
	t.events <- transport.Event{Type: transport.EventMessage, Text: text, Sender: sender, Received: time.Now()}
}

// CloseRemote ends the session from the remote side. A nil err simulates a
// clean remote disconnect, a non-nil err a transport failure.
func (t *Transport) CloseRemote(err error) {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	t.finish(err)
}

func (t *Transport) finish(err error) {
	t.closeOnce.Do(func() {
		t.events <- transport.Event{Type: transport.EventClosed, Err: err, Received: time.Now()}
		close(t.events)
	})
}

// Connected reports whether Connect succeeded and no disconnect happened since.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// DisconnectCount returns how many times Disconnect was called.
func (t *Transport) DisconnectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

// SentTexts returns a copy of the texts sent so far.
func (t *Transport) SentTexts() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.Sent))
	copy(out, t.Sent)
	return out
}

// Pool hands out a new mock Transport per factory call and counts how many are
// connected at the same time.
type Pool struct {
	mu         sync.Mutex
	transports []*Transport

	// Configure, if non-nil, is applied to every new Transport before it is
	// returned from the factory.
	Configure func(*Transport)

	maxLive atomic.Int32
}

// Factory returns a transport.Factory backed by the pool.
func (p *Pool) Factory() transport.Factory {
	return func() transport.Transport {
		t := New()
		if p.Configure != nil {
			p.Configure(t)
		}
		p.mu.Lock()
		p.transports = append(p.transports, t)
		p.mu.Unlock()
		return t
	}
}

// Transports returns every transport created so far in creation order.
func (p *Pool) Transports() []*Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Transport, len(p.transports))
	copy(out, p.transports)
	return out
}

// Last returns the most recently created transport, or nil.
func (p *Pool) Last() *Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.transports) == 0 {
		return nil
	}
	return p.transports[len(p.transports)-1]
}

// LiveCount returns how many pool transports are currently connected and
// records the high-water mark.
func (p *Pool) LiveCount() int {
	n := 0
	for _, t := range p.Transports() {
		if t.Connected() {
			n++
		}
	}
	for {
		cur := p.maxLive.Load()
		if int32(n) <= cur || p.maxLive.CompareAndSwap(cur, int32(n)) {
			break
		}
	}
	return n
}

// MaxLive returns the highest value LiveCount has observed.
func (p *Pool) MaxLive() int { return int(p.maxLive.Load()) }
