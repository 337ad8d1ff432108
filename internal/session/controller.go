// Package session owns the lifecycle of a single real-time agent session.
//
// A [Controller] runs the state machine
//
//	Idle ──Start──▶ Connecting ──ok──▶ Connected ──remote close / Stop──▶ Disconnected
//	                     │                  │
//	                     │                  └──transport error──▶ Failed(reason)
//	                     ├──credential / transport error / timeout──▶ Failed(reason)
//	                     └──Stop──▶ Disconnected
//
// Disconnected and Failed are terminal for an attempt and both accept a new
// Start, which begins with a fresh credential fetch and a fresh transcript.
// At most one transport session exists at any time: Start while Connecting or
// Connected is rejected with [ErrAlreadyActive].
//
// Every transition is serialised under one mutex and stamped with an attempt
// number. Work finishing for an attempt that is no longer current is
// discarded, and a transport it produced is disconnected immediately.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/brewhaven/internal/event"
	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/transcript"
	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/transport"
)

const (
	// DefaultConnectTimeout bounds a connect attempt when Config leaves it zero.
	DefaultConnectTimeout = 15 * time.Second

	// DefaultAgentName labels remote entries that carry no sender name.
	DefaultAgentName = "Barista"
)

// errStopped is the cancellation cause installed by Stop.
var errStopped = errors.New("session: stopped while connecting")

// Config holds the dependencies of a [Controller].
type Config struct {
	// Fetcher obtains the credential for each attempt. Required.
	Fetcher credential.Fetcher

	// NewTransport creates a fresh transport per attempt. Required.
	NewTransport transport.Factory

	// ConnectTimeout bounds credential fetch plus transport connect.
	// Default: [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// AgentName labels remote entries without a sender. Default: [DefaultAgentName].
	AgentName string

	// Metrics receives lifecycle metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is a handle on the connected session, returned by [Controller.Active].
type Session struct {
	ID         string
	Identity   string
	Transport  transport.Transport
	Transcript *transcript.Store
}

// Controller is the session state machine. All exported methods are safe for
// concurrent use.
type Controller struct {
	fetcher      credential.Fetcher
	newTransport transport.Factory
	agentName    string
	metrics      *observe.Metrics

	connectTimeout atomic.Int64

	mu         sync.Mutex
	state      State
	attempt    uint64
	cancel     context.CancelCauseFunc
	tr         transport.Transport
	transcript *transcript.Store

	// pending queues states for delivery in transition order. It is guarded
	// by mu and drained by whichever goroutine holds notifyMu.
	pending  []State
	notifyMu sync.Mutex
	states   event.Bus[State]
	entries  event.Bus[transcript.Entry]
}

// NewController creates a Controller in [PhaseIdle] with an empty transcript.
// It panics if Fetcher or NewTransport is nil.
func NewController(cfg Config) *Controller {
	if cfg.Fetcher == nil || cfg.NewTransport == nil {
		panic("session: NewController requires a Fetcher and a NewTransport factory")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	c := &Controller{
		fetcher:      cfg.Fetcher,
		newTransport: cfg.NewTransport,
		agentName:    cfg.AgentName,
		metrics:      cfg.Metrics,
		state:        State{Phase: PhaseIdle, Since: time.Now()},
		transcript:   transcript.NewStore(),
	}
	c.connectTimeout.Store(int64(cfg.ConnectTimeout))
	return c
}

// ── Queries ──────────────────────────────────────────────────────────────────

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the transcript of the current (or most recent) attempt.
// It is never nil; a failed attempt keeps its transcript until the next Start.
func (c *Controller) Transcript() *transcript.Store {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcript
}

// Active returns the connected session, or false unless the phase is
// [PhaseConnected].
func (c *Controller) Active() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Phase != PhaseConnected || c.tr == nil {
		return Session{}, false
	}
	return Session{
		ID:         c.state.SessionID,
		Identity:   c.state.Identity,
		Transport:  c.tr,
		Transcript: c.transcript,
	}, true
}

// AgentName returns the label used for remote entries without a sender.
func (c *Controller) AgentName() string {
	return c.agentName
}

// ConnectTimeout returns the current connect timeout.
func (c *Controller) ConnectTimeout() time.Duration {
	return time.Duration(c.connectTimeout.Load())
}

// SetConnectTimeout changes the bound for future attempts. Non-positive values
// are ignored.
func (c *Controller) SetConnectTimeout(d time.Duration) {
	if d > 0 {
		c.connectTimeout.Store(int64(d))
	}
}

// Check fails when an attempt has been connecting for noticeably longer than
// the connect timeout. Its signature matches health.Checker.Check.
func (c *Controller) Check(_ context.Context) error {
	st := c.State()
	limit := 2 * c.ConnectTimeout()
	if st.Phase == PhaseConnecting && time.Since(st.Since) > limit {
		return fmt.Errorf("session: attempt %s connecting for more than %s", st.SessionID, limit)
	}
	return nil
}

// ── Subscriptions ────────────────────────────────────────────────────────────

// SubscribeState registers h for every state change, delivered in transition
// order. h runs on a goroutine that made a transition; it should return
// quickly. The returned function unsubscribes.
func (c *Controller) SubscribeState(h func(State)) (unsubscribe func()) {
	return c.states.Subscribe(h)
}

// SubscribeTranscript registers h for every entry appended to the current
// attempt's transcript. Entries that arrive late for an attempt that has
// since been replaced are recorded in that attempt's store but not forwarded.
func (c *Controller) SubscribeTranscript(h func(transcript.Entry)) (unsubscribe func()) {
	return c.entries.Subscribe(h)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start begins a new attempt for identity and blocks until it resolves.
//
// An empty identity is rejected with [credential.ErrInvalidIdentity] before
// any state change or network call. While Connecting or Connected, Start
// returns [ErrAlreadyActive]. Otherwise the controller moves to Connecting
// with a fresh transcript, fetches a credential and connects a new transport.
// Start returns nil once Connected, the failure error after moving to Failed,
// or [ErrStopped] when Stop cancelled the attempt. Cancelling ctx also ends the
// attempt in Disconnected.
func (c *Controller) Start(ctx context.Context, identity string) error {
	id, err := credential.ValidateIdentity(identity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state.Phase.Active() {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (id=%s, phase=%s)", ErrAlreadyActive, st.SessionID, st.Phase)
	}

	c.attempt++
	attempt := c.attempt
	sessionID := uuid.NewString()
	timeout := c.ConnectTimeout()

	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("session.identity", id),
		),
	)
	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	attemptCtx, cancelTimeout := context.WithTimeoutCause(attemptCtx, timeout, ErrTimeout)
	defer cancelTimeout()

	store := transcript.NewStore()
	store.Subscribe(func(e transcript.Entry) { c.forwardEntry(store, e) })
	c.cancel = cancel
	c.transcript = store
	c.transitionAndUnlock(State{Phase: PhaseConnecting, SessionID: sessionID, Identity: id})

	log := observe.Logger(ctx).With("session_id", sessionID, "identity", id)
	log.Info("session connecting", "attempt", attempt, "timeout", timeout)

	began := time.Now()
	tr, err := c.connect(attemptCtx, id, log)
	c.metrics.ConnectDuration.Record(ctx, time.Since(began).Seconds())

	c.mu.Lock()
	if c.attempt != attempt || c.state.Phase != PhaseConnecting {
		// Stopped or superseded while connecting.
		c.mu.Unlock()
		if tr != nil {
			log.Info("discarding session that connected after cancellation")
			_ = tr.Disconnect()
		}
		observe.EndSpan(span, ErrStopped)
		return ErrStopped
	}
	c.cancel = nil

	if err == nil {
		c.tr = tr
		c.transitionAndUnlock(State{Phase: PhaseConnected, SessionID: sessionID, Identity: id})
		c.metrics.ActiveSessions.Add(ctx, 1)
		log.Info("session connected", "duration", time.Since(began))
		go c.watch(attempt, tr, store, log)
		observe.EndSpan(span, nil)
		return nil
	}

	next, err := classify(attemptCtx, err)
	next.SessionID, next.Identity = sessionID, id
	c.transitionAndUnlock(next)
	if next.Phase == PhaseFailed {
		log.Warn("session failed", "reason", next.Reason.String(), "err", err)
	} else {
		log.Info("session attempt abandoned by caller", "err", err)
	}
	observe.EndSpan(span, err, attribute.String("session.reason", next.Reason.String()))
	return err
}

// Stop ends the current attempt. While Connecting it cancels the in-flight
// credential fetch or transport connect; while Connected it disconnects the
// transport. Both move the controller to Disconnected. In any other phase Stop
// is a no-op. The returned error is the transport's disconnect error, if any;
// the state change happens regardless.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.state.Phase {
	case PhaseConnecting:
		cancel := c.cancel
		c.cancel = nil
		st := c.state
		c.transitionAndUnlock(State{Phase: PhaseDisconnected, SessionID: st.SessionID, Identity: st.Identity})
		if cancel != nil {
			cancel(errStopped)
		}
		slog.Info("session stopped while connecting", "session_id", st.SessionID)
		return nil

	case PhaseConnected:
		tr := c.tr
		c.tr = nil
		st := c.state
		c.transitionAndUnlock(State{Phase: PhaseDisconnected, SessionID: st.SessionID, Identity: st.Identity})
		c.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session stopped", "session_id", st.SessionID)
		if err := tr.Disconnect(); err != nil {
			return fmt.Errorf("session: disconnect: %w", err)
		}
		return nil

	default:
		c.mu.Unlock()
		return nil
	}
}

// ── Internals ────────────────────────────────────────────────────────────────

// connect fetches a credential and connects a new transport with it. It
// resolves as soon as ctx is done even if the fetcher or transport ignore
// cancellation; a transport that connects afterwards is disconnected.
func (c *Controller) connect(ctx context.Context, identity string, log *slog.Logger) (transport.Transport, error) {
	type result struct {
		tr  transport.Transport
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		tr, err := c.dial(ctx, identity)
		resCh <- result{tr, err}
	}()

	select {
	case res := <-resCh:
		if res.err == nil && ctx.Err() != nil {
			// Connected in the same instant the attempt ended.
			_ = res.tr.Disconnect()
			return nil, ctx.Err()
		}
		return res.tr, res.err
	case <-ctx.Done():
		go func() {
			if res := <-resCh; res.tr != nil {
				log.Info("tearing down transport that connected after the attempt ended")
				_ = res.tr.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Controller) dial(ctx context.Context, identity string) (transport.Transport, error) {
	fetchCtx, span := observe.StartSpan(ctx, "credential.fetch")
	began := time.Now()
	cred, err := c.fetcher.Fetch(fetchCtx, identity)
	c.metrics.CredentialDuration.Record(ctx, time.Since(began).Seconds())
	observe.EndSpan(span, err)
	if err != nil {
		if kind := credential.KindOf(err); kind != 0 {
			c.metrics.RecordCredentialError(ctx, kind.String())
		}
		return nil, fmt.Errorf("session: fetch credential: %w", err)
	}

	connCtx, span := observe.StartSpan(ctx, "transport.connect")
	tr := c.newTransport()
	err = tr.Connect(connCtx, cred)
	observe.EndSpan(span, err)
	if err != nil {
		_ = tr.Disconnect()
		return nil, fmt.Errorf("%w: connect: %w", ErrTransport, err)
	}
	return tr, nil
}

// classify turns a failed attempt into its terminal state and the error Start
// returns.
func classify(ctx context.Context, err error) (State, error) {
	if ctx.Err() != nil {
		switch cause := context.Cause(ctx); {
		case errors.Is(cause, ErrTimeout):
			return State{Phase: PhaseFailed, Reason: ReasonTimeout, Err: ErrTimeout}, ErrTimeout
		case errors.Is(cause, errStopped):
			return State{Phase: PhaseDisconnected}, ErrStopped
		default:
			// The caller's context ended.
			return State{Phase: PhaseDisconnected}, fmt.Errorf("%w: %w", ErrStopped, cause)
		}
	}
	if kind := credential.KindOf(err); kind != 0 {
		return State{Phase: PhaseFailed, Reason: reasonFor(kind), Err: err}, err
	}
	if !errors.Is(err, ErrTransport) {
		err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return State{Phase: PhaseFailed, Reason: ReasonTransport, Err: err}, err
}

// watch consumes the transport's events for one attempt. Remote messages are
// appended even after the session left Connected, so late agent output is
// recorded rather than dropped.
func (c *Controller) watch(attempt uint64, tr transport.Transport, store *transcript.Store, log *slog.Logger) {
	var closeErr error
	for ev := range tr.Events() {
		switch ev.Type {
		case transport.EventMessage:
			sender := ev.Sender
			if sender == "" {
				sender = c.agentName
			}
			if _, err := store.Append(transcript.EntryInput{
				Text:       ev.Text,
				Origin:     transcript.OriginRemote,
				SenderName: sender,
			}); err != nil {
				log.Debug("dropping remote message", "err", err)
			}
		case transport.EventClosed:
			closeErr = ev.Err
		}
	}
	c.remoteClosed(attempt, tr, closeErr, log)
}

// remoteClosed handles the end of the transport's event stream. It only
// changes state if the attempt is still current and connected; after Stop the
// state is already Disconnected.
func (c *Controller) remoteClosed(attempt uint64, tr transport.Transport, err error, log *slog.Logger) {
	c.mu.Lock()
	if c.attempt != attempt || c.state.Phase != PhaseConnected || c.tr != tr {
		c.mu.Unlock()
		return
	}
	c.tr = nil
	st := c.state
	next := State{Phase: PhaseDisconnected, SessionID: st.SessionID, Identity: st.Identity}
	if err != nil {
		next.Phase = PhaseFailed
		next.Reason = ReasonTransport
		next.Err = fmt.Errorf("%w: %w", ErrTransport, err)
	}
	c.transitionAndUnlock(next)
	c.metrics.ActiveSessions.Add(context.Background(), -1)
	_ = tr.Disconnect()

	if err != nil {
		log.Warn("session lost", "err", err)
	} else {
		log.Info("session closed by remote")
	}
}

// transitionAndUnlock installs next as the current state, releases c.mu and
// notifies subscribers. It must be called with c.mu held.
func (c *Controller) transitionAndUnlock(next State) {
	prev := c.state
	next.Since = time.Now()
	c.state = next
	c.pending = append(c.pending, next)
	c.mu.Unlock()

	c.metrics.RecordTransition(context.Background(), prev.Phase.String(), next.Phase.String())
	slog.Debug("session transition", "session_id", next.SessionID, "from", prev.String(), "to", next.String())
	c.flush()
}

// flush delivers queued states. If another goroutine is already delivering,
// flush returns and that goroutine picks up the queued states, so a subscriber
// may call back into the Controller without deadlocking.
func (c *Controller) flush() {
	for {
		if !c.notifyMu.TryLock() {
			return
		}
		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			st := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			c.states.Publish(st)
		}
		c.notifyMu.Unlock()

		c.mu.Lock()
		empty := len(c.pending) == 0
		c.mu.Unlock()
		if empty {
			return
		}
	}
}

// forwardEntry records metrics for an appended entry and forwards it to
// transcript subscribers while store is the current transcript.
func (c *Controller) forwardEntry(store *transcript.Store, e transcript.Entry) {
	c.metrics.RecordTranscriptEntry(context.Background(), e.Origin.String())

	c.mu.Lock()
	current := c.transcript == store
	c.mu.Unlock()
	if current {
		c.entries.Publish(e)
	}
}
