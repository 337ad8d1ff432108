// Package app wires all Brewhaven subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session controller,
// dispatcher and HTTP surface, Run serves until the context ends, and
// Shutdown tears everything down in order.
//
// For testing, inject providers and observability via [Providers] and the
// functional options (WithMetrics, WithListener, etc.).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/brewhaven/internal/api"
	"github.com/MrWong99/brewhaven/internal/config"
	"github.com/MrWong99/brewhaven/internal/dispatch"
	"github.com/MrWong99/brewhaven/internal/health"
	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/resilience"
	"github.com/MrWong99/brewhaven/internal/session"
)

const (
	// DefaultListenAddr is used when server.listen_addr is empty.
	DefaultListenAddr = ":8080"

	shutdownGrace = 5 * time.Second
)

// App owns all subsystem lifetimes.
type App struct {
	cfgMu sync.Mutex
	cfg   *config.Config

	providers      *Providers
	metrics        *observe.Metrics
	metricsHandler http.Handler
	levels         *slog.LevelVar
	configPath     string
	watchInterval  time.Duration
	listener       net.Listener

	// Subsystems, initialised in New and torn down in Shutdown.
	guard      *resilience.CredentialGuard
	controller *session.Controller
	synthetic  *dispatch.SyntheticReplies
	dispatcher *dispatch.Dispatcher
	api        *api.Server
	server     *http.Server
	watcher    *config.Watcher

	// baseCtx is the parent of every request context; cancelling it ends
	// long-lived event streams that http.Server.Shutdown does not track.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets config reloads adjust the log level through lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.levels = lv }
}

// WithConfigWatch hot-reloads the config file at path while the app runs.
// A non-positive interval selects [config.DefaultWatchInterval].
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithListener serves on l instead of listening on server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// New creates an App from cfg and providers. It performs all initialisation
// synchronously; no network connection is opened until a session starts.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.Fetcher == nil || providers.NewTransport == nil {
		return nil, errors.New("app: credential and transport providers are required")
	}

	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.baseCtx, a.cancelBase = context.WithCancel(context.WithoutCancel(ctx))

	// ── 1. Credential issuer guard ───────────────────────────────────────
	b := cfg.Resilience.CredentialBreaker
	a.guard = resilience.NewCredentialGuard(providers.Fetcher, resilience.CircuitBreakerConfig{
		MaxFailures:  b.MaxFailures,
		ResetTimeout: b.ResetTimeout,
	})

	// ── 2. Session controller ────────────────────────────────────────────
	a.controller = session.NewController(session.Config{
		Fetcher:        a.guard,
		NewTransport:   providers.NewTransport,
		ConnectTimeout: cfg.Session.ConnectTimeout,
		AgentName:      cfg.Session.AgentName,
		Metrics:        a.metrics,
	})
	a.closers = append(a.closers, a.controller.Stop)

	// ── 3. Dispatcher ────────────────────────────────────────────────────
	responder := cfg.Session.Responder
	if responder == "" {
		responder = config.ResponderTransport
	}
	dispatchOpts := []dispatch.Option{dispatch.WithMetrics(a.metrics)}
	if responder == config.ResponderSynthetic {
		a.synthetic = dispatch.NewSyntheticReplies(
			dispatch.WithDelay(replyDelay(cfg.Session.ReplyDelay)),
			dispatch.WithTemplate(replyTemplate(cfg.Session.ReplyTemplate)),
			dispatch.WithSender(a.controller.AgentName()),
		)
		dispatchOpts = append(dispatchOpts, dispatch.WithResponseSource(a.synthetic))
		a.closers = append(a.closers, func() error { a.synthetic.Close(); return nil })
	}
	a.dispatcher = dispatch.New(a.controller, dispatchOpts...)

	// ── 4. HTTP surface ──────────────────────────────────────────────────
	a.api = api.New(api.Config{
		Sessions:  a.controller,
		Sender:    a.dispatcher,
		Responder: string(responder),
		Health: health.New(
			health.Checker{Name: a.guard.Breaker().Name(), Check: a.guard.Breaker().Check},
			health.Checker{Name: "session", Check: a.controller.Check},
		),
		Metrics:        a.metricsHandler,
		HTTPMetrics:    a.metrics,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	a.closers = append(a.closers, func() error { a.api.Close(); return nil })

	addr := cfg.Server.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.api,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return a.baseCtx },
	}

	// ── 5. Config hot reload ─────────────────────────────────────────────
	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, a.applyConfig, config.WithInterval(a.watchInterval))
		if err != nil {
			return nil, fmt.Errorf("app: config watcher: %w", err)
		}
		a.watcher = w
		a.closers = append([]func() error{func() error { w.Stop(); return nil }}, a.closers...)
	}

	slog.Info("app initialised",
		"listen_addr", addr,
		"responder", responder,
		"agent", a.controller.AgentName(),
		"connect_timeout", a.controller.ConnectTimeout(),
	)
	return a, nil
}

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.controller }

// Dispatcher returns the message dispatcher.
func (a *App) Dispatcher() *dispatch.Dispatcher { return a.dispatcher }

// Handler returns the HTTP handler serving the API.
func (a *App) Handler() http.Handler { return a.api }

// Config returns the config currently in effect, including hot reloads.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// ErrNoConfigWatch is returned by [App.ReloadConfig] when the app was built
// without [WithConfigWatch].
var ErrNoConfigWatch = errors.New("app: config watch not enabled")

// ReloadConfig re-reads the watched config file immediately, e.g. on SIGHUP.
// It reports whether a changed config was applied.
func (a *App) ReloadConfig() (bool, error) {
	if a.watcher == nil {
		return false, ErrNoConfigWatch
	}
	return a.watcher.Reload()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the server fails.
// When ctx is done, Run drains in-flight requests and returns ctx.Err().
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		tls := a.Config().Server.TLS
		switch {
		case a.listener != nil && tls != nil:
			err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
		case a.listener != nil:
			err = a.server.Serve(a.listener)
		case tls != nil:
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		default:
			err = a.server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		a.cancelBase()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", a.server.Addr)
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Shutdown tears down all subsystems in order: config watcher, session,
// synthetic replies, then background starts. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		a.cancelBase()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// applyConfig applies the hot-reloadable part of a config change and warns
// about the rest.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)

	if d.LogLevelChanged && a.levels != nil {
		a.levels.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ConnectTimeoutChanged {
		timeout := d.NewConnectTimeout
		if timeout <= 0 {
			timeout = session.DefaultConnectTimeout
		}
		a.controller.SetConnectTimeout(timeout)
		slog.Info("connect timeout changed", "timeout", timeout)
	}
	if a.synthetic != nil {
		if d.ReplyDelayChanged {
			a.synthetic.SetDelay(replyDelay(d.NewReplyDelay))
		}
		if d.ReplyTemplateChanged {
			a.synthetic.SetTemplate(replyTemplate(d.NewReplyTemplate))
		}
	}
	for _, field := range d.RestartRequired {
		slog.Warn("config change takes effect after restart", "field", field)
	}

	a.cfgMu.Lock()
	a.cfg = new
	a.cfgMu.Unlock()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func replyDelay(d time.Duration) time.Duration {
	if d <= 0 {
		return dispatch.DefaultReplyDelay
	}
	return d
}

func replyTemplate(t string) string {
	if t == "" {
		return dispatch.DefaultReplyTemplate
	}
	return t
}
