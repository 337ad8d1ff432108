package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/brewhaven/internal/app"
	"github.com/MrWong99/brewhaven/internal/config"
	"github.com/MrWong99/brewhaven/internal/observe"
	"github.com/MrWong99/brewhaven/internal/session"
	"github.com/MrWong99/brewhaven/pkg/credential"
	credmock "github.com/MrWong99/brewhaven/pkg/credential/mock"
	trmock "github.com/MrWong99/brewhaven/pkg/transport/mock"
)

// testConfig returns a minimal config using the synthetic responder.
func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr: "127.0.0.1:0",
			LogLevel:   config.LogInfo,
		},
		Session: config.SessionConfig{
			ConnectTimeout: 2 * time.Second,
			Responder:      config.ResponderSynthetic,
			ReplyDelay:     5 * time.Millisecond,
		},
	}
}

func testProviders(f *credmock.Fetcher, pool *trmock.Pool) *app.Providers {
	return &app.Providers{Fetcher: f, NewTransport: pool.Factory()}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config, p *app.Providers, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t))}, opts...)
	a, err := app.New(context.Background(), cfg, p, opts...)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Shutdown(ctx)
	})
	return a
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(), nil); err == nil {
		t.Error("expected error for nil providers")
	}
	if _, err := app.New(context.Background(), testConfig(), &app.Providers{Fetcher: &credmock.Fetcher{}}); err == nil {
		t.Error("expected error for missing transport factory")
	}
	if _, err := app.New(context.Background(), nil, testProviders(&credmock.Fetcher{}, &trmock.Pool{})); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestApp_OrderFlowThroughHandler(t *testing.T) {
	t.Parallel()
	pool := &trmock.Pool{}
	a := newApp(t, testConfig(), testProviders(&credmock.Fetcher{}, pool))

	if err := a.Controller().Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"text":"two espressos"}`))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send status = %d, body %s", rec.Code, rec.Body)
	}

	store := a.Controller().Transcript()
	waitFor(t, "synthetic reply", func() bool { return store.Len() == 2 })
	reply := store.All()[1]
	want := "Thanks for your order: two espressos. How can I help you further?"
	if reply.Text != want {
		t.Errorf("reply = %q, want %q", reply.Text, want)
	}
	if reply.SenderName != session.DefaultAgentName {
		t.Errorf("reply sender = %q", reply.SenderName)
	}
}

func TestApp_TransportResponderByDefault(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Session.Responder = ""
	pool := &trmock.Pool{}
	a := newApp(t, cfg, testProviders(&credmock.Fetcher{}, pool))

	if err := a.Controller().Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.Dispatcher().Send(context.Background(), "latte"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if n := a.Controller().Transcript().Len(); n != 1 {
		t.Errorf("transcript len = %d, want only the local entry", n)
	}
}

func TestApp_CredentialBreakerOpens(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Resilience.CredentialBreaker = config.BreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}
	f := &credmock.Fetcher{Err: &credential.FetchError{Kind: credential.KindServer, StatusCode: 503, Err: errors.New("unavailable")}}
	a := newApp(t, cfg, testProviders(f, &trmock.Pool{}))
	ctrl := a.Controller()

	for range 2 {
		if err := ctrl.Start(context.Background(), "alice"); err == nil {
			t.Fatal("expected start failure")
		}
		if got := ctrl.State().Reason; got != session.ReasonServer {
			t.Errorf("reason = %v, want server", got)
		}
	}

	if err := ctrl.Start(context.Background(), "alice"); err == nil {
		t.Fatal("expected start failure with open breaker")
	}
	if got := ctrl.State().Reason; got != session.ReasonNetwork {
		t.Errorf("reason with open breaker = %v, want network", got)
	}
	if n := f.CallCount(); n != 2 {
		t.Errorf("issuer calls = %d, want 2", n)
	}

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d, want 503 while breaker is open", rec.Code)
	}
}

func TestApp_RunAndShutdown(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	a := newApp(t, testConfig(), testProviders(&credmock.Fetcher{}, &trmock.Pool{}), app.WithListener(ln))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Run(ctx)
	}()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, "server up", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return within 5s after context cancellation")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	// Idempotent.
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("second Shutdown() error: %v", err)
	}
}

func TestApp_ShutdownStopsSession(t *testing.T) {
	t.Parallel()
	pool := &trmock.Pool{}
	a := newApp(t, testConfig(), testProviders(&credmock.Fetcher{}, pool))

	if err := a.Controller().Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := a.Controller().State().Phase; got != session.PhaseDisconnected {
		t.Errorf("phase after shutdown = %v, want disconnected", got)
	}
	if pool.Last().Connected() {
		t.Error("transport still connected after shutdown")
	}
}

const reloadInitial = `
server:
  log_level: info
session:
  connect_timeout: 15s
  responder: synthetic
  reply_delay: 1s
`

const reloadUpdated = `
server:
  log_level: debug
session:
  connect_timeout: 5s
  responder: synthetic
  reply_delay: 10ms
  reply_template: "Coming right up: {message}"
`

func TestApp_HotReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(reloadInitial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	levels := new(slog.LevelVar)
	levels.Set(cfg.Server.LogLevel.Level())
	a := newApp(t, cfg, testProviders(&credmock.Fetcher{}, &trmock.Pool{}),
		app.WithLogLevel(levels),
		app.WithConfigWatch(path, 20*time.Millisecond),
	)

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte(reloadUpdated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	waitFor(t, "reload", func() bool { return a.Config().Server.LogLevel == config.LogDebug })
	if got := levels.Level(); got != slog.LevelDebug {
		t.Errorf("log level = %v, want debug", got)
	}
	if got := a.Controller().ConnectTimeout(); got != 5*time.Second {
		t.Errorf("connect timeout = %s, want 5s", got)
	}

	if err := a.Controller().Start(context.Background(), "alice"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := a.Dispatcher().Send(context.Background(), "a mocha"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	store := a.Controller().Transcript()
	waitFor(t, "reply with new template", func() bool { return store.Len() == 2 })
	if got := store.All()[1].Text; got != "Coming right up: a mocha" {
		t.Errorf("reply = %q", got)
	}
}

func TestApp_ReloadConfig(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(), testProviders(&credmock.Fetcher{}, &trmock.Pool{}))
	if _, err := a.ReloadConfig(); !errors.Is(err, app.ErrNoConfigWatch) {
		t.Errorf("without watch err = %v, want ErrNoConfigWatch", err)
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(reloadInitial), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	w := newApp(t, cfg, testProviders(&credmock.Fetcher{}, &trmock.Pool{}),
		app.WithConfigWatch(path, time.Hour),
	)
	if changed, err := w.ReloadConfig(); err != nil || changed {
		t.Fatalf("ReloadConfig unchanged = %v, %v", changed, err)
	}
	if err := os.WriteFile(path, []byte(reloadUpdated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if changed, err := w.ReloadConfig(); err != nil || !changed {
		t.Fatalf("ReloadConfig = %v, %v", changed, err)
	}
	if got := w.Controller().ConnectTimeout(); got != 5*time.Second {
		t.Errorf("connect timeout = %s, want 5s", got)
	}
}
