package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/brewhaven/pkg/credential"
	"github.com/MrWong99/brewhaven/pkg/credential/mock"
)

func TestCredentialGuard_PassesThrough(t *testing.T) {
	f := &mock.Fetcher{Token: "abc"}
	g := NewCredentialGuard(f, CircuitBreakerConfig{})

	cred, err := g.Fetch(context.Background(), "barista")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cred.Token != "abc" || cred.Identity != "barista" {
		t.Errorf("cred = %+v", cred)
	}
	if g.Breaker().Name() != "credential_issuer" {
		t.Errorf("breaker name = %q", g.Breaker().Name())
	}
}

func TestCredentialGuard_OpensAfterServerErrors(t *testing.T) {
	f := &mock.Fetcher{Err: &credential.FetchError{Kind: credential.KindServer, StatusCode: 500, Err: errors.New("boom")}}
	g := NewCredentialGuard(f, CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 2 {
		if _, err := g.Fetch(context.Background(), "barista"); credential.KindOf(err) != credential.KindServer {
			t.Fatalf("err = %v, want server error", err)
		}
	}

	_, err := g.Fetch(context.Background(), "barista")
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if credential.KindOf(err) != credential.KindNetwork {
		t.Errorf("kind = %v, want network", credential.KindOf(err))
	}
	if f.CallCount() != 2 {
		t.Errorf("issuer called %d times, want 2", f.CallCount())
	}
	if err := g.Breaker().Check(context.Background()); err == nil {
		t.Error("Check passed with open breaker")
	}
}

func TestCredentialGuard_CancellationDoesNotTrip(t *testing.T) {
	f := &mock.Fetcher{Block: make(chan struct{})}
	g := NewCredentialGuard(f, CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := g.Fetch(ctx, "barista"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if g.Breaker().State() != StateClosed {
		t.Errorf("state = %v, want closed", g.Breaker().State())
	}
}
