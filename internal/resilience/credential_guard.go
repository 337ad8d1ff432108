package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/brewhaven/pkg/credential"
)

var _ credential.Fetcher = (*CredentialGuard)(nil)

// CredentialGuard is a [credential.Fetcher] that routes every fetch through a
// [CircuitBreaker]. While the breaker is open, Fetch fails immediately with a
// network-kind [credential.FetchError] wrapping [ErrCircuitOpen] and the issuer
// is not contacted.
type CredentialGuard struct {
	next credential.Fetcher
	cb   *CircuitBreaker
}

// NewCredentialGuard wraps next. cfg.IsFailure is replaced: only issuer-side
// failures (network, server, parse) count against the breaker, while
// cancellations and invalid identities do not.
func NewCredentialGuard(next credential.Fetcher, cfg CircuitBreakerConfig) *CredentialGuard {
	if cfg.Name == "" {
		cfg.Name = "credential_issuer"
	}
	cfg.IsFailure = issuerFailure
	return &CredentialGuard{next: next, cb: NewCircuitBreaker(cfg)}
}

// Fetch implements [credential.Fetcher].
func (g *CredentialGuard) Fetch(ctx context.Context, identity string) (credential.Credential, error) {
	var cred credential.Credential
	err := g.cb.Execute(func() error {
		var err error
		cred, err = g.next.Fetch(ctx, identity)
		return err
	})
	if errors.Is(err, ErrCircuitOpen) {
		return credential.Credential{}, &credential.FetchError{Kind: credential.KindNetwork, Err: err}
	}
	return cred, err
}

// Breaker returns the underlying breaker, e.g. for readiness checks.
func (g *CredentialGuard) Breaker() *CircuitBreaker {
	return g.cb
}

func issuerFailure(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, credential.ErrInvalidIdentity) {
		return false
	}
	return true
}
