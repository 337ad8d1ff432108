// Package credential defines the Fetcher interface for obtaining short-lived
// session credentials from a remote issuer.
//
// A credential authorises exactly one session connection. It is requested on
// demand for every connect attempt, never persisted, and discarded when the
// session ends or fails. Fetchers perform a single outbound request and never
// retry; retry policy belongs to the caller.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidIdentity is returned when the identity is empty after trimming.
// Callers must check identities with [ValidateIdentity] before fetching so that
// an empty identity never reaches the network.
var ErrInvalidIdentity = errors.New("credential: identity must not be empty")

// Credential is an opaque session token together with the identity it was
// issued for.
type Credential struct {
	// Token is the opaque bearer token handed to the transport.
	Token string

	// Identity is the trimmed identity string used to request the token.
	Identity string
}

// Kind classifies credential fetch failures.
type Kind int

const (
	// KindNetwork covers transport-level failures: DNS, refused connections,
	// timeouts and an open circuit breaker.
	KindNetwork Kind = iota + 1

	// KindServer covers any non-2xx response from the issuer.
	KindServer

	// KindParse covers malformed bodies and responses without a token.
	KindParse
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindParse:
		return "parse"
	default:
		return "unknown"
	}
}

// FetchError is returned by [Fetcher.Fetch] for every failure after the
// request was attempted.
type FetchError struct {
	Kind Kind

	// StatusCode is the HTTP status for KindServer failures, zero otherwise.
	StatusCode int

	Err error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("credential: %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("credential: %s error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf reports the [Kind] of err, or zero when err is not a [*FetchError].
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Fetcher requests a session credential for an identity.
//
// Implementations must be safe for concurrent use and must honour ctx
// cancellation, returning promptly once ctx is done.
type Fetcher interface {
	// Fetch issues one request for identity and returns the parsed credential.
	// identity is expected to be validated already; implementations return
	// [ErrInvalidIdentity] without touching the network when it is empty.
	Fetch(ctx context.Context, identity string) (Credential, error)
}

// ValidateIdentity trims identity and returns it, or [ErrInvalidIdentity] when
// nothing remains.
func ValidateIdentity(identity string) (string, error) {
	id := strings.TrimSpace(identity)
	if id == "" {
		return "", ErrInvalidIdentity
	}
	return id, nil
}
