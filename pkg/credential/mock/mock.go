// Package mock provides a test double for the credential.Fetcher interface.
//
// Fetcher records every call and returns either a fixed credential or a fixed
// error. Setting Block makes Fetch wait until the channel is closed or the
// context is done, which lets tests hold an attempt in the connecting phase.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/brewhaven/pkg/credential"
)

var _ credential.Fetcher = (*Fetcher)(nil)

// Fetcher is a mock implementation of credential.Fetcher.
type Fetcher struct {
	mu sync.Mutex

	// Token is returned as the credential token when Err is nil.
	// Defaults to "token" when empty.
	Token string

	// Err, if non-nil, is returned from every Fetch call.
	Err error

	// Block, if non-nil, makes Fetch wait until it is closed or ctx is done.
	Block chan struct{}

	// Calls records the identity passed to each Fetch call in order.
	Calls []string
}

// Fetch records the call and returns the configured credential or error.
func (f *Fetcher) Fetch(ctx context.Context, identity string) (credential.Credential, error) {
	f.mu.Lock()
	f.Calls = append(f.Calls, identity)
	block := f.Block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return credential.Credential{}, &credential.FetchError{Kind: credential.KindNetwork, Err: ctx.Err()}
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return credential.Credential{}, f.Err
	}
	token := f.Token
	if token == "" {
		token = "token"
	}
	return credential.Credential{Token: token, Identity: identity}, nil
}

// CallCount returns the number of Fetch calls so far.
func (f *Fetcher) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}
