package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var _ Fetcher = (*HTTPFetcher)(nil)

const (
	defaultTimeout = 10 * time.Second

	// maxBodyBytes bounds how much of an issuer response is read.
	maxBodyBytes = 1 << 20
)

// Option is a functional option for configuring an [HTTPFetcher].
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the HTTP client. Primarily used in tests.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.httpClient = c }
}

// WithAPIKey sends key as a Bearer token on every issuer request.
func WithAPIKey(key string) Option {
	return func(f *HTTPFetcher) { f.apiKey = key }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(f *HTTPFetcher) {
		if d > 0 {
			f.httpClient.Timeout = d
		}
	}
}

// HTTPFetcher requests credentials from an issuer over HTTP.
//
// Each Fetch sends one POST with the JSON body {"identity": "..."} and expects
// a 2xx response with the JSON body {"token": "..."}.
type HTTPFetcher struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPFetcher creates an [HTTPFetcher] that posts to endpoint
// (e.g., "http://localhost:3000/api/connection-details").
func NewHTTPFetcher(endpoint string, opts ...Option) (*HTTPFetcher, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errors.New("credential: endpoint must not be empty")
	}
	f := &HTTPFetcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

type tokenRequest struct {
	Identity string `json:"identity"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Fetch implements [Fetcher].
func (f *HTTPFetcher) Fetch(ctx context.Context, identity string) (Credential, error) {
	id, err := ValidateIdentity(identity)
	if err != nil {
		return Credential{}, err
	}

	body, err := json.Marshal(tokenRequest{Identity: id})
	if err != nil {
		return Credential{}, fmt.Errorf("credential: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("credential: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Credential{}, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Credential{}, &FetchError{
			Kind:       KindServer,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("issuer returned %q", strings.TrimSpace(string(snippet))),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Credential{}, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("read body: %w", err)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return Credential{}, &FetchError{Kind: KindParse, Err: err}
	}
	if tr.Token == "" {
		return Credential{}, &FetchError{Kind: KindParse, Err: errors.New("response has no token")}
	}

	return Credential{Token: tr.Token, Identity: id}, nil
}
