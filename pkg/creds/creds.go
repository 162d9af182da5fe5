// Package creds fetches short-lived provider credentials from trusted
// backend token endpoints.
//
// Long-lived provider secrets never reach the client side of the pipeline:
// the transcription and avatar clients call a backend function
// (e.g. /functions/v1/deepgram-token) that mints or relays a short-lived
// credential. A [Source] abstracts that fetch; [Cached] adds explicit TTL
// tracking so reconnects within the token lifetime skip the backend
// round-trip.
package creds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Source yields a credential valid at the time of the call. Implementations
// must be safe for concurrent use.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// FetchError reports a failed credential fetch: a non-2xx response from the
// token endpoint or a response body missing the credential field. It is
// fatal for the initialization attempt that triggered it and is never
// retried at this layer.
type FetchError struct {
	// Endpoint is the function name that was called (e.g. "deepgram-token").
	Endpoint string

	// Status is the HTTP status code, or 0 when the request itself failed.
	Status int

	// Body holds a truncated copy of the response body for diagnostics.
	Body string

	// Err is the underlying transport or decode error, if any.
	Err error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("creds: fetch %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("creds: fetch %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *FetchError) Unwrap() error { return e.Err }

// maxErrBody bounds how much of an error response body is kept in a
// FetchError.
const maxErrBody = 512

// Option is a functional option for [NewEndpoint].
type Option func(*Endpoint)

// WithField sets the JSON field the credential is read from. The deployed
// token endpoints are inconsistent: the transcription endpoint returns
// {"key": …} while the avatar endpoint returns {"token": …}. Default "key".
func WithField(name string) Option {
	return func(e *Endpoint) { e.field = name }
}

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) { e.client = c }
}

// Endpoint is a [Source] backed by a backend token function reached via
// GET {base}/functions/v1/{name}. Requests carry a bearer credential
// identifying the calling application, not the end user.
type Endpoint struct {
	url    string
	name   string
	bearer string
	field  string
	client *http.Client
}

var _ Source = (*Endpoint)(nil)

// NewEndpoint creates a credential source for the named backend function.
// base is the backend base URL without a trailing slash; bearer is the
// application credential sent in the Authorization header.
func NewEndpoint(base, name, bearer string, opts ...Option) *Endpoint {
	e := &Endpoint{
		url:    strings.TrimRight(base, "/") + "/functions/v1/" + name,
		name:   name,
		bearer: bearer,
		field:  "key",
		client: http.DefaultClient,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Token fetches a fresh credential from the endpoint.
func (e *Endpoint) Token(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return "", &FetchError{Endpoint: e.name, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+e.bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", &FetchError{Endpoint: e.name, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &FetchError{Endpoint: e.name, Status: resp.StatusCode, Body: string(body)}
	}

	var fields map[string]string
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", &FetchError{Endpoint: e.name, Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	tok := fields[e.field]
	if tok == "" {
		return "", &FetchError{Endpoint: e.name, Status: resp.StatusCode, Body: fmt.Sprintf("missing %q field", e.field)}
	}
	return tok, nil
}

// Cached wraps a [Source] with an explicit time-to-live. Within the TTL the
// cached credential is returned without touching the backend; the first
// call after expiry re-fetches. A zero TTL disables caching.
//
// Safe for concurrent use.
type Cached struct {
	src Source
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

var _ Source = (*Cached)(nil)

// NewCached wraps src with the given TTL. The TTL should be comfortably
// shorter than the provider-side token lifetime.
func NewCached(src Source, ttl time.Duration) *Cached {
	return &Cached{src: src, ttl: ttl, now: time.Now}
}

// Token returns the cached credential when still valid, fetching a fresh
// one otherwise. Fetch failures are not cached.
func (c *Cached) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl > 0 && c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}

	tok, err := c.src.Token(ctx)
	if err != nil {
		return "", err
	}
	c.token = tok
	c.expires = c.now().Add(c.ttl)
	return tok, nil
}

// Invalidate drops the cached credential so the next Token call re-fetches.
// Call this when the provider rejects a credential before its expected
// expiry.
func (c *Cached) Invalidate() {
	c.mu.Lock()
	c.token = ""
	c.expires = time.Time{}
	c.mu.Unlock()
}
