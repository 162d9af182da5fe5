package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/estatebuddy/estatevoice/internal/resilience"
)

// heygenTokenTTL is the lifetime requested for minted avatar session
// tokens.
const heygenTokenTTL = 15 * time.Minute

// Minter produces a short-lived provider token. Implementations hold the
// long-lived API key; clients only ever see the minted token.
type Minter interface {
	Mint(ctx context.Context) (string, error)
}

// HeyGenMinter mints streaming session tokens from the avatar provider.
// A circuit breaker guards the upstream call: once the provider has
// failed repeatedly, Mint fails fast with [resilience.ErrCircuitOpen]
// instead of holding every client request for a full upstream timeout.
type HeyGenMinter struct {
	apiKey  string
	baseURL string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

var _ Minter = (*HeyGenMinter)(nil)

// MinterOption is a functional option for [NewHeyGenMinter].
type MinterOption func(*HeyGenMinter)

// WithMinterBaseURL overrides the provider API base URL. Used by tests.
func WithMinterBaseURL(u string) MinterOption {
	return func(m *HeyGenMinter) { m.baseURL = strings.TrimRight(u, "/") }
}

// WithMinterHTTPClient overrides the HTTP client used for minting.
func WithMinterHTTPClient(c *http.Client) MinterOption {
	return func(m *HeyGenMinter) { m.client = c }
}

// WithMinterBreaker replaces the default circuit breaker. Tests use this
// to shrink the failure threshold and reset timeout.
func WithMinterBreaker(cb *resilience.CircuitBreaker) MinterOption {
	return func(m *HeyGenMinter) { m.breaker = cb }
}

// NewHeyGenMinter creates a minter holding the provider API key.
func NewHeyGenMinter(apiKey string, opts ...MinterOption) *HeyGenMinter {
	m := &HeyGenMinter{
		apiKey:  apiKey,
		baseURL: "https://api.heygen.com",
		client:  http.DefaultClient,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "heygen"}),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Mint requests a fresh streaming session token. When the breaker is
// open it returns [resilience.ErrCircuitOpen] without touching the
// provider.
func (m *HeyGenMinter) Mint(ctx context.Context) (string, error) {
	var token string
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		token, err = m.mint(ctx)
		return err
	})
	return token, err
}

func (m *HeyGenMinter) mint(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]int{"ttl": int(heygenTokenTTL.Seconds())})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/streaming.create_token", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("gateway: mint token: %w", err)
	}
	req.Header.Set("x-api-key", m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gateway: mint token: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway: mint token: status %d: %s", resp.StatusCode, raw)
	}

	// The provider has returned the token both nested and flat across API
	// revisions; accept either.
	var parsed struct {
		Data struct {
			Token string `json:"token"`
		} `json:"data"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("gateway: mint token: decode response: %w", err)
	}
	token := parsed.Data.Token
	if token == "" {
		token = parsed.Token
	}
	if token == "" {
		return "", fmt.Errorf("gateway: mint token: response missing token")
	}
	return token, nil
}
