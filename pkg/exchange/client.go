// Package exchange implements the turn-based conversational side of the
// voice pipeline.
//
// Each finalized user utterance becomes one request to the backend
// assistant function; the reply text is what the avatar speaks. The
// backend keeps the actual model conversation; the client only carries an
// opaque thread identifier between turns so context survives across the
// session.
package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds one conversational turn end to end, mirroring the
// backend's own run budget.
const DefaultTimeout = 30 * time.Second

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in the session transcript.
type Turn struct {
	Role      Role
	Text      string
	Timestamp time.Time
}

// Error reports a failed exchange: a transport failure, a non-2xx status,
// or an error payload from the backend.
type Error struct {
	// Status is the HTTP status code, or 0 when the request itself failed.
	Status int

	// Message is the backend-supplied error text, if any.
	Message string

	// Err is the underlying transport or decode error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("exchange: %v", e.Err)
	}
	if e.Message != "" {
		return fmt.Sprintf("exchange: status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("exchange: status %d", e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// Option is a functional option for [NewClient].
type Option func(*Client)

// WithSystemPrompt sets the instructions sent with the first turn of the
// session. Later turns rely on the backend thread carrying them forward.
func WithSystemPrompt(prompt string) Option {
	return func(c *Client) { c.systemPrompt = prompt }
}

// WithTimeout overrides the per-turn deadline. Default 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient overrides the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

// Client sends user utterances to the backend assistant function and
// returns its replies, threading turns into one backend conversation.
//
// Safe for concurrent use, though the orchestrator serializes turns.
type Client struct {
	url          string
	bearer       string
	systemPrompt string
	timeout      time.Duration
	client       *http.Client

	mu       sync.Mutex
	threadID string
	turns    []Turn
}

// NewClient creates an exchange client for the backend at base. bearer is
// the application credential sent in the Authorization header.
func NewClient(base, bearer string, opts ...Option) *Client {
	c := &Client{
		url:     strings.TrimRight(base, "/") + "/functions/v1/openai-assistant",
		bearer:  bearer,
		timeout: DefaultTimeout,
		client:  http.DefaultClient,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type exchangeRequest struct {
	Message      string `json:"message"`
	ThreadID     string `json:"threadId,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty"`
}

type exchangeResponse struct {
	Text     string `json:"text"`
	ThreadID string `json:"threadId"`
	Error    string `json:"error"`
}

// Send submits one user utterance and returns the assistant's reply. The
// first call carries the system prompt and no thread identifier; the
// backend's returned identifier is stored verbatim and echoed on every
// later turn. Both sides of a successful turn are appended to the
// transcript; a failed turn records only the user side.
func (c *Client) Send(ctx context.Context, text string) (string, error) {
	c.mu.Lock()
	req := exchangeRequest{Message: text, ThreadID: c.threadID}
	if c.threadID == "" {
		req.SystemPrompt = c.systemPrompt
	}
	c.turns = append(c.turns, Turn{Role: RoleUser, Text: text, Timestamp: time.Now()})
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.post(ctx, req)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if resp.ThreadID != "" {
		c.threadID = resp.ThreadID
	}
	c.turns = append(c.turns, Turn{Role: RoleAssistant, Text: resp.Text, Timestamp: time.Now()})
	c.mu.Unlock()
	return resp.Text, nil
}

func (c *Client) post(ctx context.Context, req exchangeRequest) (*exchangeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("encode request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: err}
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.bearer)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &Error{Status: httpResp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	var resp exchangeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
			return nil, &Error{Status: httpResp.StatusCode}
		}
		return nil, &Error{Status: httpResp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 || resp.Error != "" {
		return nil, &Error{Status: httpResp.StatusCode, Message: resp.Error}
	}
	return &resp, nil
}

// ThreadID returns the backend conversation identifier, or "" before the
// first successful turn.
func (c *Client) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// Turns returns a copy of the session transcript in order.
func (c *Client) Turns() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

// Reset drops the thread identifier and transcript, so the next Send
// starts a fresh backend conversation.
func (c *Client) Reset() {
	c.mu.Lock()
	c.threadID = ""
	c.turns = nil
	c.mu.Unlock()
}
