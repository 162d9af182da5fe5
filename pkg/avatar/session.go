// Package avatar drives a streaming talking-avatar session.
//
// A [Session] is the speaking half of the voice pipeline: the orchestrator
// hands it assistant replies and the provider renders them as a talking
// video stream. Authentication uses a short-lived session token minted by
// the backend token endpoint, so the provider API key never reaches this
// process's callers.
package avatar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/estatebuddy/estatevoice/pkg/creds"
)

// Defaults for the provider REST API.
const (
	defaultBaseURL = "https://api.heygen.com"
	defaultQuality = "high"
)

// Stream describes a live avatar video stream a sink can attach to.
type Stream struct {
	// URL is the media endpoint for the rendered stream.
	URL string

	// AccessToken authorizes attaching to the stream.
	AccessToken string
}

// VideoSink receives avatar lifecycle events. Implementations surface the
// stream to whatever renders it; a nil-safe no-op sink is used when none is
// provided.
type VideoSink interface {
	// OnStreamReady fires once the avatar stream is live and attachable.
	OnStreamReady(s Stream)

	// OnStreamDisconnected fires when the stream ends, for any reason.
	OnStreamDisconnected()

	// OnTalkingStart fires when the avatar begins speaking a task.
	OnTalkingStart()

	// OnTalkingStop fires when the avatar finishes or is interrupted.
	OnTalkingStop()
}

// InitError reports a failed session initialization, identifying which
// stage failed so callers can distinguish credential problems from
// provider-side ones.
type InitError struct {
	// Stage is "token", "new", or "start".
	Stage string

	// Status is the HTTP status code, or 0 when the request itself failed.
	Status int

	// Body holds a truncated copy of the response body for diagnostics.
	Body string

	// Err is the underlying error, if any.
	Err error
}

func (e *InitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("avatar: init %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("avatar: init %s: status %d: %s", e.Stage, e.Status, e.Body)
}

func (e *InitError) Unwrap() error { return e.Err }

// Option is a functional option for [NewSession].
type Option func(*Session)

// WithAvatar selects the provider avatar identity to render.
func WithAvatar(id string) Option {
	return func(s *Session) { s.avatarID = id }
}

// WithQuality sets the stream quality tier. Default "high".
func WithQuality(q string) Option {
	return func(s *Session) { s.quality = q }
}

// WithBaseURL overrides the provider API base URL. Used by tests.
func WithBaseURL(u string) Option {
	return func(s *Session) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient overrides the HTTP client used for provider calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithSink registers the sink receiving stream lifecycle events.
func WithSink(sink VideoSink) Option {
	return func(s *Session) { s.sink = sink }
}

// Session is one avatar streaming session. Create with [NewSession], bring
// up with [Session.Initialize], and tear down with [Session.Close]; a
// closed session is not reused.
//
// All exported methods are safe for concurrent use.
type Session struct {
	creds    creds.Source
	baseURL  string
	avatarID string
	quality  string
	client   *http.Client
	sink     VideoSink

	mu        sync.Mutex
	token     string
	sessionID string
	active    bool
	closed    bool
	talking   bool
}

// NewSession creates an avatar session using source for the short-lived
// provider token.
func NewSession(source creds.Source, opts ...Option) *Session {
	s := &Session{
		creds:   source,
		baseURL: defaultBaseURL,
		quality: defaultQuality,
		client:  http.DefaultClient,
		sink:    nopSink{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.sink == nil {
		s.sink = nopSink{}
	}
	return s
}

type newSessionResponse struct {
	Data struct {
		SessionID   string `json:"session_id"`
		URL         string `json:"url"`
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

// Initialize brings the session up: fetch a session token, create the
// provider session, then start the stream. On success the sink's
// OnStreamReady fires with the attachable stream. Any failure leaves the
// session inactive and returns an [*InitError]; a credential failure
// additionally unwraps to [*creds.FetchError].
func (s *Session) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.active || s.closed {
		s.mu.Unlock()
		return fmt.Errorf("avatar: session not initializable (active=%v closed=%v)", s.active, s.closed)
	}
	s.mu.Unlock()

	token, err := s.creds.Token(ctx)
	if err != nil {
		return &InitError{Stage: "token", Err: err}
	}

	var created newSessionResponse
	if err := s.call(ctx, token, "/v1/streaming.new", map[string]any{
		"quality":     s.quality,
		"avatar_name": s.avatarID,
	}, &created); err != nil {
		return wrapInit("new", err)
	}
	if created.Data.SessionID == "" {
		return &InitError{Stage: "new", Body: "response missing session_id"}
	}

	if err := s.call(ctx, token, "/v1/streaming.start", map[string]any{
		"session_id": created.Data.SessionID,
	}, nil); err != nil {
		// The provider session already exists; release it so a failed
		// start does not leave a stray session counting against quota.
		if serr := s.call(context.WithoutCancel(ctx), token, "/v1/streaming.stop", map[string]any{
			"session_id": created.Data.SessionID,
		}, nil); serr != nil {
			slog.Warn("avatar session cleanup after failed start", "err", serr)
		}
		return wrapInit("start", err)
	}

	s.mu.Lock()
	s.token = token
	s.sessionID = created.Data.SessionID
	s.active = true
	s.mu.Unlock()

	s.sink.OnStreamReady(Stream{
		URL:         created.Data.URL,
		AccessToken: created.Data.AccessToken,
	})
	return nil
}

// Speak has the avatar voice text verbatim. Text that trims to empty is a
// no-op; the provider rejects blank tasks and there is nothing to say.
func (s *Session) Speak(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("avatar: speak on inactive session")
	}
	token, sessionID := s.token, s.sessionID
	s.talking = true
	s.mu.Unlock()

	s.sink.OnTalkingStart()
	err := s.call(ctx, token, "/v1/streaming.task", map[string]any{
		"session_id": sessionID,
		"text":       text,
		"task_type":  "repeat",
	}, nil)

	s.mu.Lock()
	s.talking = false
	s.mu.Unlock()
	s.sink.OnTalkingStop()

	if err != nil {
		return fmt.Errorf("avatar: speak: %w", err)
	}
	return nil
}

// Interrupt cuts off the current utterance, if any. A no-op on an
// inactive session.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	token, sessionID := s.token, s.sessionID
	s.mu.Unlock()

	if err := s.call(ctx, token, "/v1/streaming.interrupt", map[string]any{
		"session_id": sessionID,
	}, nil); err != nil {
		return fmt.Errorf("avatar: interrupt: %w", err)
	}
	return nil
}

// Talking reports whether the avatar is currently voicing a task.
func (s *Session) Talking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.talking
}

// Active reports whether the stream is live.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close stops the provider session and notifies the sink. Idempotent:
// only the first call performs teardown.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasActive := s.active
	s.active = false
	token, sessionID := s.token, s.sessionID
	s.mu.Unlock()

	if !wasActive {
		return nil
	}

	err := s.call(ctx, token, "/v1/streaming.stop", map[string]any{
		"session_id": sessionID,
	}, nil)
	s.sink.OnStreamDisconnected()
	if err != nil {
		return fmt.Errorf("avatar: close: %w", err)
	}
	return nil
}

// apiError is a non-2xx provider response.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// call POSTs a JSON body to the provider and decodes the response into out
// when non-nil.
func (s *Session) call(ctx context.Context, token, path string, body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{status: resp.StatusCode, body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// wrapInit converts a provider call failure into an InitError for stage.
func wrapInit(stage string, err error) *InitError {
	var ae *apiError
	if errors.As(err, &ae) {
		return &InitError{Stage: stage, Status: ae.status, Body: ae.body}
	}
	return &InitError{Stage: stage, Err: err}
}

// nopSink discards all events.
type nopSink struct{}

func (nopSink) OnStreamReady(Stream)  {}
func (nopSink) OnStreamDisconnected() {}
func (nopSink) OnTalkingStart()       {}
func (nopSink) OnTalkingStop()        {}
