// Package transcribe implements the streaming transcription client of the
// voice pipeline.
//
// A [Client] owns a persistent WebSocket to a Deepgram-style streaming STT
// provider. Starting the client acquires the microphone, fetches a
// short-lived credential from the backend token endpoint, opens the socket
// (authenticating via the ["token", <credential>] sub-protocol pair, since
// browser-type socket APIs cannot set arbitrary handshake headers), and
// forwards encoded PCM frames in capture order. Inbound provider messages
// are parsed and only finalized results with non-empty trimmed text reach
// the caller's callback, exactly once each, in arrival order.
//
// Transport failures are retried transparently: a socket close while the
// session is desired-active schedules exactly one reconnect with
// exponential backoff, re-running the full start sequence (including a
// fresh credential, since credentials are short-lived). Credential-fetch
// and device-acquisition failures are fatal to the start attempt and are
// never silently retried.
package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/estatebuddy/estatevoice/pkg/audio"
	"github.com/estatebuddy/estatevoice/pkg/creds"
)

// Defaults for the provider socket. The endpoint and query-parameter shape
// follow the Deepgram streaming API.
const (
	defaultEndpoint   = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "general"
	defaultLanguage   = "en-US"
	defaultSampleRate = audio.DefaultSampleRate

	// Reconnect schedule: first retry after 3s, doubling to a 30s cap,
	// giving up after 10 attempts.
	defaultBackoff     = 3 * time.Second
	defaultMaxBackoff  = 30 * time.Second
	defaultMaxAttempts = 10

	// sendBuffer is the depth of the frame queue between the capture
	// callback and the socket writer. The capture callback must never
	// block, so frames beyond this depth are dropped.
	sendBuffer = 256
)

// ErrAlreadyStarted is returned by [Client.Start] when the client is
// already listening.
var ErrAlreadyStarted = errors.New("transcribe: client already started")

// errStopped aborts a connect whose blocking calls outlived a deliberate
// Stop; whatever they acquired has already been released.
var errStopped = errors.New("transcribe: stopped during connect")

// State identifies where the client is in its connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateSocketOpening
	StateStreaming
	StateClosed
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSocketOpening:
		return "socket-opening"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Socket is the subset of the websocket connection the client uses.
// *websocket.Conn satisfies it; tests provide fakes.
type Socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens a socket to the provider. The credential travels in
// subprotocols, never in a header.
type DialFunc func(ctx context.Context, url string, subprotocols []string) (Socket, error)

// defaultDial dials with coder/websocket, passing the sub-protocol list
// for handshake authentication.
func defaultDial(ctx context.Context, u string, subprotocols []string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Option is a functional option for [New].
type Option func(*Client)

// WithModel sets the provider model query parameter. Default "general".
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithLanguage sets the BCP-47 recognition language. Default "en-US".
func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// WithSampleRate sets the PCM sample rate advertised to the provider.
// It must match the capture session's rate. Default 16000.
func WithSampleRate(rate int) Option {
	return func(c *Client) { c.sampleRate = rate }
}

// WithEndpoint overrides the provider socket URL. Used by tests to point
// at a local server.
func WithEndpoint(u string) Option {
	return func(c *Client) { c.endpoint = u }
}

// WithDial overrides the socket dialer.
func WithDial(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

// WithBackoff sets the reconnect schedule: initial delay, delay cap, and
// maximum attempt count before the client gives up and reports a terminal
// error.
func WithBackoff(initial, max time.Duration, attempts int) Option {
	return func(c *Client) {
		c.backoff = initial
		c.maxBackoff = max
		c.maxAttempts = attempts
	}
}

// WithOnTerminal registers cb to be invoked when automatic reconnection is
// abandoned. After cb fires the client is Closed and must be restarted
// explicitly.
func WithOnTerminal(cb func(error)) Option {
	return func(c *Client) { c.onTerminal = cb }
}

// Client is a streaming transcription session over one microphone. Create
// one per conversation with [New]; it is not reused after Stop.
//
// All exported methods are safe for concurrent use.
type Client struct {
	capture audio.Capture
	creds   creds.Source
	dial    DialFunc

	endpoint   string
	model      string
	language   string
	sampleRate int

	backoff     time.Duration
	maxBackoff  time.Duration
	maxAttempts int
	onTerminal  func(error)

	mu           sync.Mutex
	state        State
	conn         Socket
	frames       chan []byte
	connDone     chan struct{}
	onFinal      func(string)
	stopped      bool // deliberate stop: suppresses reconnect-on-close
	reconnecting bool // at most one scheduled reconnect outstanding
	started      bool
	gen          int // connection generation; stale loops check before acting

	dropWarn sync.Once
}

// New creates a transcription client over the given capture session and
// credential source.
func New(capture audio.Capture, source creds.Source, opts ...Option) *Client {
	c := &Client{
		capture:     capture,
		creds:       source,
		dial:        defaultDial,
		endpoint:    defaultEndpoint,
		model:       defaultModel,
		language:    defaultLanguage,
		sampleRate:  defaultSampleRate,
		backoff:     defaultBackoff,
		maxBackoff:  defaultMaxBackoff,
		maxAttempts: defaultMaxAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins listening: microphone first, then credential, then socket.
// onFinal is invoked once per finalized transcript with non-empty trimmed
// text. Device and credential failures abort the start and propagate
// (distinguish them with [audio.ErrDeviceUnavailable] and
// [*creds.FetchError]); no socket is opened when the credential fetch
// fails.
func (c *Client) Start(ctx context.Context, onFinal func(string)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.stopped = false
	c.onFinal = onFinal
	c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		c.mu.Lock()
		c.started = false
		if !c.stopped {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// connect runs the full acquisition sequence: capture, credential, socket,
// forwarding loops. Called for the initial Start and again for every
// reconnect attempt. Each blocking call can outlive a deliberate Stop, so
// the sequence re-checks its generation snapshot after every one and
// releases whatever it acquired instead of resurrecting the session.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return errStopped
	}
	startGen := c.gen
	c.state = StateConnecting
	c.mu.Unlock()

	if err := c.capture.Start(ctx, c.handleFrame); err != nil {
		return fmt.Errorf("transcribe: acquire capture: %w", err)
	}
	if !c.currentGen(startGen) {
		_ = c.capture.Stop()
		return errStopped
	}

	token, err := c.creds.Token(ctx)
	if err != nil {
		_ = c.capture.Stop()
		return err
	}

	c.mu.Lock()
	if c.stopped || c.gen != startGen {
		c.mu.Unlock()
		_ = c.capture.Stop()
		return errStopped
	}
	c.state = StateSocketOpening
	c.mu.Unlock()

	sock, err := c.dial(ctx, c.buildURL(), []string{"token", token})
	if err != nil {
		_ = c.capture.Stop()
		return fmt.Errorf("transcribe: dial socket: %w", err)
	}

	c.mu.Lock()
	if c.stopped || c.gen != startGen {
		c.mu.Unlock()
		_ = sock.Close(websocket.StatusNormalClosure, "session closed")
		_ = c.capture.Stop()
		return errStopped
	}
	c.conn = sock
	c.frames = make(chan []byte, sendBuffer)
	c.connDone = make(chan struct{})
	c.gen++
	gen := c.gen
	frames := c.frames
	done := c.connDone
	c.state = StateStreaming
	c.mu.Unlock()

	go c.writeLoop(sock, frames, done)
	go c.readLoop(sock, gen)

	slog.Info("transcription socket open",
		"model", c.model,
		"language", c.language,
		"sample_rate", c.sampleRate,
	)
	return nil
}

// buildURL constructs the provider endpoint URL with recognition
// parameters.
func (c *Client) buildURL() string {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return c.endpoint
	}
	q := u.Query()
	q.Set("model", c.model)
	q.Set("language", c.language)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String()
}

// handleFrame is the capture callback. It encodes the frame and queues it
// for the socket writer without blocking; when the queue is full the frame
// is dropped (the provider tolerates gaps better than the device tolerates
// a stalled callback).
func (c *Client) handleFrame(f audio.Frame) {
	c.mu.Lock()
	frames := c.frames
	streaming := c.state == StateStreaming
	c.mu.Unlock()
	if !streaming || frames == nil {
		return
	}

	select {
	case frames <- audio.EncodePCM16(f.Samples):
	default:
		c.dropWarn.Do(func() {
			slog.Warn("transcription send queue full, dropping frames",
				"queue_depth", sendBuffer,
			)
		})
	}
}

// writeLoop drains the frame queue into the socket as binary messages, one
// message per captured frame, preserving capture order. It exits when the
// connection's done channel closes or a write fails.
func (c *Client) writeLoop(sock Socket, frames <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case chunk := <-frames:
			if err := sock.Write(context.Background(), websocket.MessageBinary, chunk); err != nil {
				slog.Debug("transcription socket write failed", "err", err)
				return
			}
		case <-done:
			return
		}
	}
}

// providerMessage is the JSON shape of a streaming transcription result.
type providerMessage struct {
	IsFinal bool `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// readLoop parses inbound provider messages and forwards finalized
// transcripts. A read error means the socket closed (remote disconnect or
// transport failure) and hands control to the reconnect path.
func (c *Client) readLoop(sock Socket, gen int) {
	for {
		_, msg, err := sock.Read(context.Background())
		if err != nil {
			if c.currentGen(gen) {
				slog.Warn("transcription socket closed", "err", err)
				c.handleClose(err)
			}
			return
		}
		if !c.currentGen(gen) {
			return
		}

		var pm providerMessage
		if err := json.Unmarshal(msg, &pm); err != nil {
			slog.Debug("unparseable transcription message", "err", err)
			continue
		}
		if !pm.IsFinal || len(pm.Channel.Alternatives) == 0 {
			continue
		}
		text := strings.TrimSpace(pm.Channel.Alternatives[0].Transcript)
		if text == "" {
			continue
		}

		c.mu.Lock()
		cb := c.onFinal
		active := !c.stopped
		c.mu.Unlock()
		if active && cb != nil {
			cb(text)
		}
	}
}

// currentGen reports whether gen is still the live connection generation.
// Loops belonging to a torn-down connection use this to discard late
// results.
func (c *Client) currentGen(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen && !c.stopped
}

// handleClose reacts to an unexpected socket close. At most one reconnect
// sequence runs at a time; a second close event while one is outstanding
// is ignored.
func (c *Client) handleClose(cause error) {
	c.mu.Lock()
	if c.stopped || c.reconnecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.teardownLocked()
	c.state = StateConnecting
	c.mu.Unlock()

	go c.reconnectLoop(cause)
}

// reconnectLoop re-runs the full start sequence with exponential backoff
// until it succeeds, the client is stopped, or attempts are exhausted.
func (c *Client) reconnectLoop(cause error) {
	delay := c.backoff

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		time.Sleep(delay)

		c.mu.Lock()
		if c.stopped {
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		slog.Info("reconnecting transcription socket",
			"attempt", attempt,
			"max_attempts", c.maxAttempts,
			"backoff", delay,
		)

		err := c.connect(context.Background())
		if err == nil {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			slog.Info("transcription socket reconnected", "attempt", attempt)
			return
		}
		if errors.Is(err, errStopped) {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
			return
		}
		slog.Warn("transcription reconnect attempt failed", "attempt", attempt, "err", err)

		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}

	c.mu.Lock()
	c.reconnecting = false
	c.stopped = true
	c.started = false
	c.state = StateClosed
	terminal := c.onTerminal
	c.mu.Unlock()

	err := fmt.Errorf("transcribe: reconnect abandoned after %d attempts: %w", c.maxAttempts, cause)
	slog.Error("transcription reconnect abandoned", "attempts", c.maxAttempts, "cause", cause)
	if terminal != nil {
		terminal(err)
	}
}

// Stop tears the session down deliberately, suppressing reconnection.
// Teardown runs in reverse acquisition order: capture first, then the
// socket. Idempotent and safe from any state.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped && c.state == StateClosed {
		return nil
	}
	c.stopped = true
	c.started = false
	c.teardownLocked()
	c.state = StateClosed
	return nil
}

// teardownLocked releases the capture session and closes the socket.
// Must be called with c.mu held.
func (c *Client) teardownLocked() {
	_ = c.capture.Stop()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "session closed")
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.frames = nil
	c.gen++
}
