// Package conversation orchestrates one live voice session: streaming
// transcripts in, assistant exchanges in the middle, avatar speech out.
//
// A [Session] owns a single background loop that serialises turns. Final
// transcripts arriving while a turn is in flight land in a single-slot
// buffer where a newer transcript replaces an older one that was never
// processed; the loop always answers the most recent thing the caller
// said, never a backlog.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/estatebuddy/estatevoice/internal/observe"
	"github.com/estatebuddy/estatevoice/internal/transcript"
	"github.com/estatebuddy/estatevoice/pkg/avatar"
	"github.com/estatebuddy/estatevoice/pkg/exchange"
	"github.com/estatebuddy/estatevoice/pkg/transcribe"
)

// State is the lifecycle phase of a [Session].
type State int

const (
	// StateNotStarted is the zero value before Start is called.
	StateNotStarted State = iota
	// StateInitializing covers avatar and transcription bring-up.
	StateInitializing
	// StateReady means both providers are up but the greeting has not
	// been spoken yet.
	StateReady
	// StateListening means the session is idle, waiting for a transcript.
	StateListening
	// StateProcessing means a turn is in flight.
	StateProcessing
	// StateEnded is terminal after End.
	StateEnded
	// StateErrored is terminal after an unrecoverable failure.
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyStarted is returned when Start is called on a running session.
var ErrAlreadyStarted = errors.New("conversation: session already started")

// Transcriber streams final transcripts into the session.
type Transcriber interface {
	Start(ctx context.Context, onFinal func(string)) error
	Stop() error
}

// Exchanger performs one assistant exchange.
type Exchanger interface {
	Send(ctx context.Context, text string) (string, error)
}

// Speaker renders replies through the talking avatar.
type Speaker interface {
	Initialize(ctx context.Context) error
	Speak(ctx context.Context, text string) error
	Interrupt(ctx context.Context) error
	Close(ctx context.Context) error
}

// Corrector fixes misheard proper nouns in a final transcript before it
// reaches the assistant.
type Corrector interface {
	Correct(text string) (string, []transcript.Correction)
}

var (
	_ Transcriber = (*transcribe.Client)(nil)
	_ Exchanger   = (*exchange.Client)(nil)
	_ Speaker     = (*avatar.Session)(nil)
	_ Corrector   = (*transcript.Corrector)(nil)
)

const (
	defaultGreeting = "Hello! I'm Estate Buddy, your virtual real-estate consultant. How can I help you today?"
	defaultFallback = "I'm having trouble responding right now. Could you say that again?"
)

// Option is a functional option for [NewSession].
type Option func(*Session)

// WithGreeting sets the line spoken once the session is up.
func WithGreeting(text string) Option {
	return func(s *Session) { s.greeting = text }
}

// WithFallbackReply sets the line spoken when an exchange fails.
func WithFallbackReply(text string) Option {
	return func(s *Session) { s.fallback = text }
}

// WithCorrector applies transcript correction before each exchange.
func WithCorrector(c Corrector) Option {
	return func(s *Session) { s.corrector = c }
}

// WithMetrics records per-stage latencies and turn counts.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session drives one voice conversation end to end.
type Session struct {
	transcriber Transcriber
	exchanger   Exchanger
	avatar      Speaker
	corrector   Corrector
	metrics     *observe.Metrics

	greeting string
	fallback string

	mu         sync.Mutex
	state      State
	err        error
	turns      []exchange.Turn
	pending    string
	hasPending bool
	started    bool

	runCtx context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

// NewSession assembles a session from its three providers. The session
// does not touch any of them until Start.
func NewSession(t Transcriber, e Exchanger, a Speaker, opts ...Option) *Session {
	s := &Session{
		transcriber: t,
		exchanger:   e,
		avatar:      a,
		greeting:    defaultGreeting,
		fallback:    defaultFallback,
		state:       StateNotStarted,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the failure that moved the session to [StateErrored], or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Turns returns a snapshot of the conversation so far. Fallback replies
// appear in the log the way they were spoken.
func (s *Session) Turns() []exchange.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]exchange.Turn(nil), s.turns...)
}

func (s *Session) appendTurn(role exchange.Role, text string) {
	s.mu.Lock()
	s.turns = append(s.turns, exchange.Turn{Role: role, Text: text, Timestamp: time.Now()})
	s.mu.Unlock()
}

// Start brings up the avatar stream and the transcription socket, then
// launches the turn loop. The loop opens by speaking the greeting. A
// failure during bring-up tears down whatever already started and leaves
// the session in [StateErrored].
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNotStarted {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateInitializing
	s.mu.Unlock()

	if err := s.avatar.Initialize(ctx); err != nil {
		s.fail(fmt.Errorf("conversation: avatar init: %w", err))
		return fmt.Errorf("conversation: avatar init: %w", err)
	}

	if err := s.transcriber.Start(ctx, s.enqueue); err != nil {
		// The avatar stream is already up; take it down before failing.
		if cerr := s.avatar.Close(context.WithoutCancel(ctx)); cerr != nil {
			slog.Warn("avatar teardown after failed start", "err", cerr)
		}
		s.fail(fmt.Errorf("conversation: transcription start: %w", err))
		return fmt.Errorf("conversation: transcription start: %w", err)
	}

	s.mu.Lock()
	s.state = StateReady
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("conversation started")

	go s.run()
	return nil
}

// enqueue receives final transcripts from the transcription client. It is
// the single-slot buffer: while a turn is processing, a newer transcript
// replaces any older one still waiting.
func (s *Session) enqueue(text string) {
	s.mu.Lock()
	switch s.state {
	case StateReady, StateListening, StateProcessing:
	default:
		s.mu.Unlock()
		return
	}
	if s.hasPending {
		slog.Debug("pending transcript superseded", "dropped", s.pending)
	}
	s.pending = text
	s.hasPending = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the turn loop. It speaks the greeting, then serialises turns
// until the session ends.
func (s *Session) run() {
	defer close(s.done)

	if s.greeting != "" {
		if err := s.avatar.Speak(s.runCtx, s.greeting); err != nil {
			slog.Warn("greeting failed", "err", err)
		}
	}
	s.setState(StateListening)

	for {
		select {
		case <-s.runCtx.Done():
			return
		case <-s.wake:
		}

		for {
			s.mu.Lock()
			if !s.hasPending || s.state == StateEnded || s.state == StateErrored {
				s.mu.Unlock()
				break
			}
			text := s.pending
			s.hasPending = false
			s.state = StateProcessing
			s.mu.Unlock()

			s.runTurn(text)
			s.setState(StateListening)
		}
	}
}

// runTurn performs one exchange and speaks the result. Turn failures are
// not fatal: whether the exchange or the speech fails, the avatar gets
// the fallback line and the session returns to listening.
func (s *Session) runTurn(text string) {
	start := time.Now()
	ctx := s.runCtx

	if s.corrector != nil {
		corrected, fixes := s.corrector.Correct(text)
		for _, f := range fixes {
			slog.Debug("transcript corrected", "from", f.Original, "to", f.Corrected)
		}
		text = corrected
	}

	s.appendTurn(exchange.RoleUser, text)

	exchangeStart := time.Now()
	reply, err := s.exchanger.Send(ctx, text)
	if s.metrics != nil {
		s.metrics.ExchangeDuration.Record(context.Background(), time.Since(exchangeStart).Seconds())
	}

	status := "ok"
	if err != nil {
		if ctx.Err() != nil {
			// Session ended mid-turn; nothing left to speak.
			return
		}
		slog.Error("exchange failed", "err", err)
		reply = s.fallback
		status = "fallback"
	}
	s.appendTurn(exchange.RoleAssistant, reply)

	speakStart := time.Now()
	if err := s.avatar.Speak(ctx, reply); err != nil && ctx.Err() == nil {
		slog.Error("speak failed", "err", err)
		if status == "ok" {
			// The reply was lost in the air; fall back so the caller
			// hears something and the log reflects what was voiced.
			status = "fallback"
			s.appendTurn(exchange.RoleAssistant, s.fallback)
			if err := s.avatar.Speak(ctx, s.fallback); err != nil && ctx.Err() == nil {
				slog.Error("fallback speech failed", "err", err)
			}
		}
	}
	if s.metrics != nil {
		s.metrics.SpeakDuration.Record(context.Background(), time.Since(speakStart).Seconds())
		s.metrics.TurnDuration.Record(context.Background(), time.Since(start).Seconds())
		s.metrics.RecordTurn(context.Background(), status)
	}
}

// OnTranscriptionLost moves the session to [StateErrored] after the
// transcription client gives up reconnecting. Wire it to the client's
// terminal callback. End still performs the full teardown afterwards.
func (s *Session) OnTranscriptionLost(err error) {
	s.mu.Lock()
	if s.state == StateEnded || s.state == StateErrored {
		s.mu.Unlock()
		return
	}
	s.state = StateErrored
	s.err = err
	cancel := s.cancel
	s.mu.Unlock()

	slog.Error("transcription lost", "err", err)
	if s.metrics != nil {
		s.metrics.RecordReconnect(context.Background(), "abandoned")
	}
	if cancel != nil {
		cancel()
	}
}

// End stops the session: transcription first so no new turns arrive, then
// the turn loop, then the avatar stream. Safe to call more than once and
// before Start.
func (s *Session) End(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return nil
	}
	wasStarted := s.started
	s.state = StateEnded
	s.hasPending = false
	cancel := s.cancel
	s.mu.Unlock()

	if !wasStarted {
		return nil
	}

	var errs []error
	if err := s.transcriber.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("conversation: stop transcription: %w", err))
	}
	if cancel != nil {
		cancel()
	}
	<-s.done
	if err := s.avatar.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("conversation: close avatar: %w", err))
	}

	s.mu.Lock()
	turnCount := len(s.turns)
	s.turns = nil
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	slog.Info("conversation ended", "turns", turnCount)
	return errors.Join(errs...)
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.state = StateErrored
	s.err = err
	s.mu.Unlock()
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	// Terminal states stick.
	if s.state != StateEnded && s.state != StateErrored {
		s.state = next
	}
	s.mu.Unlock()
}
