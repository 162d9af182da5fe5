// Package audio defines the capture-side primitives of the voice pipeline:
// fixed-size sample frames, the PCM wire encoding expected by the
// transcription provider, and the [Capture] interface over a microphone
// device.
//
// Capture is a push model: once started, the device delivers one [Frame] per
// processing callback at a fixed cadence that the caller does not control.
// Implementations wrap a platform audio API (PortAudio, ALSA, a browser
// bridge, …); the interface is intentionally narrow so the transcription
// client stays decoupled from device details.
//
// This package lives under pkg/ because external code (third-party capture
// adapters) is expected to implement [Capture].
package audio

import (
	"context"
	"errors"
	"time"
)

// Default capture parameters. 16 kHz mono matches what streaming STT
// providers expect; 4096 samples per frame keeps socket messages at a
// comfortable size (256 ms of audio, 8 KiB encoded).
const (
	DefaultSampleRate = 16000
	DefaultFrameSize  = 4096
)

// ErrDeviceUnavailable is returned by [Capture.Start] when microphone
// permission is denied or no input device exists.
var ErrDeviceUnavailable = errors.New("audio: input device unavailable")

// ErrCaptureActive is returned by [Capture.Start] when a capture session is
// already running. The device is exclusively owned; a second session must
// fail fast rather than silently steal it.
var ErrCaptureActive = errors.New("audio: capture already active")

// Frame is a single fixed-length frame of floating-point samples in the
// range [-1.0, 1.0], produced by a capture callback. Frames are transient:
// the capture session owns the backing slice only until the callback
// returns, and callers must encode or copy before retaining.
type Frame struct {
	// Samples holds mono samples in [-1.0, 1.0].
	Samples []float32

	// Timestamp marks when this frame was captured, relative to capture start.
	Timestamp time.Duration
}

// FrameFunc receives captured frames. It is invoked on an internal
// goroutine at the device cadence and must not block.
type FrameFunc func(Frame)

// Capture is a source of fixed-size audio frames at a fixed sample rate.
//
// Implementations must be safe for concurrent use. Only one session may be
// active per device at a time.
type Capture interface {
	// Start acquires the input device and begins invoking cb once per
	// captured frame. It returns [ErrDeviceUnavailable] when the device
	// cannot be acquired and [ErrCaptureActive] when a session is already
	// running. The supplied ctx governs the acquisition attempt only; once
	// started, capture continues until Stop is called.
	Start(ctx context.Context, cb FrameFunc) error

	// Stop releases the device and stops the callback cadence. It is
	// idempotent and safe to call from any state, including before Start
	// completes. The device must be released promptly so other consumers
	// are not blocked.
	Stop() error
}
