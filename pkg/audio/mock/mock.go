// Package mock provides a scripted [audio.Capture] implementation for tests.
package mock

import (
	"context"
	"sync"

	"github.com/estatebuddy/estatevoice/pkg/audio"
)

// Capture is a test double for [audio.Capture]. Frames queued via
// [Capture.Feed] before Start are delivered synchronously when Start is
// called; frames fed afterwards are delivered on the caller's goroutine.
//
// All methods are safe for concurrent use.
type Capture struct {
	// StartErr, when non-nil, is returned by Start (e.g.
	// audio.ErrDeviceUnavailable to simulate a denied permission prompt).
	StartErr error

	mu      sync.Mutex
	cb      audio.FrameFunc
	active  bool
	pending []audio.Frame

	// StartCalls and StopCalls count invocations, letting tests assert
	// exactly-once release semantics.
	StartCalls int
	StopCalls  int
}

var _ audio.Capture = (*Capture)(nil)

// Start records the callback and flushes any pre-queued frames.
func (c *Capture) Start(_ context.Context, cb audio.FrameFunc) error {
	c.mu.Lock()
	c.StartCalls++
	if c.StartErr != nil {
		err := c.StartErr
		c.mu.Unlock()
		return err
	}
	if c.active {
		c.mu.Unlock()
		return audio.ErrCaptureActive
	}
	c.active = true
	c.cb = cb
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, f := range pending {
		cb(f)
	}
	return nil
}

// Stop deactivates the capture. Safe to call repeatedly.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.active = false
	c.cb = nil
	return nil
}

// Feed delivers a frame to the active callback, or queues it when capture
// has not started yet. Frames fed after Stop are dropped, mirroring a real
// device whose callback cadence has ended.
func (c *Capture) Feed(f audio.Frame) {
	c.mu.Lock()
	cb := c.cb
	if cb == nil && !c.active {
		c.pending = append(c.pending, f)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	if cb != nil {
		cb(f)
	}
}

// Active reports whether a capture session is currently running.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}
