// Package ratelimit provides the per-connection event budget for board sockets.
package ratelimit

import (
	"time"
)

const (
	defaultWindow    = time.Second
	defaultMaxEvents = 120
)

// Config describes a window length and the events allowed within it.
type Config struct {
	Window    time.Duration
	MaxEvents int
	Clock     func() time.Time
}

// Window counts events in a fixed-length window that restarts on the first
// event after it elapses. It is owned by a single connection goroutine and is
// not safe for concurrent use.
type Window struct {
	window      time.Duration
	maxEvents   int
	clock       func() time.Time
	windowStart time.Time
	count       int
}

// NewWindow constructs a Window, applying defaults for zero values.
func NewWindow(cfg Config) *Window {
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Window{
		window:    window,
		maxEvents: maxEvents,
		clock:     clock,
	}
}

// Allow records one event and reports whether it fits in the current window.
func (w *Window) Allow() bool {
	now := w.clock()
	if w.windowStart.IsZero() || now.Sub(w.windowStart) >= w.window {
		w.windowStart = now
		w.count = 0
	}
	if w.count >= w.maxEvents {
		return false
	}
	w.count++
	return true
}

// RetryAfter returns the time left until the current window resets.
func (w *Window) RetryAfter() time.Duration {
	if w.windowStart.IsZero() {
		return 0
	}
	remaining := w.window - w.clock().Sub(w.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}
