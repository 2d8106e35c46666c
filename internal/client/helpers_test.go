package client

import (
	"sync"
	"testing"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
)

const (
	testBoardID = "0b6f5f0e-7a57-4a4a-9c39-1f0d3f3c8a01"
	testUserID  = "alice"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.stopped
	t.stopped = true
	return wasActive
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) afterFunc(delay time.Duration, fn func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &fakeTimer{delay: delay, fn: fn}
	s.timers = append(s.timers, timer)
	return timer
}

func (s *fakeScheduler) active() *fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *fakeTimer
	for _, timer := range s.timers {
		if !timer.stopped {
			found = timer
		}
	}
	return found
}

func (s *fakeScheduler) fire(t *testing.T) time.Duration {
	t.Helper()
	timer := s.active()
	if timer == nil {
		t.Fatalf("expected an active retry timer")
	}
	timer.stopped = true
	timer.fn()
	return timer.delay
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(delta)
}

func segmentEvent(strokeID string, index int64) whiteboard.StrokeEvent {
	return whiteboard.StrokeEvent{
		Type:         whiteboard.EventTypeMove,
		BoardID:      testBoardID,
		StrokeID:     whiteboard.StrokeID(strokeID),
		X:            0.5,
		Y:            0.5,
		Timestamp:    100 + index,
		SegmentIndex: &index,
	}
}

func persistedEvent(seq int64, strokeID string, eventType whiteboard.EventType) whiteboard.PersistedEvent {
	return whiteboard.PersistedEvent{
		StrokeEvent: whiteboard.StrokeEvent{
			Type:      eventType,
			BoardID:   testBoardID,
			StrokeID:  whiteboard.StrokeID(strokeID),
			Timestamp: seq * 10,
		},
		Seq: seq,
	}
}
