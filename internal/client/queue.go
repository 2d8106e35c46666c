package client

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"go.uber.org/zap"
)

const (
	defaultBaseDelay = 250 * time.Millisecond
	defaultMaxDelay  = 8 * time.Second
)

// FlushReason names why a caller forces a send attempt.
type FlushReason string

const (
	// FlushStrokeEnd bypasses any cooldown once a gesture completes.
	FlushStrokeEnd FlushReason = "stroke-end"
	// FlushUnmount bypasses any cooldown before the view goes away.
	FlushUnmount FlushReason = "unmount"
	// FlushReconnect retries after the socket comes back, honoring cooldown.
	FlushReconnect FlushReason = "reconnect"
)

func (r FlushReason) urgent() bool {
	return r == FlushStrokeEnd || r == FlushUnmount
}

// Timer is the handle of a scheduled retry.
type Timer interface {
	Stop() bool
}

// QueueConfig wires the queue to its transport and clock.
type QueueConfig struct {
	Send      func(whiteboard.StrokeEvent) error
	Online    func() bool
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Clock     func() time.Time
	AfterFunc func(time.Duration, func()) Timer
	Logger    *zap.Logger
}

type pendingSegment struct {
	event    whiteboard.StrokeEvent
	attempts int
	order    uint64
}

// Queue resends every segment until the server acknowledges its key.
type Queue struct {
	send      func(whiteboard.StrokeEvent) error
	online    func() bool
	baseDelay time.Duration
	maxDelay  time.Duration
	clock     func() time.Time
	afterFunc func(time.Duration, func()) Timer
	logger    *zap.Logger

	mu            sync.Mutex
	pending       map[whiteboard.SegmentKey]*pendingSegment
	nextOrder     uint64
	timer         Timer
	timerID       uint64
	cooldownUntil time.Time
	closed        bool
}

// NewQueue constructs a Queue, defaulting delays, clock and timers.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Send == nil {
		return nil, errors.New("client: queue send function required")
	}
	online := cfg.Online
	if online == nil {
		online = func() bool { return true }
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < baseDelay {
		maxDelay = max(defaultMaxDelay, baseDelay)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	afterFunc := cfg.AfterFunc
	if afterFunc == nil {
		afterFunc = func(delay time.Duration, fn func()) Timer {
			return time.AfterFunc(delay, fn)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		send:      cfg.Send,
		online:    online,
		baseDelay: baseDelay,
		maxDelay:  maxDelay,
		clock:     clock,
		afterFunc: afterFunc,
		logger:    logger,
		pending:   make(map[whiteboard.SegmentKey]*pendingSegment),
	}, nil
}

// Enqueue tracks the event until acknowledged and attempts to send it now.
// It returns false when the event has no segment key or is already pending.
func (q *Queue) Enqueue(event whiteboard.StrokeEvent) bool {
	key, ok := event.Key()
	if !ok {
		return false
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, exists := q.pending[key]; exists {
		q.mu.Unlock()
		return false
	}
	entry := &pendingSegment{event: event, order: q.nextOrder}
	q.nextOrder++
	q.pending[key] = entry

	var batch []whiteboard.StrokeEvent
	switch {
	case !q.online():
		q.scheduleLocked(q.maxDelay)
	case q.coolingLocked():
		q.scheduleLocked(q.cooldownUntil.Sub(q.clock()))
	default:
		entry.attempts++
		batch = []whiteboard.StrokeEvent{event}
		if q.timer == nil {
			q.scheduleLocked(q.delayLocked())
		}
	}
	q.mu.Unlock()

	q.dispatch(batch)
	return true
}

// Ack removes the acknowledged segment and returns it. When nothing remains
// pending the retry timer is cancelled.
func (q *Queue) Ack(ack whiteboard.AckPayload) (whiteboard.StrokeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.pending[ack.Key()]
	if !ok {
		return whiteboard.StrokeEvent{}, false
	}
	delete(q.pending, ack.Key())
	if len(q.pending) == 0 {
		q.cancelLocked()
	}
	return entry.event, true
}

// Backoff extends the cooldown during which scheduled sends are suppressed.
func (q *Queue) Backoff(duration time.Duration) {
	if duration <= 0 {
		duration = q.baseDelay
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	until := q.clock().Add(duration)
	if until.After(q.cooldownUntil) {
		q.cooldownUntil = until
	}
	if len(q.pending) > 0 && !q.closed {
		q.scheduleLocked(q.cooldownUntil.Sub(q.clock()))
	}
}

// Flush resends every pending segment now. Only urgent reasons bypass a
// cooldown; while offline the attempt is deferred to the ceiling delay.
func (q *Queue) Flush(reason FlushReason) {
	q.mu.Lock()
	if len(q.pending) == 0 || q.closed {
		q.mu.Unlock()
		return
	}
	if !q.online() {
		q.scheduleLocked(q.maxDelay)
		q.mu.Unlock()
		return
	}
	if q.coolingLocked() && !reason.urgent() {
		q.scheduleLocked(q.cooldownUntil.Sub(q.clock()))
		q.mu.Unlock()
		return
	}
	batch := q.takeBatchLocked()
	q.scheduleLocked(q.delayLocked())
	q.mu.Unlock()

	q.dispatch(batch)
}

// Pending returns the number of unacknowledged segments.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops retrying. Pending segments are kept but never sent again.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cancelLocked()
}

func (q *Queue) retry(timerID uint64) {
	q.mu.Lock()
	if q.closed || timerID != q.timerID {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	if !q.online() {
		q.scheduleLocked(q.maxDelay)
		q.mu.Unlock()
		return
	}
	if q.coolingLocked() {
		q.scheduleLocked(q.cooldownUntil.Sub(q.clock()))
		q.mu.Unlock()
		return
	}
	batch := q.takeBatchLocked()
	q.scheduleLocked(q.delayLocked())
	q.mu.Unlock()

	q.dispatch(batch)
}

func (q *Queue) dispatch(batch []whiteboard.StrokeEvent) {
	for _, event := range batch {
		if err := q.send(event); err != nil {
			q.logger.Debug("whiteboard segment send failed", zap.String("stroke_id", event.StrokeID.String()), zap.Error(err))
		}
	}
}

// takeBatchLocked counts an attempt for every pending segment and returns them
// in enqueue order.
func (q *Queue) takeBatchLocked() []whiteboard.StrokeEvent {
	entries := make([]*pendingSegment, 0, len(q.pending))
	for _, entry := range q.pending {
		entry.attempts++
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *pendingSegment) int {
		switch {
		case a.order < b.order:
			return -1
		case a.order > b.order:
			return 1
		default:
			return 0
		}
	})
	batch := make([]whiteboard.StrokeEvent, 0, len(entries))
	for _, entry := range entries {
		batch = append(batch, entry.event)
	}
	return batch
}

// delayLocked is the base delay doubled once per attempt beyond the first,
// using the most-attempted pending segment, capped at the ceiling.
func (q *Queue) delayLocked() time.Duration {
	attempts := 0
	for _, entry := range q.pending {
		attempts = max(attempts, entry.attempts)
	}
	delay := q.baseDelay
	for step := 1; step < attempts && delay < q.maxDelay; step++ {
		delay *= 2
	}
	return min(delay, q.maxDelay)
}

func (q *Queue) coolingLocked() bool {
	return q.clock().Before(q.cooldownUntil)
}

func (q *Queue) scheduleLocked(delay time.Duration) {
	q.cancelLocked()
	if delay <= 0 {
		delay = q.baseDelay
	}
	id := q.timerID
	q.timer = q.afterFunc(delay, func() {
		q.retry(id)
	})
}

func (q *Queue) cancelLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerID++
}
