package client

import (
	"slices"
	"sync"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
)

const defaultCacheCapacity = 5000

type boardSnapshot struct {
	events []whiteboard.PersistedEvent
	seen   map[int64]struct{}
	cursor whiteboard.Cursor
}

// SnapshotCache holds the rendered history of each board and its resync cursor.
type SnapshotCache struct {
	mu       sync.Mutex
	capacity int
	boards   map[whiteboard.BoardID]*boardSnapshot
}

// NewSnapshotCache returns a cache keeping at most capacity events per board.
func NewSnapshotCache(capacity int) *SnapshotCache {
	if capacity <= 0 {
		capacity = defaultCacheCapacity
	}
	return &SnapshotCache{capacity: capacity, boards: make(map[whiteboard.BoardID]*boardSnapshot)}
}

func (c *SnapshotCache) boardLocked(boardID whiteboard.BoardID) *boardSnapshot {
	snapshot, ok := c.boards[boardID]
	if !ok {
		snapshot = &boardSnapshot{seen: make(map[int64]struct{})}
		c.boards[boardID] = snapshot
	}
	return snapshot
}

// Append adds the event to its board. An event older than the tail triggers a
// full renormalization. Events with an already cached seq are ignored.
func (c *SnapshotCache) Append(event whiteboard.PersistedEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := c.boardLocked(event.BoardID)
	if event.Seq > 0 {
		if _, ok := snapshot.seen[event.Seq]; ok {
			return
		}
		snapshot.seen[event.Seq] = struct{}{}
	}

	outOfOrder := false
	if count := len(snapshot.events); count > 0 && event.Seq > 0 {
		tail := snapshot.events[count-1]
		outOfOrder = tail.Seq > 0 && event.Seq < tail.Seq
	}
	snapshot.events = append(snapshot.events, event)
	if outOfOrder {
		snapshot.events = whiteboard.Normalize(snapshot.events)
	}
	c.trimLocked(snapshot)

	if event.Seq > snapshot.cursor.LastSeq {
		snapshot.cursor = whiteboard.Cursor{LastSeq: event.Seq, LastTs: event.Timestamp}
	}
}

// Replace loads a full-history response for the board.
func (c *SnapshotCache) Replace(boardID whiteboard.BoardID, events []whiteboard.PersistedEvent, cursor whiteboard.Cursor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := &boardSnapshot{
		events: whiteboard.Normalize(events),
		seen:   make(map[int64]struct{}, len(events)),
		cursor: cursor,
	}
	for _, event := range snapshot.events {
		if event.Seq > 0 {
			snapshot.seen[event.Seq] = struct{}{}
		}
		if event.Seq > snapshot.cursor.LastSeq {
			snapshot.cursor = whiteboard.Cursor{LastSeq: event.Seq, LastTs: event.Timestamp}
		}
	}
	c.trimLocked(snapshot)
	c.boards[boardID] = snapshot
}

func (c *SnapshotCache) trimLocked(snapshot *boardSnapshot) {
	overflow := len(snapshot.events) - c.capacity
	if overflow <= 0 {
		return
	}
	for _, dropped := range snapshot.events[:overflow] {
		delete(snapshot.seen, dropped.Seq)
	}
	snapshot.events = slices.Clone(snapshot.events[overflow:])
}

// Events returns a copy of the board's cached events.
func (c *SnapshotCache) Events(boardID whiteboard.BoardID) []whiteboard.PersistedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.boards[boardID]
	if !ok {
		return nil
	}
	return slices.Clone(snapshot.events)
}

// Cursor returns the board's resync point, or nil when nothing is known.
func (c *SnapshotCache) Cursor(boardID whiteboard.BoardID) *whiteboard.Cursor {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.boards[boardID]
	if !ok || snapshot.cursor.LastSeq == 0 {
		return nil
	}
	cursor := snapshot.cursor
	return &cursor
}

// Clear drops the board's events but keeps its cursor.
func (c *SnapshotCache) Clear(boardID whiteboard.BoardID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot, ok := c.boards[boardID]
	if !ok {
		return
	}
	snapshot.events = nil
	snapshot.seen = make(map[int64]struct{})
}
