package server

import (
	"sync"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
)

// outboundMessage is an encoded frame queued for a connection's writer.
// Seq is set for stroke frames so replay can skip what it already sent.
type outboundMessage struct {
	boardID whiteboard.BoardID
	seq     int64
	data    []byte
}

type subscriber interface {
	deliver(message outboundMessage) bool
}

// Hub tracks which connections are joined to which boards.
type Hub struct {
	mu    sync.RWMutex
	rooms map[whiteboard.BoardID]map[subscriber]struct{}
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[whiteboard.BoardID]map[subscriber]struct{})}
}

// Join adds the subscriber to the board's room. Joining twice is a no-op.
func (h *Hub) Join(boardID whiteboard.BoardID, member subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[boardID]
	if !ok {
		room = make(map[subscriber]struct{})
		h.rooms[boardID] = room
	}
	room[member] = struct{}{}
}

// Leave removes the subscriber from the board's room.
func (h *Hub) Leave(boardID whiteboard.BoardID, member subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(boardID, member)
}

// LeaveAll removes the subscriber from every listed board.
func (h *Hub) LeaveAll(member subscriber, boardIDs []whiteboard.BoardID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, boardID := range boardIDs {
		h.leaveLocked(boardID, member)
	}
}

func (h *Hub) leaveLocked(boardID whiteboard.BoardID, member subscriber) {
	room := h.rooms[boardID]
	if room == nil {
		return
	}
	delete(room, member)
	if len(room) == 0 {
		delete(h.rooms, boardID)
	}
}

// Size returns the number of subscribers joined to the board.
func (h *Hub) Size(boardID whiteboard.BoardID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[boardID])
}

// Broadcast hands the message to every subscriber of its board except the
// excluded one. Delivery never blocks; it returns how many subscribers
// refused the message.
func (h *Hub) Broadcast(message outboundMessage, except subscriber) int {
	h.mu.RLock()
	room := h.rooms[message.boardID]
	if len(room) == 0 {
		h.mu.RUnlock()
		return 0
	}
	targets := make([]subscriber, 0, len(room))
	for member := range room {
		if member != except {
			targets = append(targets, member)
		}
	}
	h.mu.RUnlock()

	dropped := 0
	for _, target := range targets {
		if !target.deliver(message) {
			dropped++
		}
	}
	return dropped
}
