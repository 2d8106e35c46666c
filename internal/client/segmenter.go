package client

import (
	"sync"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
)

// Segmenter hands out per-stroke segment indices 0, 1, 2, ...
type Segmenter struct {
	mu   sync.Mutex
	next map[whiteboard.StrokeID]int64
}

// NewSegmenter constructs an empty Segmenter.
func NewSegmenter() *Segmenter {
	return &Segmenter{next: make(map[whiteboard.StrokeID]int64)}
}

// NextSegmentIndex returns the next index for the stroke.
func (s *Segmenter) NextSegmentIndex(strokeID whiteboard.StrokeID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.next[strokeID]
	s.next[strokeID] = index + 1
	return index
}

// End forgets the stroke so a reused id starts again at zero.
func (s *Segmenter) End(strokeID whiteboard.StrokeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, strokeID)
}
