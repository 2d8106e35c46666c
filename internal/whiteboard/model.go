package whiteboard

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// EventType enumerates the stroke segment kinds carried on the wire.
type EventType string

const (
	// EventTypeStart opens a stroke.
	EventTypeStart EventType = "stroke:start"
	// EventTypeMove extends an open stroke.
	EventTypeMove EventType = "stroke:move"
	// EventTypeEnd closes a stroke.
	EventTypeEnd EventType = "stroke:end"
)

const (
	maxIdentifierLength = 190
	maxStrokeWidth      = 64
	maxSafeInteger      = 1<<53 - 1
)

var (
	// ErrInvalidBoardID indicates that a board identifier is not a UUID.
	ErrInvalidBoardID = errors.New("whiteboard: invalid board id")
	// ErrInvalidStrokeID indicates that a stroke identifier is empty or exceeds storage bounds.
	ErrInvalidStrokeID = errors.New("whiteboard: invalid stroke id")
	// ErrInvalidEventType indicates an unknown stroke event type.
	ErrInvalidEventType = errors.New("whiteboard: invalid event type")
	// ErrInvalidStroke indicates a stroke payload failed shape or range validation.
	ErrInvalidStroke = errors.New("whiteboard: invalid stroke payload")

	colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)
)

// ParseEventType validates a wire message type as a stroke event type.
func ParseEventType(value string) (EventType, error) {
	switch EventType(value) {
	case EventTypeStart, EventTypeMove, EventTypeEnd:
		return EventType(value), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventType, value)
	}
}

// IsStrokeType reports whether the wire message type is one of the stroke types.
func IsStrokeType(value string) bool {
	_, err := ParseEventType(value)
	return err == nil
}

// rank orders event types within a stroke: start < move < end.
func (t EventType) rank() int {
	switch t {
	case EventTypeStart:
		return 0
	case EventTypeMove:
		return 1
	case EventTypeEnd:
		return 2
	default:
		return 3
	}
}

// BoardID represents a validated, canonical board identifier.
type BoardID string

// NewBoardID validates raw input as a UUID and returns its canonical form.
func NewBoardID(rawInput string) (BoardID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidBoardID)
	}
	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidBoardID, err)
	}
	return BoardID(parsed.String()), nil
}

// String returns the underlying string identifier.
func (id BoardID) String() string {
	return string(id)
}

// StrokeID represents a validated, client-chosen gesture identifier.
type StrokeID string

// NewStrokeID validates raw input and returns a StrokeID.
func NewStrokeID(rawInput string) (StrokeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidStrokeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidStrokeID, maxIdentifierLength)
	}
	return StrokeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id StrokeID) String() string {
	return string(id)
}

// StrokeEvent is one validated segment of a stroke.
type StrokeEvent struct {
	Type         EventType
	BoardID      BoardID
	StrokeID     StrokeID
	X            float64
	Y            float64
	Timestamp    int64
	SegmentIndex *int64
	SourceID     string
	Color        string
	Width        *float64
}

// SegmentKey identifies a segment for idempotency and client-side deduplication.
type SegmentKey struct {
	StrokeID     StrokeID
	SegmentIndex int64
}

// Key returns the segment key and whether the event carries a segment index.
func (e StrokeEvent) Key() (SegmentKey, bool) {
	if e.SegmentIndex == nil {
		return SegmentKey{}, false
	}
	return SegmentKey{StrokeID: e.StrokeID, SegmentIndex: *e.SegmentIndex}, true
}

// PersistedEvent is a stroke event with its server-assigned log position.
// A Seq of zero means the position is not known.
type PersistedEvent struct {
	StrokeEvent
	Seq    int64
	UserID string
}

// Cursor is a client's bookmark for delta replay.
type Cursor struct {
	LastSeq int64 `json:"lastSeq"`
	LastTs  int64 `json:"lastTs"`
}

func validateUnit(name string, value *float64) (float64, error) {
	if value == nil {
		return 0, fmt.Errorf("%w: %s required", ErrInvalidStroke, name)
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidStroke, name)
	}
	return v, nil
}

func validateNonNegativeInteger(name string, value float64) (int64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 || value != math.Trunc(value) || value > maxSafeInteger {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", ErrInvalidStroke, name)
	}
	return int64(value), nil
}

func normalizeColor(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	if !colorPattern.MatchString(value) {
		return "", fmt.Errorf("%w: color must be #rrggbb", ErrInvalidStroke)
	}
	return strings.ToLower(value), nil
}

func validateWidth(value *float64) (*float64, error) {
	if value == nil {
		return nil, nil
	}
	v := *value
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 || v > maxStrokeWidth {
		return nil, fmt.Errorf("%w: width out of range", ErrInvalidStroke)
	}
	return &v, nil
}
