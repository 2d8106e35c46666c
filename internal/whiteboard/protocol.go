package whiteboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Wire message types exchanged over the board socket.
const (
	MessagePing   = "ping"
	MessagePong   = "pong"
	MessageJoin   = "whiteboard:join"
	MessageJoined = "whiteboard:joined"
	MessageLeave  = "whiteboard:leave"
	MessageLeft   = "whiteboard:left"
	MessageClear  = "whiteboard:clear"
	MessageAck    = "whiteboard:ack"
	MessageError  = "whiteboard:error"
)

// ErrorCode is the machine-readable code of a whiteboard:error reply.
type ErrorCode string

const (
	ErrorCodeInvalidRequest  ErrorCode = "invalid_request"
	ErrorCodeForbidden       ErrorCode = "forbidden"
	ErrorCodeNotJoined       ErrorCode = "not_joined"
	ErrorCodeJoinFailed      ErrorCode = "join_failed"
	ErrorCodePayloadTooLarge ErrorCode = "payload_too_large"
	ErrorCodeRateLimited     ErrorCode = "rate_limited"
)

// ErrInvalidFrame indicates a socket frame that is not a {type, payload} object.
var ErrInvalidFrame = errors.New("whiteboard: invalid frame")

// Frame is the JSON envelope of every socket message.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeFrame parses a raw socket message into its envelope.
func DecodeFrame(raw []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if strings.TrimSpace(frame.Type) == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrInvalidFrame)
	}
	return frame, nil
}

// EncodeFrame serializes a message type and payload into a socket message.
func EncodeFrame(messageType string, payload any) ([]byte, error) {
	frame := struct {
		Type    string `json:"type"`
		Payload any    `json:"payload,omitempty"`
	}{Type: messageType, Payload: payload}
	return json.Marshal(frame)
}

// DecodePayload unmarshals a frame payload. An absent payload is an error.
func DecodePayload(frame Frame, target any) error {
	if len(frame.Payload) == 0 || string(frame.Payload) == "null" {
		return fmt.Errorf("%w: missing payload", ErrInvalidFrame)
	}
	if err := json.Unmarshal(frame.Payload, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	return nil
}

// StrokePayload is the inbound shape of a stroke:* message before validation.
// Numeric fields are decoded as floats so integrality can be checked explicitly.
type StrokePayload struct {
	BoardID      string   `json:"boardId"`
	StrokeID     string   `json:"strokeId"`
	X            *float64 `json:"x"`
	Y            *float64 `json:"y"`
	T            *float64 `json:"t"`
	SegmentIndex *float64 `json:"segmentIndex,omitempty"`
	SourceID     string   `json:"sourceId,omitempty"`
	Color        string   `json:"color,omitempty"`
	Width        *float64 `json:"width,omitempty"`
	Seq          *float64 `json:"seq,omitempty"`
	UserID       string   `json:"userId,omitempty"`
}

// Validate checks shape and ranges and returns the canonical stroke event.
func (p StrokePayload) Validate(eventType EventType, requireSegmentIndex bool) (StrokeEvent, error) {
	if _, err := ParseEventType(string(eventType)); err != nil {
		return StrokeEvent{}, err
	}
	boardID, err := NewBoardID(p.BoardID)
	if err != nil {
		return StrokeEvent{}, err
	}
	strokeID, err := NewStrokeID(p.StrokeID)
	if err != nil {
		return StrokeEvent{}, err
	}
	x, err := validateUnit("x", p.X)
	if err != nil {
		return StrokeEvent{}, err
	}
	y, err := validateUnit("y", p.Y)
	if err != nil {
		return StrokeEvent{}, err
	}
	if p.T == nil {
		return StrokeEvent{}, fmt.Errorf("%w: t required", ErrInvalidStroke)
	}
	timestamp, err := validateNonNegativeInteger("t", *p.T)
	if err != nil {
		return StrokeEvent{}, err
	}

	var segmentIndex *int64
	if p.SegmentIndex != nil {
		value, err := validateNonNegativeInteger("segmentIndex", *p.SegmentIndex)
		if err != nil {
			return StrokeEvent{}, err
		}
		segmentIndex = &value
	} else if requireSegmentIndex {
		return StrokeEvent{}, fmt.Errorf("%w: segmentIndex required", ErrInvalidStroke)
	}

	sourceID := strings.TrimSpace(p.SourceID)
	if len(sourceID) > maxIdentifierLength {
		return StrokeEvent{}, fmt.Errorf("%w: sourceId exceeds %d characters", ErrInvalidStroke, maxIdentifierLength)
	}
	color, err := normalizeColor(p.Color)
	if err != nil {
		return StrokeEvent{}, err
	}
	width, err := validateWidth(p.Width)
	if err != nil {
		return StrokeEvent{}, err
	}

	return StrokeEvent{
		Type:         eventType,
		BoardID:      boardID,
		StrokeID:     strokeID,
		X:            x,
		Y:            y,
		Timestamp:    timestamp,
		SegmentIndex: segmentIndex,
		SourceID:     sourceID,
		Color:        color,
		Width:        width,
	}, nil
}

// ValidatePersisted validates an outbound stroke payload as received by a client.
func (p StrokePayload) ValidatePersisted(eventType EventType) (PersistedEvent, error) {
	event, err := p.Validate(eventType, false)
	if err != nil {
		return PersistedEvent{}, err
	}
	var seq int64
	if p.Seq != nil {
		seq, err = validateNonNegativeInteger("seq", *p.Seq)
		if err != nil {
			return PersistedEvent{}, err
		}
	}
	return PersistedEvent{StrokeEvent: event, Seq: seq, UserID: strings.TrimSpace(p.UserID)}, nil
}

// EventPayload is the outbound shape of a stroke:* message for replay and fan-out.
type EventPayload struct {
	BoardID      string   `json:"boardId"`
	StrokeID     string   `json:"strokeId"`
	X            float64  `json:"x"`
	Y            float64  `json:"y"`
	T            int64    `json:"t"`
	SegmentIndex *int64   `json:"segmentIndex,omitempty"`
	SourceID     string   `json:"sourceId,omitempty"`
	Color        string   `json:"color,omitempty"`
	Width        *float64 `json:"width,omitempty"`
	Seq          int64    `json:"seq,omitempty"`
	UserID       string   `json:"userId,omitempty"`
}

// NewEventPayload converts a persisted event into its wire form.
func NewEventPayload(event PersistedEvent) EventPayload {
	return EventPayload{
		BoardID:      event.BoardID.String(),
		StrokeID:     event.StrokeID.String(),
		X:            event.X,
		Y:            event.Y,
		T:            event.Timestamp,
		SegmentIndex: event.SegmentIndex,
		SourceID:     event.SourceID,
		Color:        event.Color,
		Width:        event.Width,
		Seq:          event.Seq,
		UserID:       event.UserID,
	}
}

// NewStrokeEventPayload converts an unpersisted client event into its wire form.
func NewStrokeEventPayload(event StrokeEvent) EventPayload {
	return NewEventPayload(PersistedEvent{StrokeEvent: event})
}

// BoardPayload carries only a board identifier (leave, left, joined).
type BoardPayload struct {
	BoardID string `json:"boardId"`
}

// CursorPayload is the inbound cursor of a join request.
type CursorPayload struct {
	LastSeq *float64 `json:"lastSeq,omitempty"`
	LastTs  *float64 `json:"lastTs,omitempty"`
}

// ReplayAfter returns the replay lower bound and whether replay was requested.
// Replay is requested only by a positive, finite lastSeq.
func (c *CursorPayload) ReplayAfter() (int64, bool) {
	if c == nil || c.LastSeq == nil {
		return 0, false
	}
	value := *c.LastSeq
	if math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, false
	}
	if value > maxSafeInteger {
		value = maxSafeInteger
	}
	return int64(math.Floor(value)), true
}

// JoinPayload is the body of whiteboard:join.
type JoinPayload struct {
	BoardID string         `json:"boardId"`
	Cursor  *CursorPayload `json:"cursor,omitempty"`
}

// PingPayload is the optional body of ping.
type PingPayload struct {
	BoardID string `json:"boardId,omitempty"`
}

// PongPayload answers ping with the server clock in unix milliseconds.
type PongPayload struct {
	BoardID string `json:"boardId,omitempty"`
	TS      int64  `json:"ts"`
}

// ClearPayload is the body of a whiteboard:clear broadcast.
type ClearPayload struct {
	BoardID  string `json:"boardId"`
	SourceID string `json:"sourceId,omitempty"`
}

// AckPayload acknowledges a persisted (or previously persisted) segment.
type AckPayload struct {
	BoardID      string    `json:"boardId"`
	StrokeID     string    `json:"strokeId"`
	SegmentIndex int64     `json:"segmentIndex"`
	Type         EventType `json:"type"`
	Seq          int64     `json:"seq"`
}

// Key returns the segment key acknowledged by the payload.
func (a AckPayload) Key() SegmentKey {
	return SegmentKey{StrokeID: StrokeID(a.StrokeID), SegmentIndex: a.SegmentIndex}
}

// ErrorPayload is the body of whiteboard:error.
type ErrorPayload struct {
	Code         ErrorCode `json:"code"`
	BoardID      string    `json:"boardId,omitempty"`
	RetryAfterMs int64     `json:"retryAfterMs,omitempty"`
}

// HistoryEvent is one stroke of a full-history response, tagged with its type.
type HistoryEvent struct {
	Type EventType `json:"type"`
	EventPayload
}

// HistoryPayload is the body of the full-snapshot history endpoint.
type HistoryPayload struct {
	BoardID string         `json:"boardId"`
	Events  []HistoryEvent `json:"events"`
	Cursor  Cursor         `json:"cursor"`
}

// NewHistoryPayload converts a history snapshot into its wire form.
func NewHistoryPayload(snapshot HistorySnapshot) HistoryPayload {
	events := make([]HistoryEvent, 0, len(snapshot.Events))
	for _, event := range snapshot.Events {
		events = append(events, HistoryEvent{Type: event.Type, EventPayload: NewEventPayload(event)})
	}
	return HistoryPayload{BoardID: snapshot.BoardID.String(), Events: events, Cursor: snapshot.Cursor}
}

// HistoryEventPayload is the inbound shape of a HistoryEvent before validation.
type HistoryEventPayload struct {
	Type string `json:"type"`
	StrokePayload
}

// HistoryResponsePayload is the inbound shape of a HistoryPayload before validation.
type HistoryResponsePayload struct {
	BoardID string                `json:"boardId"`
	Events  []HistoryEventPayload `json:"events"`
	Cursor  Cursor                `json:"cursor"`
}
