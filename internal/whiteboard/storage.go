package whiteboard

// EventRecord stores one persisted stroke segment. Seq is the board log position.
type EventRecord struct {
	Seq              int64    `gorm:"column:seq;primaryKey;autoIncrement;index:idx_whiteboard_events_board_seq,priority:2"`
	BoardID          string   `gorm:"column:board_id;size:64;not null;index:idx_whiteboard_events_board_seq,priority:1;uniqueIndex:idx_whiteboard_events_segment,priority:1"`
	StrokeID         string   `gorm:"column:stroke_id;size:190;not null;uniqueIndex:idx_whiteboard_events_segment,priority:2"`
	SegmentIndex     *int64   `gorm:"column:segment_index;uniqueIndex:idx_whiteboard_events_segment,priority:3"`
	EventType        string   `gorm:"column:event_type;size:16;not null"`
	X                float64  `gorm:"column:x;not null"`
	Y                float64  `gorm:"column:y;not null"`
	ClientTimestamp  int64    `gorm:"column:client_ts;not null"`
	SourceID         string   `gorm:"column:source_id;size:190;not null;default:''"`
	Color            string   `gorm:"column:color;size:7;not null;default:''"`
	Width            *float64 `gorm:"column:width"`
	UserID           string   `gorm:"column:user_id;size:190;not null"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return "whiteboard_events"
}

func newEventRecord(userID string, event StrokeEvent, createdAtSeconds int64) EventRecord {
	return EventRecord{
		BoardID:          event.BoardID.String(),
		StrokeID:         event.StrokeID.String(),
		SegmentIndex:     event.SegmentIndex,
		EventType:        string(event.Type),
		X:                event.X,
		Y:                event.Y,
		ClientTimestamp:  event.Timestamp,
		SourceID:         event.SourceID,
		Color:            event.Color,
		Width:            event.Width,
		UserID:           userID,
		CreatedAtSeconds: createdAtSeconds,
	}
}

func (record EventRecord) toPersisted() PersistedEvent {
	return PersistedEvent{
		StrokeEvent: StrokeEvent{
			Type:         EventType(record.EventType),
			BoardID:      BoardID(record.BoardID),
			StrokeID:     StrokeID(record.StrokeID),
			X:            record.X,
			Y:            record.Y,
			Timestamp:    record.ClientTimestamp,
			SegmentIndex: record.SegmentIndex,
			SourceID:     record.SourceID,
			Color:        record.Color,
			Width:        record.Width,
		},
		Seq:    record.Seq,
		UserID: record.UserID,
	}
}
