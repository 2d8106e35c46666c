package whiteboard

import (
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

const (
	testBoardID      = "0b6f5f0e-7a57-4a4a-9c39-1f0d3f3c8a01"
	testOtherBoardID = "6c1d2a7e-5b0f-4a1e-8a2d-4b7c9e0f1a22"
	testUserID       = "user-1"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	store, err := NewStore(StoreConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return store
}

func mustBoardID(t *testing.T, value string) BoardID {
	t.Helper()
	id, err := NewBoardID(value)
	if err != nil {
		t.Fatalf("unexpected board id error: %v", err)
	}
	return id
}

func segment(value int64) *int64 {
	return &value
}

func number(value float64) *float64 {
	return &value
}

func strokeEvent(t *testing.T, board string, eventType EventType, strokeID string, index int64) StrokeEvent {
	t.Helper()
	return StrokeEvent{
		Type:         eventType,
		BoardID:      mustBoardID(t, board),
		StrokeID:     StrokeID(strokeID),
		X:            0.25,
		Y:            0.75,
		Timestamp:    index + 1,
		SegmentIndex: segment(index),
	}
}
