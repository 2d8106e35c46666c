package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errInvalidLimit    = errors.New("limit must be positive")
	noOpLogger         = zap.NewNop()
)

const (
	opStoreNew     = "whiteboard.store.new"
	opPersist      = "whiteboard.persist"
	opEventsAfter  = "whiteboard.events_after"
	opPrune        = "whiteboard.prune"
	opClear        = "whiteboard.clear"
	opHistory      = "whiteboard.history"
	fieldBoardID   = "board_id"
	fieldStrokeID  = "stroke_id"
	columnSeq      = "seq"
	orderSeqAsc    = columnSeq + " ASC"
	orderSeqDesc   = columnSeq + " DESC"
	queryBoard     = "board_id = ?"
	queryBoardFrom = "board_id = ? AND seq > ?"
	queryBoardTo   = "board_id = ? AND seq < ?"
	querySegment   = "board_id = ? AND stroke_id = ? AND segment_index = ?"

	reasonMissingDatabase = "missing_database"
	reasonInvalidLimit    = "invalid_limit"
	reasonInsertFailed    = "insert_failed"
	reasonLookupFailed    = "lookup_failed"
	reasonQueryFailed     = "query_failed"
	reasonDeleteFailed    = "delete_failed"
)

// ServiceError carries an "operation.reason" code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreConfig describes the dependencies of the history store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the board event log backed by a relational database.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store. The schema must already be migrated.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// PersistOutcome reports the log position of a persisted event.
type PersistOutcome struct {
	seq      int64
	inserted bool
}

// Seq returns the server-assigned log position.
func (outcome PersistOutcome) Seq() int64 {
	return outcome.seq
}

// Inserted reports whether this call created the row; false means a duplicate.
func (outcome PersistOutcome) Inserted() bool {
	return outcome.inserted
}

// Persist stores the event once per (board, stroke, segment) key.
//
// The insert relies on the unique index and ON CONFLICT DO NOTHING; a
// conflicting call resolves to the existing row's seq. Events without a
// segment index have no key and always insert a new row.
func (store *Store) Persist(ctx context.Context, userID string, event StrokeEvent) (PersistOutcome, error) {
	boardField := zap.String(fieldBoardID, event.BoardID.String())
	strokeField := zap.String(fieldStrokeID, event.StrokeID.String())
	record := newEventRecord(userID, event, store.clock().UTC().Unix())

	if event.SegmentIndex == nil {
		if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
			store.logError(opPersist, reasonInsertFailed, err, boardField, strokeField)
			return PersistOutcome{}, newServiceError(opPersist, reasonInsertFailed, err)
		}
		return PersistOutcome{seq: record.Seq, inserted: true}, nil
	}

	var outcome PersistOutcome
	transactionError := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		createResult := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
		if createResult.Error != nil {
			store.logError(opPersist, reasonInsertFailed, createResult.Error, boardField, strokeField)
			return newServiceError(opPersist, reasonInsertFailed, createResult.Error)
		}
		if createResult.RowsAffected > 0 {
			outcome = PersistOutcome{seq: record.Seq, inserted: true}
			return nil
		}

		var existing EventRecord
		err := transaction.Select(columnSeq).
			Where(querySegment, event.BoardID.String(), event.StrokeID.String(), *event.SegmentIndex).
			Take(&existing).Error
		if err != nil {
			store.logError(opPersist, reasonLookupFailed, err, boardField, strokeField)
			return newServiceError(opPersist, reasonLookupFailed, err)
		}
		outcome = PersistOutcome{seq: existing.Seq, inserted: false}
		return nil
	})
	if transactionError != nil {
		return PersistOutcome{}, transactionError
	}
	return outcome, nil
}

// EventsAfter returns up to limit events with seq greater than lastSeq, ascending.
func (store *Store) EventsAfter(ctx context.Context, boardID BoardID, lastSeq int64, limit int) ([]PersistedEvent, error) {
	if limit <= 0 {
		return nil, newServiceError(opEventsAfter, reasonInvalidLimit, errInvalidLimit)
	}
	var records []EventRecord
	if err := store.db.WithContext(ctx).
		Where(queryBoardFrom, boardID.String(), lastSeq).
		Order(orderSeqAsc).
		Limit(limit).
		Find(&records).Error; err != nil {
		store.logError(opEventsAfter, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return nil, newServiceError(opEventsAfter, reasonQueryFailed, err)
	}
	return toPersistedEvents(records), nil
}

// Prune deletes every event of the board that is not among the keep most recent.
// It returns the number of deleted rows.
func (store *Store) Prune(ctx context.Context, boardID BoardID, keep int) (int64, error) {
	if keep <= 0 {
		return 0, newServiceError(opPrune, reasonInvalidLimit, errInvalidLimit)
	}
	boardField := zap.String(fieldBoardID, boardID.String())

	var oldestKept EventRecord
	err := store.db.WithContext(ctx).
		Select(columnSeq).
		Where(queryBoard, boardID.String()).
		Order(orderSeqDesc).
		Offset(keep - 1).
		Limit(1).
		Take(&oldestKept).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		store.logError(opPrune, reasonQueryFailed, err, boardField)
		return 0, newServiceError(opPrune, reasonQueryFailed, err)
	}

	deleteResult := store.db.WithContext(ctx).
		Where(queryBoardTo, boardID.String(), oldestKept.Seq).
		Delete(&EventRecord{})
	if deleteResult.Error != nil {
		store.logError(opPrune, reasonDeleteFailed, deleteResult.Error, boardField)
		return 0, newServiceError(opPrune, reasonDeleteFailed, deleteResult.Error)
	}
	return deleteResult.RowsAffected, nil
}

// Clear deletes every event of the board and returns the number of deleted rows.
func (store *Store) Clear(ctx context.Context, boardID BoardID) (int64, error) {
	deleteResult := store.db.WithContext(ctx).
		Where(queryBoard, boardID.String()).
		Delete(&EventRecord{})
	if deleteResult.Error != nil {
		store.logError(opClear, reasonDeleteFailed, deleteResult.Error, zap.String(fieldBoardID, boardID.String()))
		return 0, newServiceError(opClear, reasonDeleteFailed, deleteResult.Error)
	}
	return deleteResult.RowsAffected, nil
}

// HistorySnapshot is a full-history read of a board, ascending by seq.
type HistorySnapshot struct {
	BoardID BoardID
	Events  []PersistedEvent
	Cursor  Cursor
}

// History returns the limit most recent events of the board in ascending order.
func (store *Store) History(ctx context.Context, boardID BoardID, limit int) (HistorySnapshot, error) {
	if limit <= 0 {
		return HistorySnapshot{}, newServiceError(opHistory, reasonInvalidLimit, errInvalidLimit)
	}
	var records []EventRecord
	if err := store.db.WithContext(ctx).
		Where(queryBoard, boardID.String()).
		Order(orderSeqDesc).
		Limit(limit).
		Find(&records).Error; err != nil {
		store.logError(opHistory, reasonQueryFailed, err, zap.String(fieldBoardID, boardID.String()))
		return HistorySnapshot{}, newServiceError(opHistory, reasonQueryFailed, err)
	}
	slices.Reverse(records)

	snapshot := HistorySnapshot{BoardID: boardID, Events: toPersistedEvents(records)}
	if len(snapshot.Events) > 0 {
		last := snapshot.Events[len(snapshot.Events)-1]
		snapshot.Cursor = Cursor{LastSeq: last.Seq, LastTs: last.Timestamp}
	}
	return snapshot, nil
}

func toPersistedEvents(records []EventRecord) []PersistedEvent {
	events := make([]PersistedEvent, 0, len(records))
	for _, record := range records {
		events = append(events, record.toPersisted())
	}
	return events
}

func (store *Store) loggerOrDefault() *zap.Logger {
	if store == nil || store.logger == nil {
		return noOpLogger
	}
	return store.logger
}

func (store *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	store.loggerOrDefault().Error("whiteboard store error", attrs...)
}
