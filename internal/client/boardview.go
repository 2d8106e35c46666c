package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultHistoryTimeout = 15 * time.Second

// ErrViewClosed indicates Open on a view that has been closed.
var ErrViewClosed = errors.New("client: board view closed")

// Point is a normalized board coordinate in [0,1].
type Point struct {
	X float64
	Y float64
}

// StrokeStyle is applied to every segment of a stroke.
type StrokeStyle struct {
	Color string
	Width float64
}

// BoardViewConfig wires one board view to a server.
type BoardViewConfig struct {
	BaseURL      string
	BoardID      whiteboard.BoardID
	Token        string
	UserID       string
	SourceID     string
	Cache        *SnapshotCache
	HTTPClient   *http.Client
	Dialer       *websocket.Dialer
	Header       http.Header
	PingInterval time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	Clock        func() time.Time
	AfterFunc    func(time.Duration, func()) Timer
	Logger       *zap.Logger
}

// BoardView composes the transport, queue, segmenter and snapshot cache of a
// single open board. A failed or dropped socket is replaced on the next Open;
// the queue, cache and segmenter outlive it.
type BoardView struct {
	boardID         whiteboard.BoardID
	baseURL         string
	token           string
	userID          string
	sourceID        string
	httpClient      *http.Client
	clock           func() time.Time
	logger          *zap.Logger
	transportConfig TransportConfig

	queue     *Queue
	segmenter *Segmenter
	cache     *SnapshotCache

	// openMu serializes Open and Close.
	openMu sync.Mutex
	closed bool

	transportMu sync.RWMutex
	transport   *Transport

	mu             sync.Mutex
	strokes        map[whiteboard.StrokeID]StrokeStyle
	subscribers    map[int]func(whiteboard.PersistedEvent)
	nextSubscriber int
}

// NewBoardView constructs the view and its collaborators without connecting.
func NewBoardView(cfg BoardViewConfig) (*BoardView, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := cfg.Cache
	if cache == nil {
		cache = NewSnapshotCache(0)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHistoryTimeout}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	sourceID := strings.TrimSpace(cfg.SourceID)
	if sourceID == "" {
		sourceID = uuid.NewString()
	}

	view := &BoardView{
		boardID:    cfg.BoardID,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		token:      cfg.Token,
		userID:     cfg.UserID,
		sourceID:   sourceID,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
		transportConfig: TransportConfig{
			BaseURL:      cfg.BaseURL,
			BoardID:      cfg.BoardID,
			Token:        cfg.Token,
			Cursor:       func() *whiteboard.Cursor { return cache.Cursor(cfg.BoardID) },
			PingInterval: cfg.PingInterval,
			Dialer:       cfg.Dialer,
			Header:       cfg.Header,
			Logger:       logger,
		},
		segmenter:   NewSegmenter(),
		cache:       cache,
		strokes:     make(map[whiteboard.StrokeID]StrokeStyle),
		subscribers: make(map[int]func(whiteboard.PersistedEvent)),
	}
	queue, err := NewQueue(QueueConfig{
		Send:      func(event whiteboard.StrokeEvent) error { return view.currentTransport().SendStroke(event) },
		Online:    func() bool { return view.currentTransport().Connected() },
		BaseDelay: cfg.BaseDelay,
		MaxDelay:  cfg.MaxDelay,
		Clock:     clock,
		AfterFunc: cfg.AfterFunc,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	view.queue = queue
	if _, err := view.attachTransport(); err != nil {
		return nil, err
	}
	return view, nil
}

// Open connects the socket and retries anything left pending. A transport in
// the error or closed state is replaced by a fresh one that joins from the
// cached cursor.
func (v *BoardView) Open(ctx context.Context) error {
	v.openMu.Lock()
	defer v.openMu.Unlock()
	if v.closed {
		return ErrViewClosed
	}

	transport := v.currentTransport()
	if state := transport.State(); state == StateError || state == StateClosed {
		next, err := v.attachTransport()
		if err != nil {
			return err
		}
		transport.Disconnect()
		transport = next
		v.logger.Info("whiteboard transport replaced", zap.String("board_id", v.boardID.String()), zap.String("previous_state", string(state)))
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}
	v.queue.Flush(FlushReconnect)
	return nil
}

func (v *BoardView) attachTransport() (*Transport, error) {
	transport, err := NewTransport(v.transportConfig)
	if err != nil {
		return nil, err
	}
	transport.Subscribe(v.publish)
	transport.OnAck(v.handleAck)
	transport.OnError(v.handleError)
	transport.OnClear(v.handleClear)

	v.transportMu.Lock()
	v.transport = transport
	v.transportMu.Unlock()
	return transport, nil
}

func (v *BoardView) currentTransport() *Transport {
	v.transportMu.RLock()
	defer v.transportMu.RUnlock()
	return v.transport
}

// LoadHistory replaces the cached board with the server's full snapshot.
func (v *BoardView) LoadHistory(ctx context.Context) error {
	endpoint := v.baseURL + "/boards/" + url.PathEscape(v.boardID.String()) + "/history"
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+v.token)

	response, err := v.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("client: history request failed: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("client: history request returned status %d", response.StatusCode)
	}

	var payload whiteboard.HistoryResponsePayload
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return fmt.Errorf("client: history decode failed: %w", err)
	}
	events := make([]whiteboard.PersistedEvent, 0, len(payload.Events))
	for _, entry := range payload.Events {
		eventType, err := whiteboard.ParseEventType(entry.Type)
		if err != nil {
			continue
		}
		event, err := entry.ValidatePersisted(eventType)
		if err != nil || event.BoardID != v.boardID {
			continue
		}
		events = append(events, event)
	}
	v.cache.Replace(v.boardID, events, payload.Cursor)
	return nil
}

// BeginStroke starts a new stroke at the point and returns its id.
func (v *BoardView) BeginStroke(point Point, style StrokeStyle) (whiteboard.StrokeID, error) {
	strokeID := whiteboard.StrokeID(uuid.NewString())
	v.mu.Lock()
	v.strokes[strokeID] = style
	v.mu.Unlock()
	if err := v.emit(whiteboard.EventTypeStart, strokeID, point); err != nil {
		v.forget(strokeID)
		return "", err
	}
	return strokeID, nil
}

// ExtendStroke adds a move segment to an open stroke.
func (v *BoardView) ExtendStroke(strokeID whiteboard.StrokeID, point Point) error {
	return v.emit(whiteboard.EventTypeMove, strokeID, point)
}

// EndStroke closes the stroke and flushes the queue immediately.
func (v *BoardView) EndStroke(strokeID whiteboard.StrokeID, point Point) error {
	err := v.emit(whiteboard.EventTypeEnd, strokeID, point)
	v.forget(strokeID)
	if err != nil {
		return err
	}
	v.queue.Flush(FlushStrokeEnd)
	return nil
}

// Clear asks the server to clear the board for everyone.
func (v *BoardView) Clear() error {
	return v.currentTransport().SendClear()
}

// Events returns the cached board history.
func (v *BoardView) Events() []whiteboard.PersistedEvent {
	return v.cache.Events(v.boardID)
}

// Subscribe registers a listener for peer strokes. Listeners survive a
// transport being replaced by Open.
func (v *BoardView) Subscribe(listener func(whiteboard.PersistedEvent)) func() {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextSubscriber
	v.nextSubscriber++
	v.subscribers[id] = listener
	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subscribers, id)
	}
}

// Pending returns the number of unacknowledged local segments.
func (v *BoardView) Pending() int {
	return v.queue.Pending()
}

// State returns the socket lifecycle state.
func (v *BoardView) State() State {
	return v.currentTransport().State()
}

// Close makes a last urgent attempt and tears the socket down. A closed view
// cannot be reopened.
func (v *BoardView) Close() {
	v.openMu.Lock()
	defer v.openMu.Unlock()
	v.closed = true
	v.queue.Flush(FlushUnmount)
	v.queue.Close()
	v.currentTransport().Disconnect()

	v.mu.Lock()
	v.subscribers = make(map[int]func(whiteboard.PersistedEvent))
	v.mu.Unlock()
}

func (v *BoardView) emit(eventType whiteboard.EventType, strokeID whiteboard.StrokeID, point Point) error {
	v.mu.Lock()
	style, ok := v.strokes[strokeID]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: unknown stroke %s", whiteboard.ErrInvalidStroke, strokeID)
	}

	x, y := point.X, point.Y
	timestamp := float64(v.clock().UnixMilli())
	segmentIndex := float64(v.segmenter.NextSegmentIndex(strokeID))
	payload := whiteboard.StrokePayload{
		BoardID:      v.boardID.String(),
		StrokeID:     strokeID.String(),
		X:            &x,
		Y:            &y,
		T:            &timestamp,
		SegmentIndex: &segmentIndex,
		SourceID:     v.sourceID,
		Color:        style.Color,
	}
	if style.Width > 0 {
		width := style.Width
		payload.Width = &width
	}
	event, err := payload.Validate(eventType, true)
	if err != nil {
		return err
	}
	v.queue.Enqueue(event)
	return nil
}

func (v *BoardView) forget(strokeID whiteboard.StrokeID) {
	v.segmenter.End(strokeID)
	v.mu.Lock()
	delete(v.strokes, strokeID)
	v.mu.Unlock()
}

func (v *BoardView) publish(event whiteboard.PersistedEvent) {
	v.cache.Append(event)
	v.mu.Lock()
	listeners := make([]func(whiteboard.PersistedEvent), 0, len(v.subscribers))
	for _, listener := range v.subscribers {
		listeners = append(listeners, listener)
	}
	v.mu.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}

func (v *BoardView) handleAck(ack whiteboard.AckPayload) {
	event, ok := v.queue.Ack(ack)
	if !ok {
		return
	}
	v.cache.Append(whiteboard.PersistedEvent{StrokeEvent: event, Seq: ack.Seq, UserID: v.userID})
}

func (v *BoardView) handleError(failure whiteboard.ErrorPayload) {
	if failure.Code == whiteboard.ErrorCodeRateLimited {
		v.queue.Backoff(time.Duration(failure.RetryAfterMs) * time.Millisecond)
		return
	}
	v.logger.Warn("whiteboard request rejected", zap.String("code", string(failure.Code)))
}

func (v *BoardView) handleClear(whiteboard.ClearPayload) {
	v.cache.Clear(v.boardID)
}
