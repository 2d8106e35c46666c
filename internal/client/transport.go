// Package client implements the browser-side half of board sync in Go: the
// socket transport, the at-least-once persistence queue, the segmenter and a
// snapshot cache, composed by BoardView.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State is the lifecycle position of a Transport.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
	StateClosed     State = "closed"
)

const (
	defaultPingInterval = 25 * time.Second
	transportWriteWait  = 10 * time.Second
)

var (
	// ErrNotConnected indicates a send on a transport that is not connected.
	ErrNotConnected = errors.New("client: transport not connected")
	// ErrAlreadyStarted indicates Connect on a transport that has left idle.
	ErrAlreadyStarted = errors.New("client: transport already started")
)

// TransportConfig describes one board socket.
type TransportConfig struct {
	BaseURL      string
	BoardID      whiteboard.BoardID
	Token        string
	Cursor       func() *whiteboard.Cursor
	PingInterval time.Duration
	Dialer       *websocket.Dialer
	Header       http.Header
	Logger       *zap.Logger
}

// Transport owns one socket to one board. Only validated stroke events reach
// subscribers; acks, errors and clears go to the dedicated hooks.
type Transport struct {
	boardID      whiteboard.BoardID
	endpoint     string
	cursor       func() *whiteboard.Cursor
	pingInterval time.Duration
	dialer       *websocket.Dialer
	header       http.Header
	logger       *zap.Logger

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	done           chan struct{}
	subscribers    map[int]func(whiteboard.PersistedEvent)
	nextSubscriber int
	onAck          func(whiteboard.AckPayload)
	onError        func(whiteboard.ErrorPayload)
	onClear        func(whiteboard.ClearPayload)
	onState        func(State)

	writeMu sync.Mutex
}

// NewTransport validates the configuration and returns an idle Transport.
func NewTransport(cfg TransportConfig) (*Transport, error) {
	if cfg.BoardID == "" {
		return nil, fmt.Errorf("client: board id required")
	}
	endpoint, err := socketURL(cfg.BaseURL, cfg.BoardID, cfg.Token)
	if err != nil {
		return nil, err
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cursor := cfg.Cursor
	if cursor == nil {
		cursor = func() *whiteboard.Cursor { return nil }
	}
	return &Transport{
		boardID:      cfg.BoardID,
		endpoint:     endpoint,
		cursor:       cursor,
		pingInterval: pingInterval,
		dialer:       dialer,
		header:       cfg.Header,
		logger:       logger.With(zap.String("board_id", cfg.BoardID.String())),
		state:        StateIdle,
		subscribers:  make(map[int]func(whiteboard.PersistedEvent)),
	}, nil
}

func socketURL(baseURL string, boardID whiteboard.BoardID, token string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("client: invalid base url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "ws":
		parsed.Scheme = "ws"
	case "https", "wss":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("client: unsupported url scheme %q", parsed.Scheme)
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/boards/" + url.PathEscape(boardID.String()) + "/ws"
	query := parsed.Query()
	query.Set("token", token)
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

// State returns the current lifecycle state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connected reports whether frames can currently be sent.
func (t *Transport) Connected() bool {
	return t.State() == StateConnected
}

// Subscribe registers a stroke listener and returns its cancel function.
func (t *Transport) Subscribe(listener func(whiteboard.PersistedEvent)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextSubscriber
	t.nextSubscriber++
	t.subscribers[id] = listener
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.subscribers, id)
	}
}

// OnAck sets the hook receiving whiteboard:ack payloads.
func (t *Transport) OnAck(hook func(whiteboard.AckPayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAck = hook
}

// OnError sets the hook receiving whiteboard:error payloads.
func (t *Transport) OnError(hook func(whiteboard.ErrorPayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onError = hook
}

// OnClear sets the hook receiving whiteboard:clear broadcasts.
func (t *Transport) OnClear(hook func(whiteboard.ClearPayload)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClear = hook
}

// OnStateChange sets the hook observing lifecycle transitions.
func (t *Transport) OnStateChange(hook func(State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = hook
}

// Connect dials the board socket, sends whiteboard:join with the current
// cursor and starts the keepalive ping.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateIdle {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.mu.Unlock()
	t.setState(StateConnecting)

	conn, response, err := t.dialer.DialContext(ctx, t.endpoint, t.header)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		t.setState(StateError)
		if response != nil {
			return fmt.Errorf("client: dial failed with status %d: %w", response.StatusCode, err)
		}
		return fmt.Errorf("client: dial failed: %w", err)
	}

	t.mu.Lock()
	if t.state != StateConnecting {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	t.conn = conn
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()
	t.setState(StateConnected)

	join := whiteboard.JoinPayload{BoardID: t.boardID.String()}
	if cursor := t.cursor(); cursor != nil && cursor.LastSeq > 0 {
		lastSeq, lastTs := float64(cursor.LastSeq), float64(cursor.LastTs)
		join.Cursor = &whiteboard.CursorPayload{LastSeq: &lastSeq, LastTs: &lastTs}
	}
	if err := t.write(whiteboard.MessageJoin, join); err != nil {
		t.fail(err)
		return err
	}

	go t.readLoop(conn)
	go t.pingLoop(done)
	return nil
}

// SendStroke sends one stroke segment.
func (t *Transport) SendStroke(event whiteboard.StrokeEvent) error {
	return t.write(string(event.Type), whiteboard.NewStrokeEventPayload(event))
}

// SendClear asks the server to clear the board.
func (t *Transport) SendClear() error {
	return t.write(whiteboard.MessageClear, whiteboard.BoardPayload{BoardID: t.boardID.String()})
}

// Disconnect leaves the board if still connected, closes the socket and drops
// every subscription. Repeated calls are no-ops.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	wasConnected := t.state == StateConnected
	t.mu.Unlock()

	if wasConnected {
		if err := t.write(whiteboard.MessageLeave, whiteboard.BoardPayload{BoardID: t.boardID.String()}); err != nil {
			t.logger.Debug("whiteboard leave failed", zap.Error(err))
		}
	}

	t.mu.Lock()
	conn := t.conn
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	t.subscribers = make(map[int]func(whiteboard.PersistedEvent))
	t.mu.Unlock()
	t.setState(StateClosed)

	if conn != nil {
		t.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = conn.Close()
	}
}

func (t *Transport) write(messageType string, payload any) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.state == StateConnected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	data, err := whiteboard.EncodeFrame(messageType, payload)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(transportWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) setState(state State) {
	t.mu.Lock()
	if t.state == state {
		t.mu.Unlock()
		return
	}
	t.state = state
	hook := t.onState
	t.mu.Unlock()
	if hook != nil {
		hook(state)
	}
}

// fail moves a live transport to the error state. A closed transport stays closed.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	if t.state == StateClosed || t.state == StateError {
		t.mu.Unlock()
		return
	}
	if t.done != nil {
		close(t.done)
		t.done = nil
	}
	conn := t.conn
	t.mu.Unlock()
	t.logger.Warn("whiteboard transport failed", zap.Error(err))
	t.setState(StateError)
	if conn != nil {
		_ = conn.Close()
	}
}

func (t *Transport) pingLoop(done <-chan struct{}) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.write(whiteboard.MessagePing, whiteboard.PingPayload{BoardID: t.boardID.String()}); err != nil {
				t.logger.Debug("whiteboard ping failed", zap.Error(err))
			}
		}
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.fail(err)
			return
		}
		t.dispatch(data)
	}
}

func (t *Transport) dispatch(data []byte) {
	frame, err := whiteboard.DecodeFrame(data)
	if err != nil {
		t.logger.Debug("whiteboard frame dropped", zap.Error(err))
		return
	}

	switch frame.Type {
	case whiteboard.MessageAck:
		var ack whiteboard.AckPayload
		if err := whiteboard.DecodePayload(frame, &ack); err != nil {
			return
		}
		t.mu.Lock()
		hook := t.onAck
		t.mu.Unlock()
		if hook != nil {
			hook(ack)
		}
	case whiteboard.MessageError:
		var failure whiteboard.ErrorPayload
		if err := whiteboard.DecodePayload(frame, &failure); err != nil {
			return
		}
		t.logger.Debug("whiteboard error received", zap.String("code", string(failure.Code)))
		t.mu.Lock()
		hook := t.onError
		t.mu.Unlock()
		if hook != nil {
			hook(failure)
		}
	case whiteboard.MessageClear:
		var cleared whiteboard.ClearPayload
		if err := whiteboard.DecodePayload(frame, &cleared); err != nil || cleared.BoardID != t.boardID.String() {
			return
		}
		t.mu.Lock()
		hook := t.onClear
		t.mu.Unlock()
		if hook != nil {
			hook(cleared)
		}
	default:
		eventType, err := whiteboard.ParseEventType(frame.Type)
		if err != nil {
			return
		}
		var payload whiteboard.StrokePayload
		if err := whiteboard.DecodePayload(frame, &payload); err != nil {
			return
		}
		event, err := payload.ValidatePersisted(eventType)
		if err != nil || event.BoardID != t.boardID {
			t.logger.Debug("whiteboard stroke dropped", zap.Error(err))
			return
		}
		t.publish(event)
	}
}

func (t *Transport) publish(event whiteboard.PersistedEvent) {
	t.mu.Lock()
	listeners := make([]func(whiteboard.PersistedEvent), 0, len(t.subscribers))
	for _, listener := range t.subscribers {
		listeners = append(listeners, listener)
	}
	t.mu.Unlock()
	for _, listener := range listeners {
		listener(event)
	}
}
