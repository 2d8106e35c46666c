package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/Inouye165/whiteboard/internal/ratelimit"
	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeTimeout      = 10 * time.Second
	maxReplayBuffered = 1024

	logFieldSessionID = "session_id"
	logFieldUserID    = "user_id"
	logFieldBoardID   = "board_id"
	logFieldType      = "type"
)

// session is the protocol state of one board socket. Rooms and the limiter are
// touched only by the reading goroutine; replaying is shared with peers that
// deliver broadcasts and is guarded by mu.
type session struct {
	id      string
	userID  string
	conn    *websocket.Conn
	handler *socketHandler
	limiter *ratelimit.Window
	rooms   map[whiteboard.BoardID]struct{}
	logger  *zap.Logger

	outbound  chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	replaying map[whiteboard.BoardID][]outboundMessage
}

func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.close()
		s.handler.hub.LeaveAll(s, s.joinedBoards())
	}()

	go s.writeLoop()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.handler.config.PingTimeout)); err != nil {
			return
		}
		_, reader, err := s.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("whiteboard socket read failed", zap.Error(err))
			}
			return
		}
		data, oversized, err := readFrame(reader)
		if err != nil {
			s.logger.Debug("whiteboard socket read failed", zap.Error(err))
			return
		}
		if oversized {
			s.handler.metrics.event(outcomeTooLarge)
			s.sendError(ctx, whiteboard.ErrorCodePayloadTooLarge, "", 0)
			continue
		}
		s.handleMessage(ctx, data)
	}
}

// readFrame buffers at most maxFrameBytes of a message. Anything longer is
// discarded so the connection survives and reports oversized.
func readFrame(reader io.Reader) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxFrameBytes+1))
	if err != nil {
		return nil, false, err
	}
	if len(data) <= maxFrameBytes {
		return data, false, nil
	}
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return nil, true, err
	}
	return nil, true, nil
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("whiteboard socket write failed", zap.Error(err))
				s.close()
				return
			}
		}
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// goAway tells the peer the server is leaving and ends the session. The
// reader then returns and the session leaves its rooms.
func (s *session) goAway() {
	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	if err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(time.Second)); err != nil {
		s.logger.Debug("whiteboard close frame failed", zap.Error(err))
	}
	s.close()
}

func (s *session) joinedBoards() []whiteboard.BoardID {
	boards := make([]whiteboard.BoardID, 0, len(s.rooms))
	for boardID := range s.rooms {
		boards = append(boards, boardID)
	}
	return boards
}

// deliver queues a peer broadcast without blocking. While a replay for the
// board is in flight the message is held back and flushed after it.
func (s *session) deliver(message outboundMessage) bool {
	s.mu.Lock()
	if pending, ok := s.replaying[message.boardID]; ok {
		if len(pending) >= maxReplayBuffered {
			s.mu.Unlock()
			return false
		}
		s.replaying[message.boardID] = append(pending, message)
		s.mu.Unlock()
		return true
	}
	s.mu.Unlock()

	select {
	case s.outbound <- message.data:
		return true
	default:
		return false
	}
}

// enqueue blocks until the writer accepts the frame or the session ends.
func (s *session) enqueue(ctx context.Context, data []byte) bool {
	select {
	case s.outbound <- data:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *session) send(ctx context.Context, messageType string, payload any) {
	data, err := whiteboard.EncodeFrame(messageType, payload)
	if err != nil {
		s.logger.Error("whiteboard frame encode failed", zap.String(logFieldType, messageType), zap.Error(err))
		return
	}
	s.enqueue(ctx, data)
}

func (s *session) sendError(ctx context.Context, code whiteboard.ErrorCode, boardID whiteboard.BoardID, retryAfter time.Duration) {
	s.send(ctx, whiteboard.MessageError, whiteboard.ErrorPayload{
		Code:         code,
		BoardID:      boardID.String(),
		RetryAfterMs: retryAfter.Milliseconds(),
	})
}

func (s *session) beginReplay(boardID whiteboard.BoardID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.replaying[boardID]; !ok {
		s.replaying[boardID] = nil
	}
}

// endReplay flushes broadcasts held back during replay, skipping any stroke
// the replay already delivered. The board stays marked while the held frames
// are written, so peers keep appending behind them instead of overtaking; mu
// is never held across a blocking send.
func (s *session) endReplay(ctx context.Context, boardID whiteboard.BoardID, lastReplayed int64) {
	for {
		s.mu.Lock()
		pending := s.replaying[boardID]
		if len(pending) == 0 {
			delete(s.replaying, boardID)
			s.mu.Unlock()
			return
		}
		s.replaying[boardID] = nil
		s.mu.Unlock()

		for _, message := range pending {
			if message.seq > 0 && message.seq <= lastReplayed {
				continue
			}
			if !s.enqueue(ctx, message.data) {
				s.mu.Lock()
				delete(s.replaying, boardID)
				s.mu.Unlock()
				return
			}
		}
	}
}
