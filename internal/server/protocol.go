package server

import (
	"context"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"go.uber.org/zap"
)

func (s *session) handleMessage(ctx context.Context, data []byte) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("whiteboard handler panic", zap.Any("panic", recovered), zap.Stack("stack"))
		}
	}()

	frame, err := whiteboard.DecodeFrame(data)
	if err != nil {
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return
	}

	switch frame.Type {
	case whiteboard.MessagePing:
		s.handlePing(ctx, frame)
	case whiteboard.MessageJoin:
		s.handleJoin(ctx, frame)
	case whiteboard.MessageLeave:
		s.handleLeave(ctx, frame)
	case whiteboard.MessageClear:
		s.handleClear(ctx, frame)
	default:
		eventType, err := whiteboard.ParseEventType(frame.Type)
		if err != nil {
			s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
			return
		}
		s.handleStroke(ctx, eventType, frame)
	}
}

func (s *session) handlePing(ctx context.Context, frame whiteboard.Frame) {
	var payload whiteboard.PingPayload
	if len(frame.Payload) > 0 && string(frame.Payload) != "null" {
		if err := whiteboard.DecodePayload(frame, &payload); err != nil {
			s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
			return
		}
	}
	s.send(ctx, whiteboard.MessagePong, whiteboard.PongPayload{
		BoardID: payload.BoardID,
		TS:      s.handler.config.Clock().UnixMilli(),
	})
}

func (s *session) decodeBoard(ctx context.Context, frame whiteboard.Frame) (whiteboard.BoardID, bool) {
	var payload whiteboard.BoardPayload
	if err := whiteboard.DecodePayload(frame, &payload); err != nil {
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return "", false
	}
	boardID, err := whiteboard.NewBoardID(payload.BoardID)
	if err != nil {
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return "", false
	}
	return boardID, true
}

// handleJoin subscribes the session and optionally replays events after the
// client's cursor. Broadcasts racing the replay are held back until it ends.
func (s *session) handleJoin(ctx context.Context, frame whiteboard.Frame) {
	var payload whiteboard.JoinPayload
	if err := whiteboard.DecodePayload(frame, &payload); err != nil {
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return
	}
	boardID, err := whiteboard.NewBoardID(payload.BoardID)
	if err != nil {
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return
	}

	allowed, err := s.handler.members.IsMember(ctx, boardID.String(), s.userID)
	if err != nil {
		s.logger.Error("whiteboard membership lookup failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()))
		s.sendError(ctx, whiteboard.ErrorCodeJoinFailed, boardID, 0)
		return
	}
	if !allowed {
		s.sendError(ctx, whiteboard.ErrorCodeForbidden, boardID, 0)
		return
	}

	s.beginReplay(boardID)
	s.rooms[boardID] = struct{}{}
	s.handler.hub.Join(boardID, s)
	s.send(ctx, whiteboard.MessageJoined, whiteboard.BoardPayload{BoardID: boardID.String()})

	var lastReplayed int64
	if after, ok := payload.Cursor.ReplayAfter(); ok {
		lastReplayed = s.replay(ctx, boardID, after)
	}
	s.endReplay(ctx, boardID, lastReplayed)
}

func (s *session) replay(ctx context.Context, boardID whiteboard.BoardID, after int64) int64 {
	events, err := s.handler.store.EventsAfter(ctx, boardID, after, s.handler.config.ReplayCap)
	if err != nil {
		return after
	}
	last := after
	for _, event := range events {
		data, err := whiteboard.EncodeFrame(string(event.Type), whiteboard.NewEventPayload(event))
		if err != nil {
			s.logger.Error("whiteboard frame encode failed", zap.String(logFieldType, string(event.Type)), zap.Error(err))
			continue
		}
		if !s.enqueue(ctx, data) {
			return last
		}
		last = event.Seq
	}
	if len(events) > 0 {
		s.logger.Debug("whiteboard replay sent", zap.String(logFieldBoardID, boardID.String()), zap.Int("events", len(events)), zap.Int64("after", after))
	}
	return last
}

func (s *session) handleLeave(ctx context.Context, frame whiteboard.Frame) {
	boardID, ok := s.decodeBoard(ctx, frame)
	if !ok {
		return
	}
	delete(s.rooms, boardID)
	s.handler.hub.Leave(boardID, s)
	s.send(ctx, whiteboard.MessageLeft, whiteboard.BoardPayload{BoardID: boardID.String()})
}

func (s *session) handleClear(ctx context.Context, frame whiteboard.Frame) {
	boardID, ok := s.decodeBoard(ctx, frame)
	if !ok {
		return
	}
	allowed, err := s.handler.members.IsMember(ctx, boardID.String(), s.userID)
	if err != nil {
		s.logger.Error("whiteboard membership lookup failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()))
		return
	}
	if !allowed {
		s.sendError(ctx, whiteboard.ErrorCodeForbidden, boardID, 0)
		return
	}

	deleted, err := s.handler.store.Clear(ctx, boardID)
	if err != nil {
		return
	}
	s.logger.Info("whiteboard cleared", zap.String(logFieldBoardID, boardID.String()), zap.Int64("deleted", deleted))

	data, err := whiteboard.EncodeFrame(whiteboard.MessageClear, whiteboard.ClearPayload{
		BoardID:  boardID.String(),
		SourceID: s.userID,
	})
	if err != nil {
		s.logger.Error("whiteboard frame encode failed", zap.String(logFieldType, whiteboard.MessageClear), zap.Error(err))
		return
	}
	s.broadcast(outboundMessage{boardID: boardID, data: data})
	s.enqueue(ctx, data)
}

// handleStroke applies the stroke gates in order: size, shape, membership,
// rate, then idempotent persistence, ack, fan-out and pruning.
func (s *session) handleStroke(ctx context.Context, eventType whiteboard.EventType, frame whiteboard.Frame) {
	metrics := s.handler.metrics
	if len(frame.Payload) > s.handler.config.MaxPayloadBytes {
		metrics.event(outcomeTooLarge)
		s.sendError(ctx, whiteboard.ErrorCodePayloadTooLarge, "", 0)
		return
	}
	var payload whiteboard.StrokePayload
	if err := whiteboard.DecodePayload(frame, &payload); err != nil {
		metrics.event(outcomeInvalid)
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return
	}
	event, err := payload.Validate(eventType, s.handler.config.RequireSegmentIndex)
	if err != nil {
		metrics.event(outcomeInvalid)
		s.sendError(ctx, whiteboard.ErrorCodeInvalidRequest, "", 0)
		return
	}
	if !s.ensureJoined(ctx, event.BoardID) {
		metrics.event(outcomeForbidden)
		return
	}
	if !s.limiter.Allow() {
		metrics.event(outcomeRateLimited)
		s.sendError(ctx, whiteboard.ErrorCodeRateLimited, event.BoardID, s.limiter.RetryAfter())
		return
	}

	outcome, err := s.handler.store.Persist(ctx, s.userID, event)
	if err != nil {
		metrics.event(outcomeFailed)
		return
	}
	persisted := whiteboard.PersistedEvent{StrokeEvent: event, Seq: outcome.Seq(), UserID: s.userID}

	if key, ok := event.Key(); ok {
		s.send(ctx, whiteboard.MessageAck, whiteboard.AckPayload{
			BoardID:      event.BoardID.String(),
			StrokeID:     key.StrokeID.String(),
			SegmentIndex: key.SegmentIndex,
			Type:         eventType,
			Seq:          persisted.Seq,
		})
	}
	if !outcome.Inserted() {
		metrics.event(outcomeDuplicate)
		return
	}
	metrics.event(outcomeAccepted)

	data, err := whiteboard.EncodeFrame(string(eventType), whiteboard.NewEventPayload(persisted))
	if err != nil {
		s.logger.Error("whiteboard frame encode failed", zap.String(logFieldType, string(eventType)), zap.Error(err))
		return
	}
	s.broadcast(outboundMessage{boardID: event.BoardID, seq: persisted.Seq, data: data})

	if eventType == whiteboard.EventTypeEnd {
		s.prune(ctx, event.BoardID)
	}
}

// ensureJoined recovers membership for a stroke sent before whiteboard:join,
// for example after a reconnect that raced the join frame.
func (s *session) ensureJoined(ctx context.Context, boardID whiteboard.BoardID) bool {
	if _, ok := s.rooms[boardID]; ok {
		return true
	}
	allowed, err := s.handler.members.IsMember(ctx, boardID.String(), s.userID)
	if err != nil {
		s.logger.Error("whiteboard membership lookup failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()))
		s.sendError(ctx, whiteboard.ErrorCodeNotJoined, boardID, 0)
		return false
	}
	if !allowed {
		s.sendError(ctx, whiteboard.ErrorCodeForbidden, boardID, 0)
		return false
	}
	s.rooms[boardID] = struct{}{}
	s.handler.hub.Join(boardID, s)
	return true
}

func (s *session) broadcast(message outboundMessage) {
	if dropped := s.handler.hub.Broadcast(message, s); dropped > 0 {
		s.handler.metrics.fanoutDropped.Add(float64(dropped))
		s.logger.Warn("whiteboard broadcast dropped", zap.String(logFieldBoardID, message.boardID.String()), zap.Int("peers", dropped))
	}
}

func (s *session) prune(ctx context.Context, boardID whiteboard.BoardID) {
	deleted, err := s.handler.store.Prune(ctx, boardID, s.handler.config.HistoryCap)
	if err != nil {
		s.logger.Warn("whiteboard prune failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()))
		return
	}
	if deleted > 0 {
		s.logger.Debug("whiteboard history pruned", zap.String(logFieldBoardID, boardID.String()), zap.Int64("deleted", deleted))
	}
}
