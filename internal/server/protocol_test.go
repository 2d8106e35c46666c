package server

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
)

func TestPingRepliesWithPong(t *testing.T) {
	fixed := time.UnixMilli(1700000000123)
	env := newTestEnv(t, envOptions{socket: func(cfg *SocketConfig) {
		cfg.Clock = func() time.Time { return fixed }
	}})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	alice.send(whiteboard.MessagePing, whiteboard.PingPayload{BoardID: testBoardID})
	var pong whiteboard.PongPayload
	if err := whiteboard.DecodePayload(alice.expect(whiteboard.MessagePong), &pong); err != nil {
		t.Fatalf("pong decode failed: %v", err)
	}
	if pong.BoardID != testBoardID || pong.TS != fixed.UnixMilli() {
		t.Fatalf("unexpected pong %#v", pong)
	}
}

func TestMalformedFramesReplyInvalidRequest(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	alice.sendRaw([]byte(`not json`))
	alice.expectError(whiteboard.ErrorCodeInvalidRequest)
	alice.send("whiteboard:unknown", map[string]any{})
	alice.expectError(whiteboard.ErrorCodeInvalidRequest)
	alice.send(whiteboard.MessageJoin, map[string]any{"boardId": "B1"})
	alice.expectError(whiteboard.ErrorCodeInvalidRequest)

	invalid := strokePayload(testBoardID, "s1", 0)
	invalid["x"] = 1.5
	alice.send(string(whiteboard.EventTypeStart), invalid)
	alice.expectError(whiteboard.ErrorCodeInvalidRequest)

	alice.roundTrip()
}

func TestJoinRequiresMembership(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	alice.send(whiteboard.MessageJoin, map[string]any{"boardId": testOtherBoardID})
	failure := alice.expectError(whiteboard.ErrorCodeForbidden)
	if failure.BoardID != testOtherBoardID {
		t.Fatalf("expected error to name the board, got %q", failure.BoardID)
	}
}

func TestStrokeIsAckedAndBroadcastOnce(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	bob := env.dial(t, testBoardID, testBob)
	alice.join(testBoardID, nil)
	bob.join(testBoardID, nil)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	first := alice.expectAck()
	if first.Seq != 1 || first.StrokeID != "s1" || first.SegmentIndex != 0 || first.Type != whiteboard.EventTypeStart {
		t.Fatalf("unexpected ack %#v", first)
	}
	received := bob.expectStroke(whiteboard.EventTypeStart)
	if received.Seq != first.Seq || received.UserID != testAlice || received.SourceID != "tab-1" {
		t.Fatalf("unexpected broadcast %#v", received)
	}

	// A retry of the same segment is acknowledged again but not rebroadcast.
	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	retry := alice.expectAck()
	if retry.Seq != first.Seq {
		t.Fatalf("expected retry to resolve to seq %d, got %d", first.Seq, retry.Seq)
	}

	alice.send(string(whiteboard.EventTypeMove), strokePayload(testBoardID, "s1", 1))
	next := alice.expectAck()
	if next.Seq <= first.Seq {
		t.Fatalf("expected increasing seq, got %d after %d", next.Seq, first.Seq)
	}
	// Bob's next frame is the new segment, not the duplicate.
	if moved := bob.expectStroke(whiteboard.EventTypeMove); moved.Seq != next.Seq {
		t.Fatalf("expected seq %d, got %d", next.Seq, moved.Seq)
	}
}

func TestStrokeBeforeJoinRecoversMembership(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	bob := env.dial(t, testBoardID, testBob)
	bob.join(testBoardID, nil)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	ack := alice.expectAck()
	bob.expectStroke(whiteboard.EventTypeStart)

	// Alice is now in the room and receives Bob's strokes.
	bob.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s2", 0))
	bob.expectAck()
	if event := alice.expectStroke(whiteboard.EventTypeStart); event.StrokeID != "s2" || event.Seq <= ack.Seq {
		t.Fatalf("unexpected stroke %#v", event)
	}

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testOtherBoardID, "s3", 0))
	alice.expectError(whiteboard.ErrorCodeForbidden)
}

func TestRejoinWithCursorReplaysMissedEvents(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	alice.join(testBoardID, nil)

	for index := 0; index < 9; index++ {
		alice.send(string(whiteboard.EventTypeMove), strokePayload(testBoardID, "s1", index))
		if ack := alice.expectAck(); ack.Seq != int64(index+1) {
			t.Fatalf("expected seq %d, got %d", index+1, ack.Seq)
		}
	}

	bob := env.dial(t, testBoardID, testBob)
	bob.join(testBoardID, &whiteboard.Cursor{LastSeq: 5, LastTs: 5})

	for expected := int64(6); expected <= 9; expected++ {
		event := bob.expectStroke(whiteboard.EventTypeMove)
		if event.Seq != expected {
			t.Fatalf("expected replayed seq %d, got %d", expected, event.Seq)
		}
	}

	// Live strokes follow the replay.
	alice.send(string(whiteboard.EventTypeEnd), strokePayload(testBoardID, "s1", 9))
	live := alice.expectAck()
	if event := bob.expectStroke(whiteboard.EventTypeEnd); event.Seq != live.Seq {
		t.Fatalf("expected live seq %d, got %d", live.Seq, event.Seq)
	}
}

func TestJoinWithoutPositiveCursorSkipsReplay(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)
	alice.join(testBoardID, nil)
	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.expectAck()

	rejoined := env.dial(t, testBoardID, testAlice)
	rejoined.join(testBoardID, &whiteboard.Cursor{LastSeq: 0})
	rejoined.roundTrip()
}

func TestRateLimitRejectsExcessEvents(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	env := newTestEnv(t, envOptions{socket: func(cfg *SocketConfig) {
		cfg.RateLimitMaxEvents = 2
		cfg.RateLimitWindow = time.Second
		cfg.Clock = func() time.Time { return fixed }
	}})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)
	alice.join(testBoardID, nil)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.expectAck()
	// Duplicates count against the budget.
	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.expectAck()
	alice.send(string(whiteboard.EventTypeMove), strokePayload(testBoardID, "s1", 1))
	limited := alice.expectError(whiteboard.ErrorCodeRateLimited)
	if limited.RetryAfterMs != 1000 || limited.BoardID != testBoardID {
		t.Fatalf("unexpected rate limit payload %#v", limited)
	}

	events, err := env.store.EventsAfter(context.Background(), whiteboard.BoardID(testBoardID), 0, 10)
	if err != nil {
		t.Fatalf("events after failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected a single stored event, got %d", len(events))
	}
}

func TestOversizedPayloadIsRejected(t *testing.T) {
	env := newTestEnv(t, envOptions{socket: func(cfg *SocketConfig) {
		cfg.MaxPayloadBytes = 256
	}})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	payload := strokePayload(testBoardID, "s1", 0)
	payload["sourceId"] = strings.Repeat("x", 300)
	alice.send(string(whiteboard.EventTypeStart), payload)
	alice.expectError(whiteboard.ErrorCodePayloadTooLarge)
	alice.roundTrip()
}

func TestFrameBeyondReadCapKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	alice.sendRaw([]byte(`{"type":"ping","payload":"` + strings.Repeat("x", maxFrameBytes) + `"}`))
	alice.expectError(whiteboard.ErrorCodePayloadTooLarge)
	alice.roundTrip()
}

func TestStrokeEndPrunesHistory(t *testing.T) {
	env := newTestEnv(t, envOptions{socket: func(cfg *SocketConfig) {
		cfg.HistoryCap = 3
	}})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)
	alice.join(testBoardID, nil)

	var last int64
	for index := 0; index < 5; index++ {
		alice.send(string(whiteboard.EventTypeEnd), strokePayload(testBoardID, fmt.Sprintf("s%d", index), 0))
		last = alice.expectAck().Seq
	}
	alice.roundTrip()

	events, err := env.store.EventsAfter(context.Background(), whiteboard.BoardID(testBoardID), 0, 10)
	if err != nil {
		t.Fatalf("events after failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after pruning, got %d", len(events))
	}
	if events[2].Seq != last {
		t.Fatalf("expected newest seq %d to survive, got %d", last, events[2].Seq)
	}
}

func TestClearBroadcastsToEveryJoinedConnection(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	bob := env.dial(t, testBoardID, testBob)
	alice.join(testBoardID, nil)
	bob.join(testBoardID, nil)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.expectAck()
	bob.expectStroke(whiteboard.EventTypeStart)

	alice.send(whiteboard.MessageClear, whiteboard.BoardPayload{BoardID: testBoardID})
	for _, client := range []*testClient{alice, bob} {
		var payload whiteboard.ClearPayload
		if err := whiteboard.DecodePayload(client.expect(whiteboard.MessageClear), &payload); err != nil {
			t.Fatalf("clear decode failed: %v", err)
		}
		if payload.BoardID != testBoardID || payload.SourceID != testAlice {
			t.Fatalf("unexpected clear payload %#v", payload)
		}
	}

	events, err := env.store.EventsAfter(context.Background(), whiteboard.BoardID(testBoardID), 0, 10)
	if err != nil {
		t.Fatalf("events after failed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected board to be empty, got %d events", len(events))
	}
}

func TestLeaveStopsBroadcasts(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	bob := env.dial(t, testBoardID, testBob)
	alice.join(testBoardID, nil)
	bob.join(testBoardID, nil)

	bob.send(whiteboard.MessageLeave, whiteboard.BoardPayload{BoardID: testBoardID})
	bob.expect(whiteboard.MessageLeft)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.expectAck()
	// The next frame Bob sees is his own pong.
	bob.roundTrip()
}

func TestSegmentlessStrokesWhenIndexOptional(t *testing.T) {
	env := newTestEnv(t, envOptions{socket: func(cfg *SocketConfig) {
		cfg.RequireSegmentIndex = false
	}})
	env.grant(t, testBoardID, testAlice)
	env.grant(t, testBoardID, testBob)
	alice := env.dial(t, testBoardID, testAlice)
	bob := env.dial(t, testBoardID, testBob)
	alice.join(testBoardID, nil)
	bob.join(testBoardID, nil)

	payload := strokePayload(testBoardID, "legacy", 0)
	delete(payload, "segmentIndex")
	alice.send(string(whiteboard.EventTypeMove), payload)
	// No ack without a segment key.
	alice.roundTrip()

	event := bob.expectStroke(whiteboard.EventTypeMove)
	if event.SegmentIndex != nil || event.Seq <= 0 {
		t.Fatalf("unexpected legacy broadcast %#v", event)
	}
}

func TestSegmentIndexRequiredByDefault(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)

	payload := strokePayload(testBoardID, "legacy", 0)
	delete(payload, "segmentIndex")
	alice.send(string(whiteboard.EventTypeMove), payload)
	alice.expectError(whiteboard.ErrorCodeInvalidRequest)
}

type panickingStore struct {
	*whiteboard.Store
}

func (panickingStore) Persist(context.Context, string, whiteboard.StrokeEvent) (whiteboard.PersistOutcome, error) {
	panic("disk on fire")
}

func TestHandlerPanicIsRecovered(t *testing.T) {
	env := newTestEnv(t, envOptions{store: func(store *whiteboard.Store) EventStore {
		return panickingStore{Store: store}
	}})
	env.grant(t, testBoardID, testAlice)
	alice := env.dial(t, testBoardID, testAlice)
	alice.join(testBoardID, nil)

	alice.send(string(whiteboard.EventTypeStart), strokePayload(testBoardID, "s1", 0))
	alice.roundTrip()

	if env.logs.FilterMessage("whiteboard handler panic").Len() != 1 {
		t.Fatalf("expected the panic to be logged")
	}
}
