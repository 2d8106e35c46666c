package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Inouye165/whiteboard/internal/auth"
	"github.com/Inouye165/whiteboard/internal/boards"
	"github.com/Inouye165/whiteboard/internal/database"
	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const (
	testBoardID      = "0b6f5f0e-7a57-4a4a-9c39-1f0d3f3c8a01"
	testOtherBoardID = "6c1d2a7e-5b0f-4a1e-8a2d-4b7c9e0f1a22"
	testAlice        = "alice"
	testBob          = "bob"
	testSecret       = "test-secret"
	readTimeout      = 2 * time.Second
)

type testEnv struct {
	server   *httptest.Server
	handler  *Handler
	tokens   *auth.TokenManager
	members  *boards.Service
	store    *whiteboard.Store
	registry *prometheus.Registry
	logs     *observer.ObservedLogs
}

type envOptions struct {
	socket  func(*SocketConfig)
	members func(*boards.Service) MembershipChecker
	store   func(*whiteboard.Store) EventStore
}

func newTestEnv(t *testing.T, options envOptions) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	store, err := whiteboard.NewStore(whiteboard.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	members, err := boards.NewService(boards.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct membership service: %v", err)
	}
	tokens, err := auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        "whiteboard-test",
	})
	if err != nil {
		t.Fatalf("failed to construct token manager: %v", err)
	}

	socket := SocketConfig{
		Enabled:             true,
		AllowedOrigins:      []string{"https://board.example"},
		RequireSegmentIndex: true,
	}
	if options.socket != nil {
		options.socket(&socket)
	}
	var membership MembershipChecker = members
	if options.members != nil {
		membership = options.members(members)
	}
	var eventStore EventStore = store
	if options.store != nil {
		eventStore = options.store(store)
	}

	registry := prometheus.NewRegistry()
	handler, err := NewHTTPHandler(Dependencies{
		Tokens:   tokens,
		Members:  membership,
		Store:    eventStore,
		Socket:   socket,
		Registry: registry,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testEnv{
		server:   server,
		handler:  handler,
		tokens:   tokens,
		members:  members,
		store:    store,
		registry: registry,
		logs:     logs,
	}
}

func (env *testEnv) grant(t *testing.T, boardID, userID string) {
	t.Helper()
	if err := env.members.Grant(context.Background(), boardID, userID); err != nil {
		t.Fatalf("failed to grant membership: %v", err)
	}
}

func (env *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := env.tokens.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (env *testEnv) socketURL(boardID, token string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + "/boards/" + boardID + "/ws?token=" + token
}

func (env *testEnv) dial(t *testing.T, boardID, userID string) *testClient {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(env.socketURL(boardID, env.token(t, userID)), nil)
	if response != nil && response.Body != nil {
		_ = response.Body.Close()
	}
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed: %v (status %d)", err, status)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &testClient{t: t, conn: conn}
}

func (env *testEnv) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	request, err := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	for key, values := range header {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}
	response, err := env.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *testClient) send(messageType string, payload any) {
	c.t.Helper()
	data, err := whiteboard.EncodeFrame(messageType, payload)
	if err != nil {
		c.t.Fatalf("encode failed: %v", err)
	}
	c.sendRaw(data)
}

func (c *testClient) sendRaw(data []byte) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write failed: %v", err)
	}
}

func (c *testClient) read() whiteboard.Frame {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read failed: %v", err)
	}
	frame, err := whiteboard.DecodeFrame(data)
	if err != nil {
		c.t.Fatalf("server sent an invalid frame %s: %v", data, err)
	}
	return frame
}

func (c *testClient) expect(messageType string) whiteboard.Frame {
	c.t.Helper()
	frame := c.read()
	if frame.Type != messageType {
		c.t.Fatalf("expected %s frame, got %s: %s", messageType, frame.Type, frame.Payload)
	}
	return frame
}

func (c *testClient) join(boardID string, cursor *whiteboard.Cursor) {
	c.t.Helper()
	payload := map[string]any{"boardId": boardID}
	if cursor != nil {
		payload["cursor"] = cursor
	}
	c.send(whiteboard.MessageJoin, payload)
	c.expect(whiteboard.MessageJoined)
}

func (c *testClient) expectAck() whiteboard.AckPayload {
	c.t.Helper()
	var ack whiteboard.AckPayload
	if err := whiteboard.DecodePayload(c.expect(whiteboard.MessageAck), &ack); err != nil {
		c.t.Fatalf("ack decode failed: %v", err)
	}
	return ack
}

func (c *testClient) expectError(code whiteboard.ErrorCode) whiteboard.ErrorPayload {
	c.t.Helper()
	var payload whiteboard.ErrorPayload
	if err := whiteboard.DecodePayload(c.expect(whiteboard.MessageError), &payload); err != nil {
		c.t.Fatalf("error decode failed: %v", err)
	}
	if payload.Code != code {
		c.t.Fatalf("expected error code %s, got %s", code, payload.Code)
	}
	return payload
}

func (c *testClient) expectStroke(eventType whiteboard.EventType) whiteboard.PersistedEvent {
	c.t.Helper()
	var payload whiteboard.StrokePayload
	if err := whiteboard.DecodePayload(c.expect(string(eventType)), &payload); err != nil {
		c.t.Fatalf("stroke decode failed: %v", err)
	}
	event, err := payload.ValidatePersisted(eventType)
	if err != nil {
		c.t.Fatalf("server sent an invalid stroke: %v", err)
	}
	return event
}

func (c *testClient) roundTrip() {
	c.t.Helper()
	c.send(whiteboard.MessagePing, nil)
	c.expect(whiteboard.MessagePong)
}

func strokePayload(boardID, strokeID string, segmentIndex int) map[string]any {
	return map[string]any{
		"boardId":      boardID,
		"strokeId":     strokeID,
		"x":            0.5,
		"y":            0.25,
		"t":            1700000000000 + segmentIndex,
		"segmentIndex": segmentIndex,
		"sourceId":     "tab-1",
		"color":        "#112233",
		"width":        3,
	}
}
