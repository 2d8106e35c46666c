package server

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Inouye165/whiteboard/internal/ratelimit"
	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultHistoryCap      = 5000
	defaultReplayCap       = 500
	defaultMaxPayloadBytes = 4096
	defaultPingTimeout     = 60 * time.Second
	defaultOutboundBuffer  = 256
	maxFrameBytes          = 1 << 20
	allowAnyOrigin         = "*"
)

// SocketConfig tunes the board socket endpoint.
type SocketConfig struct {
	Enabled             bool
	AllowedOrigins      []string
	HistoryCap          int
	ReplayCap           int
	RateLimitWindow     time.Duration
	RateLimitMaxEvents  int
	MaxPayloadBytes     int
	RequireSegmentIndex bool
	PingTimeout         time.Duration
	OutboundBuffer      int
	Clock               func() time.Time
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.HistoryCap <= 0 {
		c.HistoryCap = defaultHistoryCap
	}
	if c.ReplayCap <= 0 {
		c.ReplayCap = defaultReplayCap
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = defaultPingTimeout
	}
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = defaultOutboundBuffer
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

func (c SocketConfig) originAllowed(origin string) bool {
	origin = strings.TrimSuffix(strings.TrimSpace(origin), "/")
	for _, candidate := range c.AllowedOrigins {
		candidate = strings.TrimSuffix(strings.TrimSpace(candidate), "/")
		if candidate == allowAnyOrigin || strings.EqualFold(candidate, origin) {
			return true
		}
	}
	return false
}

type socketHandler struct {
	config   SocketConfig
	tokens   TokenValidator
	members  MembershipChecker
	store    EventStore
	hub      *Hub
	metrics  *Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	sessionsMu sync.Mutex
	sessions   map[*session]struct{}
	draining   bool
}

func newSocketHandler(deps Dependencies, metrics *Metrics, logger *zap.Logger) *socketHandler {
	return &socketHandler{
		config:  deps.Socket.withDefaults(),
		tokens:  deps.Tokens,
		members: deps.Members,
		store:   deps.Store,
		hub:     NewHub(),
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[*session]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The gate below has already checked the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// handleBoardSocket runs the pre-handshake gates in order and then serves the
// connection until it closes. Rejections are plain HTTP statuses.
func (h *socketHandler) handleBoardSocket(c *gin.Context) {
	if !h.config.Enabled {
		h.reject(c, http.StatusServiceUnavailable, rejectionDisabled)
		return
	}
	if h.isDraining() {
		h.reject(c, http.StatusServiceUnavailable, rejectionShuttingDown)
		return
	}
	boardID, err := whiteboard.NewBoardID(c.Param("boardId"))
	if err != nil {
		h.reject(c, http.StatusNotFound, rejectionInvalidBoard)
		return
	}
	if origin := c.GetHeader("Origin"); origin != "" && !h.config.originAllowed(origin) {
		h.logger.Warn("whiteboard socket origin rejected", zap.String("origin", origin), zap.String(logFieldBoardID, boardID.String()))
		h.reject(c, http.StatusForbidden, rejectionOrigin)
		return
	}
	userID, err := h.tokens.ValidateToken(c.Query("token"))
	if err != nil {
		h.logger.Warn("whiteboard socket token rejected", zap.Error(err))
		h.reject(c, http.StatusUnauthorized, rejectionUnauthorized)
		return
	}
	allowed, err := h.members.IsMember(c.Request.Context(), boardID.String(), userID)
	if err != nil {
		h.logger.Error("whiteboard membership lookup failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()), zap.String(logFieldUserID, userID))
		h.reject(c, http.StatusServiceUnavailable, rejectionMembershipError)
		return
	}
	if !allowed {
		h.reject(c, http.StatusForbidden, rejectionForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		h.logger.Warn("whiteboard socket upgrade failed", zap.Error(err))
		return
	}

	session := h.newSession(conn, userID)
	if !h.track(session) {
		session.goAway()
		return
	}
	defer h.untrack(session)
	h.metrics.connections.Inc()
	defer h.metrics.connections.Dec()
	session.logger.Info("whiteboard socket connected", zap.String(logFieldBoardID, boardID.String()))
	session.run(c.Request.Context())
	session.logger.Info("whiteboard socket closed")
}

func (h *socketHandler) reject(c *gin.Context, status int, reason string) {
	h.metrics.rejected(reason)
	c.String(status, http.StatusText(status))
	c.Abort()
}

func (h *socketHandler) isDraining() bool {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	return h.draining
}

// track registers a live session. It refuses once closeSessions has run.
func (h *socketHandler) track(s *session) bool {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	if h.draining {
		return false
	}
	h.sessions[s] = struct{}{}
	return true
}

func (h *socketHandler) untrack(s *session) {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	delete(h.sessions, s)
}

func (h *socketHandler) closeSessions() {
	h.sessionsMu.Lock()
	h.draining = true
	live := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		live = append(live, s)
	}
	h.sessionsMu.Unlock()

	h.logger.Info("whiteboard sockets closing", zap.Int("sessions", len(live)))
	for _, s := range live {
		s.goAway()
	}
}

func (h *socketHandler) newSession(conn *websocket.Conn, userID string) *session {
	id := uuid.NewString()
	return &session{
		id:      id,
		userID:  userID,
		conn:    conn,
		handler: h,
		limiter: ratelimit.NewWindow(ratelimit.Config{
			Window:    h.config.RateLimitWindow,
			MaxEvents: h.config.RateLimitMaxEvents,
			Clock:     h.config.Clock,
		}),
		rooms:     make(map[whiteboard.BoardID]struct{}),
		replaying: make(map[whiteboard.BoardID][]outboundMessage),
		outbound:  make(chan []byte, h.config.OutboundBuffer),
		done:      make(chan struct{}),
		logger:    h.logger.With(zap.String(logFieldSessionID, id), zap.String(logFieldUserID, userID)),
	}
}
