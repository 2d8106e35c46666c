package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Inouye165/whiteboard/internal/whiteboard"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingMembership     = errors.New("membership dependency required")
	errMissingEventStore     = errors.New("event store dependency required")
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// MembershipChecker answers whether a user may access a board.
type MembershipChecker interface {
	IsMember(ctx context.Context, boardID, userID string) (bool, error)
}

// EventStore is the durable board event log.
type EventStore interface {
	Persist(ctx context.Context, userID string, event whiteboard.StrokeEvent) (whiteboard.PersistOutcome, error)
	EventsAfter(ctx context.Context, boardID whiteboard.BoardID, lastSeq int64, limit int) ([]whiteboard.PersistedEvent, error)
	Prune(ctx context.Context, boardID whiteboard.BoardID, keep int) (int64, error)
	Clear(ctx context.Context, boardID whiteboard.BoardID) (int64, error)
	History(ctx context.Context, boardID whiteboard.BoardID, limit int) (whiteboard.HistorySnapshot, error)
}

// Handler serves the board routes and owns the live board sockets.
type Handler struct {
	http.Handler
	sockets *socketHandler
}

// CloseSessions sends a going-away close to every live board socket and
// refuses new upgrades. http.Server.Shutdown does not reach hijacked
// connections, so register it with RegisterOnShutdown.
func (h *Handler) CloseSessions() {
	h.sockets.closeSessions()
}

type Dependencies struct {
	Tokens   TokenValidator
	Members  MembershipChecker
	Store    EventStore
	Socket   SocketConfig
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Members == nil {
		return nil, errMissingMembership
	}
	if deps.Store == nil {
		return nil, errMissingEventStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	metrics := NewMetrics(registry)
	sockets := newSocketHandler(deps, metrics, logger)

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/boards/:boardId/ws", sockets.handleBoardSocket)

	handler := &httpHandler{
		tokens:  deps.Tokens,
		members: deps.Members,
		store:   deps.Store,
		config:  sockets.config,
		logger:  logger,
	}
	history := router.Group("/boards/:boardId")
	history.Use(cors.New(cors.Config{
		AllowOriginFunc: sockets.config.originAllowed,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Authorization", "Content-Type"},
		MaxAge:          12 * time.Hour,
	}))
	history.GET("/history", handler.handleHistory)
	history.OPTIONS("/history", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	return &Handler{Handler: router, sockets: sockets}, nil
}

type httpHandler struct {
	tokens  TokenValidator
	members MembershipChecker
	store   EventStore
	config  SocketConfig
	logger  *zap.Logger
}

// handleHistory serves the full-snapshot read used when a client has been
// away longer than socket replay covers.
func (h *httpHandler) handleHistory(c *gin.Context) {
	boardID, err := whiteboard.NewBoardID(c.Param("boardId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "invalid_board"})
		return
	}
	userID, err := h.tokens.ValidateToken(requestToken(c))
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	allowed, err := h.members.IsMember(c.Request.Context(), boardID.String(), userID)
	if err != nil {
		h.logger.Error("whiteboard membership lookup failed", zap.Error(err), zap.String(logFieldBoardID, boardID.String()))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "membership_error"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	limit := h.config.HistoryCap
	if raw := c.Query("limit"); raw != "" {
		requested, err := strconv.Atoi(raw)
		if err != nil || requested <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = min(requested, limit)
	}

	snapshot, err := h.store.History(c.Request.Context(), boardID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}
	c.JSON(http.StatusOK, whiteboard.NewHistoryPayload(snapshot))
}

func requestToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return c.Query("token")
}
