package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/auth"
	"github.com/pairline/realtime/internal/chat"
	"github.com/pairline/realtime/internal/hub"
	"github.com/pairline/realtime/internal/logging"
	"github.com/pairline/realtime/internal/metrics"
)

const (
	maxHistoryLimit = 10000

	// UnknownPeerName is shown for conversation peers with no user record.
	UnknownPeerName = "Unknown"

	userIDKey = "userID"
)

// HistoryStore reads message history and peer profiles for the
// conversations endpoint.
type HistoryStore interface {
	History(ctx context.Context, userID string, limit int) ([]chat.Message, error)
	FindProfiles(ctx context.Context, ids []string) (map[string]chat.Profile, error)
}

// RouterConfig collects what NewRouter serves.
type RouterConfig struct {
	Upgrade  http.HandlerFunc // WebSocket upgrade; omitted when nil
	Stats    func() hub.Stats
	Uptime   func() time.Duration
	History  HistoryStore
	Verifier *auth.Verifier
	Timeout  time.Duration // per-request store deadline
	Logger   zerolog.Logger
}

// NewRouter builds the HTTP surface: the upgrade endpoint, health, metrics
// and the authenticated /api group.
func NewRouter(cfg RouterConfig) *gin.Engine {
	log := logging.Component(cfg.Logger, "http")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))

	if cfg.Upgrade != nil {
		r.GET("/ws", gin.WrapF(cfg.Upgrade))
	}
	r.GET("/health", func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if cfg.Stats != nil {
			st := cfg.Stats()
			resp["connections"] = st.Sessions
			resp["waiting"] = st.Waiting
			resp["matches"] = st.Matches
		}
		if cfg.Uptime != nil {
			resp["uptime"] = cfg.Uptime().Round(time.Second).String()
		}
		c.JSON(http.StatusOK, resp)
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	h := &historyHandler{store: cfg.History, timeout: cfg.Timeout, log: log}
	v1 := r.Group("/api", bearerAuth(cfg.Verifier))
	v1.GET("/conversations", h.conversations)

	return r
}

// bearerAuth verifies the Authorization header and stores the user id in the
// gin context.
func bearerAuth(v *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		uid, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid token"})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

func requestLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

type historyHandler struct {
	store   HistoryStore
	timeout time.Duration
	log     zerolog.Logger
}

// conversations lists the caller's conversations, one per peer, newest
// first, with the last message, its time, the unread count and the peer's
// display data. Every message is counted unless the caller passes limit, in
// which case only the newest limit messages are summarized.
func (h *historyHandler) conversations(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history unavailable"})
		return
	}
	userID := c.GetString(userIDKey)

	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	msgs, err := h.store.History(ctx, userID, limit)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("history lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching history"})
		return
	}

	convs := chat.Summarize(userID, msgs)
	peers := make([]string, len(convs))
	for i, conv := range convs {
		peers[i] = conv.PeerID
	}

	profiles, err := h.store.FindProfiles(ctx, peers)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("peer lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "error fetching history"})
		return
	}
	for i := range convs {
		if p, ok := profiles[convs[i].PeerID]; ok {
			convs[i].PeerName = p.DisplayName
			convs[i].PeerAvatar = p.Avatar
		} else {
			convs[i].PeerName = UnknownPeerName
		}
	}

	c.JSON(http.StatusOK, convs)
}
