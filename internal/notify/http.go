package notify

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pairline/realtime/internal/logging"
)

// State is what the notifier's HTTP surface reads. *Service implements it.
type State interface {
	Pending(ctx context.Context, userID string) (map[string]int64, error)
	ClearPending(ctx context.Context, userID string) error
	ClusterPresence(ctx context.Context) (int, error)
}

// NewRouter serves the notifier state to the push and mail senders:
//
//	GET    /health
//	GET    /presence        cluster-wide session count
//	GET    /pending/:user   undelivered message counts per sender
//	DELETE /pending/:user   forget them once the user has been notified
func NewRouter(state State, timeout time.Duration, logger zerolog.Logger) *gin.Engine {
	log := logging.Component(logger, "notify-http")
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/presence", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		n, err := state.ClusterPresence(ctx)
		if err != nil {
			log.Error().Err(err).Msg("presence lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "presence unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"count": n})
	})

	r.GET("/pending/:user", func(c *gin.Context) {
		user := c.Param("user")
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		counts, err := state.Pending(ctx, user)
		if err != nil {
			log.Error().Err(err).Str("user", user).Msg("pending lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pending unavailable"})
			return
		}
		var total int64
		for _, n := range counts {
			total += n
		}
		c.JSON(http.StatusOK, gin.H{"user_id": user, "total": total, "senders": counts})
	})

	r.DELETE("/pending/:user", func(c *gin.Context) {
		user := c.Param("user")
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		if err := state.ClearPending(ctx, user); err != nil {
			log.Error().Err(err).Str("user", user).Msg("pending clear failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "pending unavailable"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	return r
}
