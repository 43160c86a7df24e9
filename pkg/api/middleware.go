package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/security"
)

// TokenHeader carries the shared cluster secret on every request
const TokenHeader = "X-Cluster-Token"

// requireToken rejects requests whose token does not hash to the
// configured value. The comparison is constant time and the raw token
// is never logged.
func (s *Server) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader(TokenHeader)
		if token == "" || !security.VerifyToken(token, s.tokenHash) {
			s.logger.Warn().Str("path", c.Request.URL.Path).
				Str("remote", c.ClientIP()).Msg("rejected request with invalid cluster token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errdefs.ErrUnauthorized.Error()})
			return
		}
		c.Next()
	}
}

// allowIPs restricts the migration surface to the configured client
// addresses. An empty list allows everyone.
func (s *Server) allowIPs() gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(s.cfg.Migration.AllowedIPs))
	for _, ip := range s.cfg.Migration.AllowedIPs {
		allowed[ip] = struct{}{}
	}
	return func(c *gin.Context) {
		if len(allowed) == 0 {
			c.Next()
			return
		}
		if _, ok := allowed[c.ClientIP()]; !ok {
			s.logger.Warn().Str("remote", c.ClientIP()).
				Str("path", c.Request.URL.Path).Msg("rejected migration request from disallowed address")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "address not allowed"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("remote", c.ClientIP()).
			Msg("request")
	}
}

// fail maps a component error onto its HTTP status via the errdefs
// sentinels
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errdefs.ErrExists), errors.Is(err, errdefs.ErrConflict),
		errors.Is(err, errdefs.ErrLockBusy):
		status = http.StatusConflict
	case errors.Is(err, errdefs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, errdefs.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errdefs.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, errdefs.ErrNoQuorum), errors.Is(err, errdefs.ErrNoWritableNode),
		errors.Is(err, errdefs.ErrNotHealthy), errors.Is(err, errdefs.ErrUpstream):
		status = http.StatusServiceUnavailable
	}

	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// failRateLimited adds the Retry-After hint alongside the 429
func (s *Server) failRateLimited(c *gin.Context, retryAfter int64, err error) {
	c.Header("Retry-After", fmt.Sprintf("%d", retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":               err.Error(),
		"retry_after_seconds": retryAfter,
	})
}
