package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/ksred/schemaflow/internal/utils"
)

const (
	authTypeBearer    = "bearer"
	authTypeAPIKey    = "apikey"
	subjectContextKey = "subject"
	authTypeKey       = "auth_type"
)

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey := c.GetHeader("X-API-Key"); apiKey != "" {
			if err := s.auth.ValidateAPIKey(apiKey); err != nil {
				s.abortWithError(c, err)
				return
			}
			c.Set(subjectContextKey, "api-key")
			c.Set(authTypeKey, authTypeAPIKey)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			s.abortWithError(c, fmt.Errorf("%w: authorization header required", utils.ErrUnauthorized))
			return
		}

		parts := strings.Fields(authHeader)
		if len(parts) != 2 || strings.ToLower(parts[0]) != authTypeBearer {
			s.abortWithError(c, fmt.Errorf("%w: invalid authorization format", utils.ErrUnauthorized))
			return
		}

		subject, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.Set(subjectContextKey, subject)
		c.Set(authTypeKey, authTypeBearer)
		c.Next()
	}
}

func getSubject(c *gin.Context) string {
	subject, _ := c.Get(subjectContextKey)
	s, _ := subject.(string)
	return s
}

func getAuthType(c *gin.Context) string {
	authType, _ := c.Get(authTypeKey)
	t, _ := authType.(string)
	return t
}

// LoggerMiddleware logs every request once it completes
func LoggerMiddleware(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}

		event := logger.Info()
		if c.Writer.Status() >= 500 {
			event = logger.Error()
		}
		event.
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("subject", getSubject(c)).
			Str("auth", getAuthType(c)).
			Str("error", c.Errors.ByType(gin.ErrorTypePrivate).String()).
			Msg("HTTP request")
	}
}
