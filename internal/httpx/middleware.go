package httpx

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MikeMC777/marketplace-saga/internal/access"
	"github.com/MikeMC777/marketplace-saga/internal/logx"
	"github.com/MikeMC777/marketplace-saga/internal/metrics"
)

const (
	HeaderRequestID = "X-Request-ID"
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"

	identityKey = "identity"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(HeaderRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Set("rid", rid)
		c.Writer.Header().Set(HeaderRequestID, rid)
		c.Next()
	}
}

// Logger puts a request-scoped logger in the request context and writes one
// access line per request.
func Logger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		rid := c.GetString("rid")
		l := base.With(zap.String("request_id", rid))
		c.Request = c.Request.WithContext(logx.WithContext(c.Request.Context(), l))

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("dur", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		l.Info("http", fields...)
	}
}

// Metrics records request counts and latency by route template.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTP(route, c.Request.Method, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// Identity reads the caller forwarded by the authentication proxy. Missing
// headers yield an empty identity that every permission check rejects.
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(identityKey, access.Identity{
			UserID: c.GetHeader(HeaderUserID),
			Role:   access.Role(c.GetHeader(HeaderUserRole)),
		})
		c.Next()
	}
}

func Caller(c *gin.Context) access.Identity {
	id, _ := c.Get(identityKey)
	ident, _ := id.(access.Identity)
	return ident
}
