// Shared Gin middleware for the REST surface: request IDs, panic
// recovery, CORS, body-size caps, and the read/write rate-limit split.

package middleware

import (
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"termgate/internal/logging"
	"termgate/internal/ratelimit"
)

// MaxJSONBodyBytes caps every JSON request body.
const MaxJSONBodyBytes = 256 << 10

// RequestID assigns each request a unique ID, echoing a client-supplied
// X-Request-ID when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// Recovery converts a handler panic into a logged stack trace plus a
// uniform 500 response that never leaks the panic value.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L().Error("panic in REST handler",
			zap.Any("panic", recovered),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString("request_id")),
			zap.ByteString("stack", debug.Stack()),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	})
}

// CORS applies the configured Access-Control-Allow-Origin value and
// answers preflight requests.
func CORS(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SecurityHeaders sets the response headers every REST reply carries.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Frame-Options", "deny")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; script-src 'self'")
		c.Next()
	}
}

// BodySizeLimit rejects request bodies over limit bytes before a handler
// ever reads them.
func BodySizeLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

// RateLimit enforces the per-IP read/write split: GET/HEAD consume the
// read bucket, everything else the write bucket.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHops int) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := ClientIP(c.Request, trustProxyHops)
		var allowed bool
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead:
			allowed = limiter.AllowRead(ip)
		default:
			allowed = limiter.AllowWrite(ip)
		}
		if !allowed {
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one structured line per completed request, skipping
// the health check.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/api/health" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		logging.L().Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("remote", c.ClientIP()),
			zap.String("request_id", c.GetString("request_id")),
		)
	}
}

// ClientIP resolves the caller's address, trusting up to trustProxyHops
// entries of X-Forwarded-For. With zero trusted hops the TCP peer address
// is always used, so a spoofed header can never influence rate limiting.
func ClientIP(r *http.Request, trustProxyHops int) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if trustProxyHops <= 0 {
		return peer
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return peer
	}
	hops := strings.Split(forwarded, ",")
	// The last trustProxyHops entries were appended by proxies we trust;
	// the entry just before them is the real client.
	idx := len(hops) - trustProxyHops - 1
	if idx < 0 {
		idx = 0
	}
	ip := strings.TrimSpace(hops[idx])
	if net.ParseIP(ip) == nil {
		return peer
	}
	return ip
}
