package http

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"zapia_ai/internal/entities"
	"zapia_ai/internal/infrastructure"
	"zapia_ai/internal/usecases"
)

const identityKey = "identity"

type Middleware struct {
	auth    *usecases.AuthUsecase
	limiter *infrastructure.TenantRateLimiter
	log     *slog.Logger
	origins []string
}

// NewMiddleware wires token verification and the per-tenant API limiter.
// A nil limiter disables rate limiting.
func NewMiddleware(auth *usecases.AuthUsecase, limiter *infrastructure.TenantRateLimiter, log *slog.Logger, allowedOrigins ...string) *Middleware {
	if log == nil {
		log = slog.Default()
	}
	return &Middleware{auth: auth, limiter: limiter, log: log, origins: allowedOrigins}
}

// AuthRequired verifies the bearer token and stores the caller's identity.
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}

		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		identity, err := m.auth.Verify(tokenString)
		if err != nil {
			m.log.Debug("token rejected", slog.Any("error", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

// TenantRequired rejects callers whose token carries no organization.
// Must follow AuthRequired.
func (m *Middleware) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if identity.TenantID == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "No active organization"})
			return
		}
		c.Next()
	}
}

// RateLimitPerTenant limits requests per organization (must follow TenantRequired)
func (m *Middleware) RateLimitPerTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.limiter == nil {
			c.Next()
			return
		}
		identity, _ := IdentityFrom(c)
		if !m.limiter.Allow(identity.TenantID) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by AuthRequired.
func IdentityFrom(c *gin.Context) (entities.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return entities.Identity{}, false
	}
	identity, ok := v.(entities.Identity)
	return identity, ok
}

// CORSMiddleware allows Cross-Origin requests from the configured origins, or any origin when none are set.
func (m *Middleware) CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := "*"
		if len(m.origins) > 0 {
			origin = ""
			reqOrigin := c.GetHeader("Origin")
			for _, o := range m.origins {
				if o == reqOrigin {
					origin = o
					break
				}
			}
		}
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SecurityHeaders adds security headers to prevent common attacks
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Writer.Header().Set("X-Frame-Options", "DENY")
		c.Writer.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Writer.Header().Set("Content-Security-Policy", "default-src 'none'")
		c.Next()
	}
}

// RequestSizeLimiter limits request body size to prevent DoS
func RequestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// RequestLogger writes one structured access log line per request.
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", status),
			slog.Duration("latency", time.Since(start)),
		}
		if identity, ok := IdentityFrom(c); ok {
			attrs = append(attrs, slog.String("tenant", identity.TenantID))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}
		log.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}
