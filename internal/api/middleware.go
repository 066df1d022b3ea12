package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quillhaven/taskwire/internal/auth"
	"github.com/quillhaven/taskwire/internal/logging"
	"github.com/quillhaven/taskwire/internal/taskerr"
	"github.com/quillhaven/taskwire/internal/tenant"
)

// authenticate resolves the request identity and stores claims in the
// request context. With a nil validator identity comes from plain headers;
// that mode is for local development only.
func authenticate(v *auth.JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var claims auth.Claims
		if v == nil {
			claims = auth.Claims{
				TenantID: c.GetHeader("X-Tenant-ID"),
				Service:  c.GetHeader("X-Service-Name"),
			}
			if claims.TenantID == "" && claims.Service == "" {
				abort(c, http.StatusUnauthorized, taskerr.CodeUnauthorized, "missing identity")
				return
			}
		} else {
			token := auth.TokenFromRequest(c.Request)
			if token == "" {
				abort(c, http.StatusUnauthorized, taskerr.CodeUnauthorized, "missing token")
				return
			}
			var err error
			claims, err = v.ValidateToken(token)
			if err != nil {
				abort(c, http.StatusUnauthorized, taskerr.CodeUnauthorized, "invalid token")
				return
			}
		}
		ctx := context.WithValue(c.Request.Context(), auth.ClaimsKey, claims)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// ambientTenant seeds the tenant context used by downstream calls and
// logging. Claims win over headers for the tenant id; correlation ids are
// minted when the caller sends none.
func ambientTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, _ := auth.ClaimsFromContext(c.Request.Context())
		tc := tenant.Extract(c.Request.Header)
		if claims.TenantID != "" {
			tc.TenantID = claims.TenantID
		}
		if tc.CorrelationID == "" {
			tc.CorrelationID = uuid.NewString()
		}
		c.Request = c.Request.WithContext(tenant.NewContext(c.Request.Context(), tc))
		c.Next()
	}
}

type limiters struct {
	mu    sync.Mutex
	m     map[string]*rate.Limiter
	rps   rate.Limit
	burst int
}

func (l *limiters) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.m[key]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.m[key] = lim
	}
	return lim
}

// rateLimit applies a per-tenant token bucket. Service identities are
// exempt; they act across tenants and are trusted internal callers.
func rateLimit(rps float64, burst int) gin.HandlerFunc {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = int(rps) * 2
	}
	lim := &limiters{m: make(map[string]*rate.Limiter), rps: rate.Limit(rps), burst: burst}

	return func(c *gin.Context) {
		claims, _ := auth.ClaimsFromContext(c.Request.Context())
		if claims.IsService() {
			c.Next()
			return
		}
		if !lim.get(claims.TenantID).Allow() {
			c.Header("Retry-After", "1")
			abort(c, http.StatusTooManyRequests, taskerr.CodeRateLimited, "rate limit exceeded")
			return
		}
		c.Next()
	}
}

// requestLog emits one structured line per request. Health probes are
// skipped to keep the logs readable.
func requestLog(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/healthz" {
			return
		}
		logger.WithContext(c.Request.Context()).
			WithTenant(tenant.ID(c.Request.Context())).
			WithFields(map[string]any{
				"method":      c.Request.Method,
				"path":        c.Request.URL.Path,
				"status":      c.Writer.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			}).
			Info("request")
	}
}

// recovery turns handler panics into enveloped 500s instead of dropped
// connections.
func recovery(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(c.Request.Context()).
					WithField("panic", fmt.Sprint(r)).
					WithField("path", c.Request.URL.Path).
					Error("handler panic")
				if !c.Writer.Written() {
					writeError(c, http.StatusInternalServerError, taskerr.CodeInternal, "internal error")
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}
