package server

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/licensing/internal/auth/domain"
	"github.com/smallbiznis/licensing/internal/authorization"
	obscontext "github.com/smallbiznis/licensing/internal/observability/context"
	"github.com/smallbiznis/licensing/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderAdminKey = "X-Admin-Key"

	contextIdentityKey = "identity"
	contextActorKey    = "admin_actor"
)

// SubjectAuthRequired verifies the bearer token and makes sure the subject has
// an entitlement record before any handler runs.
func (s *Server) SubjectAuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.identity == nil {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx := c.Request.Context()
		identity, err := s.identity.Verify(ctx, raw)
		if err != nil {
			logger.FromContext(ctx).Info("bearer token rejected", zap.Error(err))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		ctx = obscontext.WithSubject(ctx, identity.Subject)
		c.Request = c.Request.WithContext(ctx)

		if _, err := s.store.Ensure(ctx, identity.Subject, identity.Email); err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(contextIdentityKey, *identity)
		c.Next()
	}
}

func identityFromContext(c *gin.Context) (authdomain.Identity, bool) {
	v, ok := c.Get(contextIdentityKey)
	if !ok {
		return authdomain.Identity{}, false
	}
	identity, ok := v.(authdomain.Identity)
	return identity, ok
}

func bearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AdminKeyRequired resolves the X-Admin-Key header against the configured
// admin keys.
func (s *Server) AdminKeyRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := strings.TrimSpace(c.GetHeader(HeaderAdminKey))
		if presented == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		role, ok := s.lookupAdminKey(presented)
		if !ok {
			logger.FromContext(c.Request.Context()).Warn("admin key rejected", zap.Bool("security", true))
			AbortWithError(c, ErrUnauthorized)
			return
		}

		actor := authorization.ActorForKey(presented, role)
		ctx := obscontext.WithActor(c.Request.Context(), actor.String())
		c.Request = c.Request.WithContext(ctx)
		c.Set(contextActorKey, actor)
		c.Next()
	}
}

func (s *Server) lookupAdminKey(presented string) (string, bool) {
	var (
		role  string
		found bool
	)
	for key, keyRole := range s.cfg.Admin.Keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(presented)) == 1 {
			role = keyRole
			found = true
		}
	}
	return role, found
}

func (s *Server) authorizeAdmin(object, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(contextActorKey)
		actor, _ := v.(authorization.Actor)
		if !ok || actor.KeyID == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		if err := s.authz.Authorize(c.Request.Context(), actor, object, action); err != nil {
			logger.FromContext(c.Request.Context()).Warn("admin action denied",
				zap.String("object", object),
				zap.String("action", action),
				zap.String("role", actor.Role),
			)
			AbortWithError(c, ErrForbidden)
			return
		}

		c.Next()
	}
}

// RateLimit applies the per-client token bucket. Health, metrics and the
// signed billing webhook are never limited, and a limiter outage lets traffic
// through.
func (s *Server) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() || isRateLimitExempt(c.Request.URL.Path) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := s.limiter.Allow(ctx, c.ClientIP())
		if err != nil {
			logger.FromContext(ctx).Warn("rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		if !res.Allowed {
			route := c.FullPath()
			if route == "" {
				route = "unknown"
			}
			s.obsMetrics.RecordRateLimitDenied(ctx, route)
			retryAfter := int(res.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			AbortWithError(c, ErrRateLimited)
			return
		}

		c.Next()
	}
}

// The webhook authenticates by signature and its sender retries on 429, so
// limiting it by IP only delays entitlement changes.
func isRateLimitExempt(path string) bool {
	switch path {
	case "/health", "/metrics", webhookPath:
		return true
	}
	return false
}
