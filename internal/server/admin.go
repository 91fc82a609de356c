package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	devicedomain "github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/observability/logger"
	reconciledomain "github.com/smallbiznis/licensing/internal/reconcile/domain"
	"go.uber.org/zap"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type adminUpgradeRequest struct {
	Tier                   string `json:"tier"`
	BillingCustomerRef     string `json:"billing_customer_ref"`
	BillingSubscriptionRef string `json:"billing_subscription_ref"`
}

type adminDowngradeRequest struct {
	Tier string `json:"tier"`
}

func (s *Server) AdminStats(c *gin.Context) {
	ctx := c.Request.Context()
	stats, err := s.store.Stats(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	activeDevices, err := s.devices.CountActive(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subjects":       stats.Subjects,
		"by_tier":        stats.ByTier,
		"active_devices": activeDevices,
	})
}

// AdminListSubjects pages through subjects newest first. limit defaults to
// 50 and is capped at 200.
func (s *Server) AdminListSubjects(c *gin.Context) {
	offset, err := queryInt(c, "offset")
	if err != nil {
		AbortWithError(c, newValidationError("offset", "invalid_offset", "offset must be a non-negative integer"))
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a non-negative integer"))
		return
	}
	offset, limit = entdomain.ClampPage(offset, limit)

	items, err := s.store.List(c.Request.Context(), offset, limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	subjects := make([]*entitlementView, 0, len(items))
	for i := range items {
		subjects = append(subjects, newEntitlementView(&items[i]))
	}

	c.JSON(http.StatusOK, gin.H{
		"subjects": subjects,
		"offset":   offset,
		"limit":    limit,
	})
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrInvalidRequest
	}
	return n, nil
}

func (s *Server) AdminGetSubject(c *gin.Context) {
	ctx := c.Request.Context()
	subject := c.Param("subject")

	ent, err := s.store.Get(ctx, subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	devices, err := s.devices.List(ctx, subject, true)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if devices == nil {
		devices = []devicedomain.Device{}
	}

	c.JSON(http.StatusOK, gin.H{
		"entitlement": newEntitlementView(ent),
		"devices":     devices,
	})
}

func (s *Server) AdminUpgrade(c *gin.Context) {
	var req adminUpgradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tier, err := entdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconciler.Upgrade(c.Request.Context(), reconciledomain.UpgradeRequest{
		Subject:         c.Param("subject"),
		Tier:            tier,
		CustomerRef:     req.BillingCustomerRef,
		SubscriptionRef: req.BillingSubscriptionRef,
		IdempotencyKey:  strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondAdminResult(c, "admin upgrade", result)
}

func (s *Server) AdminDowngrade(c *gin.Context) {
	var req adminDowngradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tier, err := entdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.reconciler.Downgrade(c.Request.Context(), reconciledomain.DowngradeRequest{
		Subject:        c.Param("subject"),
		Tier:           tier,
		IdempotencyKey: strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondAdminResult(c, "admin downgrade", result)
}

func (s *Server) AdminRevokeDevices(c *gin.Context) {
	ctx := c.Request.Context()
	subject := c.Param("subject")

	revoked, err := s.devices.RevokeAll(ctx, subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	logger.FromContext(ctx).Info("admin revoked devices",
		zap.String("target_subject", subject),
		zap.Int64("revoked", revoked),
	)

	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

func (s *Server) AdminRevokeDevice(c *gin.Context) {
	ctx := c.Request.Context()
	subject := c.Param("subject")
	deviceID := c.Param("device_id")

	if err := s.devices.Revoke(ctx, subject, deviceID); err != nil {
		AbortWithError(c, err)
		return
	}
	logger.FromContext(ctx).Info("admin revoked device",
		zap.String("target_subject", subject),
		zap.String("device_id", deviceID),
	)

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) respondAdminResult(c *gin.Context, action string, result reconciledomain.Result) {
	logger.FromContext(c.Request.Context()).Info(action,
		zap.String("target_subject", result.Subject),
		zap.String("outcome", string(result.Outcome)),
	)
	c.JSON(http.StatusOK, gin.H{
		"outcome":     result.Outcome,
		"entitlement": newEntitlementView(result.Entitlement),
	})
}
