package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Me returns the caller's identity with the entitlement it currently holds.
func (s *Server) Me(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	ent, err := s.store.Get(ctx, identity.Subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	status, err := s.devices.Status(ctx, identity.Subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, meResponse{
		Subject:     identity.Subject,
		Email:       identity.Email,
		Tier:        ent.Tier,
		DeviceLimit: status.DeviceLimit,
		DevicesUsed: status.DevicesUsed,
		HasBilling:  ent.BillingCustomerRef != nil && *ent.BillingCustomerRef != "",
		CreatedAt:   ent.CreatedAt,
	})
}
