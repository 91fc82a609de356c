package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	devicedomain "github.com/smallbiznis/licensing/internal/device/domain"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
	"github.com/smallbiznis/licensing/internal/observability/logger"
	"go.uber.org/zap"
)

type activateMachineRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
}

type validateMachineRequest struct {
	DeviceID string `json:"device_id"`
}

type offlineKeyRequest struct {
	DeviceID string `json:"device_id"`
}

func (s *Server) LicenseStatus(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	status, err := s.devices.Status(c.Request.Context(), identity.Subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

func (s *Server) ListMachines(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	includeInactive, _ := strconv.ParseBool(c.Query("include_inactive"))
	devices, err := s.devices.List(c.Request.Context(), identity.Subject, includeInactive)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if devices == nil {
		devices = []devicedomain.Device{}
	}

	c.JSON(http.StatusOK, gin.H{"machines": devices})
}

func (s *Server) DeactivateMachine(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.devices.Deactivate(c.Request.Context(), identity.Subject, c.Param("device_id")); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ActivateMachine claims a device slot and returns a fresh offline license.
func (s *Server) ActivateMachine(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req activateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.devices.Activate(c.Request.Context(), devicedomain.ActivateRequest{
		Subject:  identity.Subject,
		DeviceID: req.DeviceID,
		Name:     req.Name,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondWithLicense(c, result.Device, result.Entitlement)
}

// ValidateMachine is the desktop heartbeat. It only succeeds for active
// devices and refreshes the license token.
func (s *Server) ValidateMachine(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req validateMachineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	device, err := s.devices.Validate(ctx, identity.Subject, req.DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ent, err := s.store.Get(ctx, identity.Subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.respondWithLicense(c, *device, *ent)
}

// OfflineKey issues a license for manual entry on an active device that
// cannot reach the service. Unlike validate it leaves the device untouched.
func (s *Server) OfflineKey(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req offlineKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := c.Request.Context()
	device, err := s.devices.Get(ctx, identity.Subject, req.DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	ent, err := s.store.Get(ctx, identity.Subject)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	logger.FromContext(ctx).Info("offline key requested", zap.String("device_id", device.DeviceID))
	s.respondWithLicense(c, *device, *ent)
}

func (s *Server) respondWithLicense(c *gin.Context, device devicedomain.Device, ent entdomain.Entitlement) {
	ent.DeviceLimit = s.store.DeviceLimit(ent.Tier)
	license, err := s.licenses.Issue(ent, device.DeviceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, activationResponse{
		Device:      device,
		Tier:        ent.Tier,
		DeviceLimit: ent.DeviceLimit,
		License:     license,
	})
}
