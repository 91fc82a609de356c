package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	entdomain "github.com/smallbiznis/licensing/internal/entitlement/domain"
)

type checkoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

type portalRequest struct {
	ReturnURL string `json:"return_url"`
}

func (s *Server) StartCheckout(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tier, err := entdomain.ParseTier(req.Tier)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	session, err := s.checkout.StartCheckout(c.Request.Context(), identity, tier, req.SuccessURL, req.CancelURL)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":        session.URL,
		"session_id": session.SessionID,
	})
}

func (s *Server) BillingPortal(c *gin.Context) {
	identity, ok := identityFromContext(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req portalRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	url, err := s.checkout.Portal(c.Request.Context(), identity, req.ReturnURL)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": url})
}
