package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	billingeventdomain "github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	HeaderStripeSignature = "Stripe-Signature"

	maxWebhookBody = 1 << 20
)

// HandleBillingWebhook verifies and applies one provider delivery. Forged or
// stale deliveries get a 400; every verified delivery is acknowledged with 200
// so the provider stops retrying it, whatever the outcome.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	log := logger.FromContext(ctx)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	event, err := s.webhooks.Verify(ctx, body, c.GetHeader(HeaderStripeSignature))
	switch {
	case errors.Is(err, billingeventdomain.ErrVerification):
		log.Warn("billing webhook rejected",
			zap.Bool("security", true),
			zap.String("client_ip", c.ClientIP()),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	case errors.Is(err, billingeventdomain.ErrInvalidPayload):
		log.Warn("billing webhook payload not understood", zap.Error(err))
		acknowledge(c, billingeventdomain.OutcomeIgnored)
		return
	case errors.Is(err, billingeventdomain.ErrEventIgnored):
		// Recorded by the reconciler like any other event.
	case err != nil:
		AbortWithError(c, err)
		return
	}

	c.Set("billing_event_type", event.Type)

	result, err := s.reconciler.Apply(ctx, *event)
	if err != nil {
		if errors.Is(err, billingeventdomain.ErrInvalidPayload) {
			acknowledge(c, billingeventdomain.OutcomeIgnored)
			return
		}
		log.Error("billing webhook apply failed",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	acknowledge(c, result.Outcome)
}

func acknowledge(c *gin.Context, outcome billingeventdomain.Outcome) {
	c.Set("billing_outcome", string(outcome))
	c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}
