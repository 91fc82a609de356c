package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/licensing/internal/billingevent/domain"
	"github.com/smallbiznis/licensing/internal/clock"
	"github.com/smallbiznis/licensing/internal/config"
	"go.uber.org/fx"
)

const defaultTolerance = 5 * time.Minute

// Metadata keys carrying the subject a checkout was started for, in the order
// they are consulted.
var correlationKeys = []string{"subject", "correlation_token", "user_id"}

type Params struct {
	fx.In

	Cfg   config.Config
	Clock clock.Clock
}

type Verifier struct {
	secrets   []string
	tolerance time.Duration
	clock     clock.Clock
}

func NewVerifier(p Params) domain.Verifier {
	return New(p.Cfg.Stripe.WebhookSecrets, p.Cfg.Stripe.WebhookTolerance, p.Clock)
}

func New(secrets []string, tolerance time.Duration, clk clock.Clock) *Verifier {
	if tolerance <= 0 {
		tolerance = defaultTolerance
	}
	cleaned := make([]string, 0, len(secrets))
	for _, secret := range secrets {
		if secret = strings.TrimSpace(secret); secret != "" {
			cleaned = append(cleaned, secret)
		}
	}
	return &Verifier{secrets: cleaned, tolerance: tolerance, clock: clk}
}

func (v *Verifier) Verify(ctx context.Context, body []byte, signatureHeader string) (*domain.Event, error) {
	if err := v.verifySignature(body, signatureHeader); err != nil {
		return nil, err
	}
	return parseEvent(body)
}

func (v *Verifier) verifySignature(body []byte, header string) error {
	header = strings.TrimSpace(header)
	if header == "" || len(v.secrets) == 0 {
		return domain.ErrVerification
	}

	ts, signatures, err := parseStripeSignature(header)
	if err != nil {
		return domain.ErrVerification
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.ErrVerification
	}
	skew := v.clock.Now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return domain.ErrVerification
	}

	signedPayload := fmt.Sprintf("%s.%s", ts, string(body))
	for _, secret := range v.secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		_, _ = mac.Write([]byte(signedPayload))
		expected := hex.EncodeToString(mac.Sum(nil))

		for _, signature := range signatures {
			if hmac.Equal([]byte(signature), []byte(expected)) {
				return nil
			}
		}
	}
	return domain.ErrVerification
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID                string            `json:"id"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Mode              string            `json:"mode"`
	Metadata          map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID       string            `json:"id"`
	Customer stripeRef         `json:"customer"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID           string    `json:"id"`
	Customer     stripeRef `json:"customer"`
	Subscription stripeRef `json:"subscription"`
}

// stripeRef accepts both the collapsed ("cus_123") and the expanded
// ({"id":"cus_123",...}) form of an object reference.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = ""
		return nil
	}
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*r = stripeRef(strings.TrimSpace(id))
		return nil
	}
	var expanded struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &expanded); err != nil {
		return err
	}
	*r = stripeRef(strings.TrimSpace(expanded.ID))
	return nil
}

func parseEvent(body []byte) (*domain.Event, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	out := &domain.Event{
		Provider:   domain.ProviderStripe,
		EventID:    strings.TrimSpace(event.ID),
		Type:       strings.TrimSpace(event.Type),
		OccurredAt: timestamp(event.Created),
	}

	switch out.Type {
	case domain.EventCheckoutCompleted:
		var session stripeCheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		out.CustomerRef = string(session.Customer)
		out.SubscriptionRef = string(session.Subscription)
		out.CorrelationToken = correlationToken(session.Metadata)
		if out.CorrelationToken == "" {
			out.CorrelationToken = strings.TrimSpace(session.ClientReferenceID)
		}
	case domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		out.CustomerRef = string(sub.Customer)
		out.SubscriptionRef = strings.TrimSpace(sub.ID)
		out.Status = strings.ToLower(strings.TrimSpace(sub.Status))
		out.CorrelationToken = correlationToken(sub.Metadata)
	case domain.EventPaymentFailed:
		var invoice stripeInvoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return nil, domain.ErrInvalidPayload
		}
		out.CustomerRef = string(invoice.Customer)
		out.SubscriptionRef = string(invoice.Subscription)
	default:
		return out, domain.ErrEventIgnored
	}

	return out, nil
}

func correlationToken(metadata map[string]string) string {
	for _, key := range correlationKeys {
		if value := strings.TrimSpace(metadata[key]); value != "" {
			return value
		}
	}
	return ""
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		key, value, found := strings.Cut(piece, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(created int64) time.Time {
	if created == 0 {
		return time.Time{}
	}
	return time.Unix(created, 0).UTC()
}
