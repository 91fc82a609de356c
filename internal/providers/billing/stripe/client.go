package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/licensing/internal/config"
	"github.com/smallbiznis/licensing/internal/providers/billing/domain"
	stripe "github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

type Client struct {
	api     *client.API
	priceID string
	log     *zap.Logger
}

func NewClient(p Params) domain.Client {
	return New(p.Cfg.Stripe.SecretKey, p.Cfg.Stripe.PriceID, nil, p.Log)
}

// New builds a client on the given backends. A nil backends value uses the
// live Stripe API.
func New(secretKey, priceID string, backends *stripe.Backends, log *zap.Logger) *Client {
	c := &Client{
		priceID: strings.TrimSpace(priceID),
		log:     log.Named("billing.stripe"),
	}
	if key := strings.TrimSpace(secretKey); key != "" {
		c.api = client.New(key, backends)
	}
	return c
}

func (c *Client) FindCustomer(ctx context.Context, subject string) (*domain.Customer, error) {
	if c.api == nil {
		return nil, domain.ErrNotConfigured
	}
	params := &stripe.CustomerSearchParams{}
	params.Context = ctx
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", domain.MetadataSubject, escapeQuery(subject))

	iter := c.api.Customers.Search(params)
	for iter.Next() {
		cust := iter.Customer()
		if cust == nil || cust.Deleted {
			continue
		}
		return &domain.Customer{ID: cust.ID, Email: cust.Email}, nil
	}
	if err := iter.Err(); err != nil {
		return nil, c.wrap("search customer", err)
	}
	return nil, nil
}

func (c *Client) CreateCustomer(ctx context.Context, email, subject string) (*domain.Customer, error) {
	if c.api == nil {
		return nil, domain.ErrNotConfigured
	}
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email = strings.TrimSpace(email); email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(domain.MetadataSubject, subject)
	params.SetIdempotencyKey("customer:" + subject)

	cust, err := c.api.Customers.New(params)
	if err != nil {
		return nil, c.wrap("create customer", err)
	}
	return &domain.Customer{ID: cust.ID, Email: cust.Email}, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, req domain.CheckoutSessionRequest) (*domain.CheckoutSession, error) {
	if c.api == nil || c.priceID == "" {
		return nil, domain.ErrNotConfigured
	}
	metadata := map[string]string{
		domain.MetadataSubject:          req.CorrelationToken,
		domain.MetadataCorrelationToken: req.CorrelationToken,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerRef),
		ClientReferenceID: stripe.String(req.CorrelationToken),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(c.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: metadata,
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	session, err := c.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, c.wrap("create checkout session", err)
	}
	return &domain.CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

func (c *Client) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	if c.api == nil {
		return "", domain.ErrNotConfigured
	}
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx

	session, err := c.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", c.wrap("create portal session", err)
	}
	return session.URL, nil
}

func (c *Client) wrap(op string, err error) error {
	fields := []zap.Field{zap.String("op", op), zap.Error(err)}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		fields = append(fields,
			zap.Int("status", stripeErr.HTTPStatusCode),
			zap.String("code", string(stripeErr.Code)),
			zap.String("request_id", stripeErr.RequestID),
		)
	}
	c.log.Warn("billing provider call failed", fields...)
	return fmt.Errorf("%s: %w: %w", op, domain.ErrUnavailable, err)
}

func escapeQuery(v string) string {
	return strings.ReplaceAll(v, "'", `\'`)
}
