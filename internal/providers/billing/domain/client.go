package domain

import (
	"context"
	"errors"
)

var (
	ErrUnavailable   = errors.New("billing_unavailable")
	ErrNotConfigured = errors.New("billing_not_configured")
)

// Metadata keys written on provider objects so webhooks can be correlated
// back to a subject.
const (
	MetadataSubject          = "subject"
	MetadataCorrelationToken = "correlation_token"
)

type Customer struct {
	ID    string
	Email string
}

type CheckoutSessionRequest struct {
	CustomerRef      string
	CorrelationToken string
	SuccessURL       string
	CancelURL        string
	IdempotencyKey   string
}

type CheckoutSession struct {
	ID  string
	URL string
}

// Client is the subset of the billing provider the service talks to.
type Client interface {
	// FindCustomer returns nil when no customer carries the subject.
	FindCustomer(ctx context.Context, subject string) (*Customer, error)
	CreateCustomer(ctx context.Context, email, subject string) (*Customer, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
}
