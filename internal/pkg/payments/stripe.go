package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/taskdeck/taskdeck/internal/pkg/env"
)

// StripeGateway implements Gateway on top of the official Stripe SDK. The
// client handle is injected at construction instead of configuring the
// SDK-global key, so tests and multi-tenant setups can hold independent
// gateways.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway with its own SDK client for the given
// secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

// NewStripeGatewayFromEnv creates a gateway configured from STRIPE_SECRET_KEY.
func NewStripeGatewayFromEnv() *StripeGateway {
	return NewStripeGateway(env.GetEnv("STRIPE_SECRET_KEY", ""))
}

// RetrieveSession fetches a checkout session by its opaque token. A missing
// session maps to ErrSessionNotFound; any other SDK failure maps to
// ErrProviderUnavailable. Unpaid sessions are returned as-is, payment status
// is the caller's problem.
func (g *StripeGateway) RetrieveSession(ctx context.Context, token string) (PaymentSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.Get(token, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && (stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound) {
			return PaymentSession{}, fmt.Errorf("%w: %s", ErrSessionNotFound, token)
		}
		return PaymentSession{}, fmt.Errorf("%w: retrieve session: %v", ErrProviderUnavailable, err)
	}
	return fromStripeSession(sess), nil
}

// CreateCheckoutSession starts a subscription checkout carrying the internal
// reference id for later correlation.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(in.ReferenceID),
		SuccessURL:        stripe.String(in.SuccessURL),
		CancelURL:         stripe.String(in.CancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(in.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
	}
	params.Context = ctx
	if in.IdempotencyKey != "" {
		params.IdempotencyKey = stripe.String(in.IdempotencyKey)
	}

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("%w: create checkout session: %v", ErrProviderUnavailable, err)
	}
	return CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// FindCustomerIDsByEmail lists provider customer ids registered under the
// given email.
func (g *StripeGateway) FindCustomerIDsByEmail(ctx context.Context, email string) ([]string, error) {
	params := &stripe.CustomerListParams{Email: stripe.String(email)}
	params.Context = ctx

	var ids []string
	iter := g.api.Customers.List(params)
	for iter.Next() {
		ids = append(ids, iter.Customer().ID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: list customers: %v", ErrProviderUnavailable, err)
	}
	return ids, nil
}

// HasActiveSubscription reports whether the provider customer holds at least
// one active subscription.
func (g *StripeGateway) HasActiveSubscription(ctx context.Context, customerID string) (bool, error) {
	params := &stripe.SubscriptionListParams{
		Customer: stripe.String(customerID),
		Status:   stripe.String(string(stripe.SubscriptionStatusActive)),
	}
	params.Context = ctx

	iter := g.api.Subscriptions.List(params)
	for iter.Next() {
		return true, nil
	}
	if err := iter.Err(); err != nil {
		return false, fmt.Errorf("%w: list subscriptions: %v", ErrProviderUnavailable, err)
	}
	return false, nil
}

func fromStripeSession(sess *stripe.CheckoutSession) PaymentSession {
	out := PaymentSession{
		ID:                sess.ID,
		PaymentStatus:     string(sess.PaymentStatus),
		ClientReferenceID: sess.ClientReferenceID,
		CustomerEmail:     sess.CustomerEmail,
	}
	if out.CustomerEmail == "" && sess.CustomerDetails != nil {
		out.CustomerEmail = sess.CustomerDetails.Email
	}
	if out.PaymentStatus == "" {
		out.PaymentStatus = PaymentStatusUnknown
	}
	return out
}
