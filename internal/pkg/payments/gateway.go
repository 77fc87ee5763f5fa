package payments

import "context"

// Session payment status values as reported by the provider.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
	PaymentStatusUnknown           = "unknown"
)

// PaymentSession is the provider-neutral view of a checkout session. It is
// never persisted locally; verification is always live against the provider.
type PaymentSession struct {
	ID                string
	PaymentStatus     string
	ClientReferenceID string
	CustomerEmail     string
}

// IsPaid reports whether the session represents a settled payment.
func (s PaymentSession) IsPaid() bool {
	return s.PaymentStatus == PaymentStatusPaid || s.PaymentStatus == PaymentStatusNoPaymentRequired
}

// CheckoutInput carries the parameters for starting a new checkout session.
type CheckoutInput struct {
	ReferenceID    string
	PriceID        string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

// CheckoutSession is the result of starting a checkout: the provider session
// id and the hosted payment page the client is redirected to.
type CheckoutSession struct {
	ID  string
	URL string
}

// Gateway abstracts the payment-provider SDK operations needed by the
// service. Methods return values rather than pointers; failures are wrapped
// into this package's error taxonomy. No retries happen here, the caller
// decides retry policy.
type Gateway interface {
	RetrieveSession(ctx context.Context, token string) (PaymentSession, error)
	CreateCheckoutSession(ctx context.Context, in CheckoutInput) (CheckoutSession, error)
	FindCustomerIDsByEmail(ctx context.Context, email string) ([]string, error)
	HasActiveSubscription(ctx context.Context, customerID string) (bool, error)
}
