package payments

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/taskdeck/taskdeck/app/models"
	"github.com/taskdeck/taskdeck/internal/pkg/env"
)

// Config carries the static settings the service needs beyond its injected
// collaborators.
type Config struct {
	WebhookSecret   string
	CheckoutPriceID string
	SuccessURL      string
	CancelURL       string
}

// ConfigFromEnv reads the service configuration from the environment.
func ConfigFromEnv() Config {
	return Config{
		WebhookSecret:   env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
		CheckoutPriceID: env.GetEnv("CHECKOUT_PRICE_ID", ""),
		SuccessURL:      env.GetEnv("CHECKOUT_SUCCESS_URL", ""),
		CancelURL:       env.GetEnv("CHECKOUT_CANCEL_URL", ""),
	}
}

// Service wires the session verifier, identity resolver, user reconciler and
// webhook intake around an injected gateway and repository. Both HTTP entry
// paths converge here; the service itself is stateless and safe for
// concurrent use.
type Service struct {
	repo Repository
	gw   Gateway
	cfg  Config
}

// NewService creates a payments service from injected collaborators.
func NewService(repo Repository, gw Gateway, cfg Config) *Service {
	return &Service{repo: repo, gw: gw, cfg: cfg}
}

// NewServiceFromDB creates a payments service from a GORM DB handle and a
// gateway.
func NewServiceFromDB(db *gorm.DB, gw Gateway, cfg Config) *Service {
	return NewService(NewRepository(db), gw, cfg)
}

// VerifySession asks the provider whether the checkout session exists and
// returns it regardless of payment status. Verification success is not
// payment success; callers must check IsPaid themselves. No retries, always
// live, never cached.
func (s *Service) VerifySession(ctx context.Context, token string) (PaymentSession, error) {
	if strings.TrimSpace(token) == "" {
		return PaymentSession{}, fmt.Errorf("%w: empty session token", ErrSessionNotFound)
	}
	return s.gw.RetrieveSession(ctx, strings.TrimSpace(token))
}

// CompleteProfile is the synchronous reconciliation path driven by the
// success-page form: verify the session, require it paid, resolve the
// identity correlator, then reconcile with activation. The customer email
// from the session rides along as the secondary correlator even when the
// primary key is the reference id.
func (s *Service) CompleteProfile(ctx context.Context, sessionToken string, fields ProfileFields) (*models.User, Outcome, error) {
	session, err := s.VerifySession(ctx, sessionToken)
	if err != nil {
		return nil, Outcome{}, err
	}
	if !session.IsPaid() {
		return nil, Outcome{}, fmt.Errorf("%w: session %s has payment status %q", ErrSessionUnpaid, session.ID, session.PaymentStatus)
	}

	key, err := ResolveIdentity(session)
	if err != nil {
		return nil, Outcome{}, err
	}

	if fields.Email == "" {
		fields.Email = NormalizeEmail(session.CustomerEmail)
	}
	return s.Reconcile(ctx, key, fields, true)
}

// SessionCorrelator returns the identity correlation id attached to a
// checkout session, for the success page to pick up after redirect.
func (s *Service) SessionCorrelator(ctx context.Context, sessionToken string) (string, error) {
	session, err := s.VerifySession(ctx, sessionToken)
	if err != nil {
		return "", err
	}
	key, err := ResolveIdentity(session)
	if err != nil {
		return "", err
	}
	return key.Value, nil
}
