package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/taskdeck/taskdeck/app/models"
)

// StartCheckout opens a provider checkout session for the given internal
// reference id. The reference id rides along as the client_reference_id the
// success-page flow later correlates on.
func (s *Service) StartCheckout(ctx context.Context, referenceID, successURL, cancelURL string) (CheckoutSession, error) {
	ref := strings.TrimSpace(referenceID)
	if ref == "" {
		return CheckoutSession{}, errors.New("reference id is required")
	}
	if s.cfg.CheckoutPriceID == "" {
		return CheckoutSession{}, errors.New("CHECKOUT_PRICE_ID is not configured")
	}
	if successURL == "" {
		successURL = s.cfg.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = s.cfg.CancelURL
	}
	if successURL == "" || cancelURL == "" {
		return CheckoutSession{}, errors.New("success and cancel URLs are required")
	}

	return s.gw.CreateCheckoutSession(ctx, CheckoutInput{
		ReferenceID: ref,
		PriceID:     s.cfg.CheckoutPriceID,
		SuccessURL:  successURL,
		CancelURL:   cancelURL,
		// Distinct idempotency key per attempt; retries of a failed request
		// are the client's call.
		IdempotencyKey: uuid.NewString(),
	})
}

// ResyncSubscription re-derives subscription state from the provider for a
// user addressed by email: if any customer under that address holds an active
// subscription, the record is (re)activated through the normal reconciler.
// Activation stays monotonic; a user with no active provider subscription is
// left untouched, never downgraded.
func (s *Service) ResyncSubscription(ctx context.Context, email string) (*models.User, bool, error) {
	addr := NormalizeEmail(email)
	if addr == "" {
		return nil, false, errors.New("email is required")
	}

	customerIDs, err := s.gw.FindCustomerIDsByEmail(ctx, addr)
	if err != nil {
		return nil, false, err
	}

	active := false
	for _, id := range customerIDs {
		has, err := s.gw.HasActiveSubscription(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if has {
			active = true
			break
		}
	}
	if !active {
		return nil, false, nil
	}

	user, _, err := s.Reconcile(ctx, EmailKey(addr), ProfileFields{Email: addr}, true)
	if err != nil {
		return nil, false, fmt.Errorf("resync %s: %w", addr, err)
	}
	return user, true, nil
}
