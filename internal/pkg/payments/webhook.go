package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/taskdeck/taskdeck/app/models"
)

// EventCheckoutCompleted is the only provider event kind that drives
// reconciliation. Everything else is acknowledged and dropped so the provider
// does not retry events this system never acts on.
const EventCheckoutCompleted = "checkout.session.completed"

// WebhookResult reports how an authenticated delivery was handled.
type WebhookResult struct {
	EventID    string
	EventType  string
	Duplicate  bool
	Ignored    bool
	Reconciled bool
}

// HandleWebhook is the asynchronous reconciliation path. Signature
// verification runs before any interpretation of the payload and before any
// store write; an invalid signature therefore leaves zero mutations behind.
// Deliveries are deduplicated by provider event id, so provider retries of an
// already-processed event are acknowledged without re-reconciling.
func (s *Service) HandleWebhook(ctx context.Context, rawBody []byte, signatureHeader string) (WebhookResult, error) {
	event, err := webhook.ConstructEventWithOptions(rawBody, signatureHeader, s.cfg.WebhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	result := WebhookResult{EventID: event.ID, EventType: string(event.Type)}

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(&models.PaymentWebhookEvent{
		Provider:        models.PaymentProviderStripe,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		PayloadJSON:     string(rawBody),
		SignatureValid:  true,
	})
	if err != nil {
		return result, fmt.Errorf("%w: record webhook event: %v", ErrStore, err)
	}
	if !created {
		if stored.ProcessedAt != nil && stored.ProcessingError == "" {
			result.Duplicate = true
			return result, nil
		}
		// The event row exists but its first processing failed or was cut
		// short. The provider retried because we answered 5xx; run the
		// idempotent reconciliation again instead of swallowing the retry.
		result.Duplicate = true
	}

	if !isRecognizedEventType(string(event.Type)) {
		result.Ignored = true
		s.markProcessed(stored.ID, nil)
		return result, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		// Accept and drop: a provider retry of a malformed event will not
		// become well-formed.
		log.Printf("webhook %s: undecodable checkout session payload: %v", event.ID, err)
		result.Ignored = true
		s.markProcessed(stored.ID, err)
		return result, nil
	}

	email := session.CustomerEmail
	if email == "" && session.CustomerDetails != nil {
		email = session.CustomerDetails.Email
	}
	email = NormalizeEmail(email)
	if email == "" {
		log.Printf("webhook %s: checkout session %s has no customer email, dropping", event.ID, session.ID)
		result.Ignored = true
		s.markProcessed(stored.ID, fmt.Errorf("checkout session missing customer email"))
		return result, nil
	}

	// The webhook path keys by verified email; profile fields are typically
	// absent here, so the update is status-only for existing records.
	_, _, reconcileErr := s.Reconcile(ctx, EmailKey(email), ProfileFields{Email: email}, true)
	s.markProcessed(stored.ID, reconcileErr)
	if reconcileErr != nil {
		return result, reconcileErr
	}
	result.Reconciled = true
	return result, nil
}

func (s *Service) markProcessed(eventID uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(eventID, msg); err != nil {
		log.Printf("failed to mark webhook event %d processed: %v", eventID, err)
	}
}

// isRecognizedEventType reports whether this subsystem acts on the event kind.
func isRecognizedEventType(eventType string) bool {
	return strings.EqualFold(strings.TrimSpace(eventType), EventCheckoutCompleted)
}
