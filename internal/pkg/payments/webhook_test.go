package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"
)

const testWebhookSecret = "whsec_test"

// signatureHeader builds a Stripe-Signature header the way the provider does:
// v1 = HMAC-SHA256(secret, "<timestamp>.<payload>").
func signatureHeader(payload []byte, secret string) string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func checkoutCompletedPayload(eventID, sessionID, email string) []byte {
	emailJSON := "null"
	if email != "" {
		emailJSON = fmt.Sprintf("%q", email)
	}
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"object": "checkout.session",
				"payment_status": "paid",
				"customer_email": %s
			}
		}
	}`, eventID, sessionID, emailJSON))
}

func TestHandleWebhookRejectsInvalidSignature(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	payload := checkoutCompletedPayload("evt_1", "cs_1", "jane@example.com")
	header := signatureHeader(payload, "whsec_wrong")

	_, err := svc.HandleWebhook(context.Background(), payload, header)
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("error = %v, want ErrSignatureInvalid", err)
	}

	// Rejection must leave zero mutations behind, the event row included.
	if repo.eventCount() != 0 {
		t.Fatalf("event count = %d, want 0", repo.eventCount())
	}
	if repo.userCount() != 0 {
		t.Fatalf("user count = %d, want 0", repo.userCount())
	}
}

func TestHandleWebhookCheckoutCompleted(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	payload := checkoutCompletedPayload("evt_1", "cs_1", "jane@example.com")
	result, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	if !result.Reconciled || result.Duplicate || result.Ignored {
		t.Fatalf("result = %+v, want reconciled", result)
	}

	user, err := repo.FindUserByEmail("jane@example.com")
	if err != nil {
		t.Fatalf("user was not created: %v", err)
	}
	if !user.HasActiveSubscription() {
		t.Fatalf("expected active subscription, got %q", user.SubscriptionStatus)
	}

	if repo.eventCount() != 1 {
		t.Fatalf("event count = %d, want 1", repo.eventCount())
	}
	repo.mu.Lock()
	stored := repo.events[0]
	repo.mu.Unlock()
	if !stored.SignatureValid || stored.ProcessedAt == nil || stored.ProcessingError != "" {
		t.Fatalf("stored event not marked processed: %+v", stored)
	}
}

func TestHandleWebhookDeduplicatesDeliveries(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	payload := checkoutCompletedPayload("evt_1", "cs_1", "jane@example.com")
	if _, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret)); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	upsertsAfterFirst := repo.upserts

	result, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !result.Duplicate || result.Reconciled {
		t.Fatalf("result = %+v, want duplicate without reconciliation", result)
	}
	if repo.upserts != upsertsAfterFirst {
		t.Fatalf("redelivery reached the reconciler")
	}
	if repo.eventCount() != 1 {
		t.Fatalf("event count = %d, want 1", repo.eventCount())
	}
}

func TestHandleWebhookIgnoresUnrecognizedEventType(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	payload := []byte(`{"id": "evt_2", "type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`)
	result, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	if !result.Ignored || result.Reconciled {
		t.Fatalf("result = %+v, want ignored", result)
	}
	if repo.userCount() != 0 {
		t.Fatalf("unrecognized event must not touch users")
	}
	// Still recorded for dedup and audit.
	if repo.eventCount() != 1 {
		t.Fatalf("event count = %d, want 1", repo.eventCount())
	}
}

func TestHandleWebhookDropsCompletedSessionWithoutEmail(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	payload := checkoutCompletedPayload("evt_3", "cs_3", "")
	result, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	if !result.Ignored {
		t.Fatalf("result = %+v, want ignored", result)
	}
	if repo.userCount() != 0 {
		t.Fatalf("must not create a user without an email correlator")
	}

	repo.mu.Lock()
	stored := repo.events[0]
	repo.mu.Unlock()
	if stored.ProcessedAt == nil || stored.ProcessingError == "" {
		t.Fatalf("drop reason was not recorded: %+v", stored)
	}
}

func TestHandleWebhookRedeliveryReprocessesFailedEvent(t *testing.T) {
	repo := &flakyRepo{fakeRepo: newFakeRepo(), failUpserts: 1}
	svc := newTestService(repo, newFakeGateway())

	payload := checkoutCompletedPayload("evt_5", "cs_5", "jane@example.com")
	header := signatureHeader(payload, testWebhookSecret)

	// First delivery: the event row is recorded but the reconciliation hits a
	// transient store error, so the handler answers 5xx and the provider will
	// retry.
	_, err := svc.HandleWebhook(context.Background(), payload, header)
	if !errors.Is(err, ErrStore) {
		t.Fatalf("first delivery error = %v, want ErrStore", err)
	}
	if repo.userCount() != 0 {
		t.Fatalf("user count = %d after failed delivery, want 0", repo.userCount())
	}

	// The identical redelivery must run the reconciliation again, not be
	// swallowed as an already-processed duplicate.
	result, err := svc.HandleWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !result.Reconciled {
		t.Fatalf("result = %+v, want reconciled on redelivery", result)
	}

	user, err := repo.FindUserByEmail("jane@example.com")
	if err != nil {
		t.Fatalf("activation was lost: %v", err)
	}
	if !user.HasActiveSubscription() {
		t.Fatalf("expected active subscription, got %q", user.SubscriptionStatus)
	}

	repo.mu.Lock()
	stored := repo.events[0]
	repo.mu.Unlock()
	if stored.ProcessedAt == nil || stored.ProcessingError != "" {
		t.Fatalf("event not settled after redelivery: %+v", stored)
	}

	// Once settled, a further redelivery is a plain duplicate.
	result, err = svc.HandleWebhook(context.Background(), payload, header)
	if err != nil {
		t.Fatalf("third delivery: %v", err)
	}
	if !result.Duplicate || result.Reconciled {
		t.Fatalf("result = %+v, want settled duplicate", result)
	}
	if repo.eventCount() != 1 {
		t.Fatalf("event count = %d, want 1", repo.eventCount())
	}
}

func TestHandleWebhookReaffirmsExistingUser(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway())

	// The synchronous path created and activated the user already.
	if _, _, err := svc.Reconcile(context.Background(), ProviderIDKey("u42"), ProfileFields{
		FirstName: "Jane", Username: "janedoe", Email: "jane@example.com",
	}, true); err != nil {
		t.Fatalf("seed: %v", err)
	}

	payload := checkoutCompletedPayload("evt_4", "cs_4", "jane@example.com")
	result, err := svc.HandleWebhook(context.Background(), payload, signatureHeader(payload, testWebhookSecret))
	if err != nil {
		t.Fatalf("HandleWebhook() error: %v", err)
	}
	if !result.Reconciled {
		t.Fatalf("result = %+v, want reconciled", result)
	}
	if repo.userCount() != 1 {
		t.Fatalf("user count = %d, want 1", repo.userCount())
	}

	user, _ := repo.FindUserByEmail("jane@example.com")
	if !user.HasActiveSubscription() || user.FirstName != "Jane" {
		t.Fatalf("reaffirmation changed the record: %+v", user)
	}
}
