package controllers

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/taskdeck/taskdeck/internal/pkg/cache"
	"github.com/taskdeck/taskdeck/internal/pkg/database"
	"github.com/taskdeck/taskdeck/internal/pkg/payments"
)

const requestTimeout = 20 * time.Second

var validate = validator.New()

var (
	paymentSvc     *payments.Service
	paymentSvcOnce sync.Once
)

// PaymentService lazily wires the payments service from the shared database
// handle and the environment-configured Stripe gateway.
func PaymentService() *payments.Service {
	paymentSvcOnce.Do(func() {
		if paymentSvc == nil {
			paymentSvc = payments.NewServiceFromDB(
				database.GetDB(),
				payments.NewStripeGatewayFromEnv(),
				payments.ConfigFromEnv(),
			)
		}
	})
	return paymentSvc
}

// SetPaymentService allows tests to inject a service with fake collaborators.
func SetPaymentService(s *payments.Service) {
	paymentSvc = s
	paymentSvcOnce = sync.Once{}
}

type updateAfterPaymentRequest struct {
	SessionID         string `json:"sessionId" validate:"required"`
	FirstName         string `json:"firstName" validate:"required,max=100"`
	LastName          string `json:"lastName" validate:"required,max=100"`
	Username          string `json:"username" validate:"required,min=3,max=150"`
	ProfilePictureURL string `json:"profilePictureUrl" validate:"omitempty,url,max=255"`
}

// HandleUpdateAfterPayment is the synchronous reconciliation entry: the
// success-page form submits the session token plus profile fields, and the
// service verifies, resolves and reconciles in one pass.
func HandleUpdateAfterPayment(c *fiber.Ctx) error {
	var req updateAfterPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	user, _, err := PaymentService().CompleteProfile(ctx, req.SessionID, payments.ProfileFields{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Username:  req.Username,
		AvatarURL: req.ProfilePictureURL,
	})
	if err != nil {
		return paymentErrorResponse(c, err)
	}

	return c.JSON(fiber.Map{"success": true, "user": user})
}

// HandleGetPaymentSession returns the identity correlation id attached to a
// checkout session, for the success page to pick up after redirect.
func HandleGetPaymentSession(c *fiber.Ctx) error {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "session_id is required"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	correlator, err := PaymentService().SessionCorrelator(ctx, sessionID)
	if err != nil {
		return paymentErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"identityCorrelationId": correlator})
}

// HandlePaymentWebhook receives provider-pushed events. The service rejects
// unauthenticated payloads before touching the store; everything
// authenticated is acknowledged with 200 so the provider stops retrying,
// including event kinds this system drops on purpose.
func HandlePaymentWebhook(c *fiber.Ctx) error {
	rawBody := append([]byte(nil), c.BodyRaw()...)
	signature := c.Get("Stripe-Signature")

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	result, err := PaymentService().HandleWebhook(ctx, rawBody, signature)
	if err != nil {
		if errors.Is(err, payments.ErrSignatureInvalid) {
			trackInvalidSignature()
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
		}
		log.Printf("webhook %s (%s) processing failed: %v", result.EventID, result.EventType, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}

	resp := fiber.Map{"received": true}
	if result.Duplicate {
		resp["duplicate"] = true
	}
	return c.JSON(resp)
}

type checkoutSessionRequest struct {
	ReferenceID string `json:"referenceId" validate:"required,max=191"`
	SuccessURL  string `json:"successUrl" validate:"omitempty,url"`
	CancelURL   string `json:"cancelUrl" validate:"omitempty,url"`
}

// HandleCreateCheckoutSession opens a provider checkout for the given
// internal reference id and returns the hosted payment page URL.
func HandleCreateCheckoutSession(c *fiber.Ctx) error {
	var req checkoutSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	session, err := PaymentService().StartCheckout(ctx, req.ReferenceID, req.SuccessURL, req.CancelURL)
	if err != nil {
		return paymentErrorResponse(c, err)
	}
	return c.JSON(fiber.Map{"sessionId": session.ID, "url": session.URL})
}

type resyncRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// HandleResyncSubscription re-derives subscription state from the provider
// for a user addressed by email.
func HandleResyncSubscription(c *fiber.Ctx) error {
	var req resyncRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	user, activated, err := PaymentService().ResyncSubscription(ctx, req.Email)
	if err != nil {
		return paymentErrorResponse(c, err)
	}
	if !activated {
		return c.JSON(fiber.Map{"success": true, "activated": false})
	}
	return c.JSON(fiber.Map{"success": true, "activated": true, "user": user})
}

// trackInvalidSignature counts rejected webhook signatures per day.
// Security-relevant signal; best-effort, the cache being down must not fail
// the rejection itself.
func trackInvalidSignature() {
	key := "payments:webhook:invalid_signature:" + time.Now().UTC().Format("2006-01-02")
	if _, err := cache.IncrWithTTL(key, 48*time.Hour); err != nil {
		log.Printf("failed to track invalid webhook signature: %v", err)
	}
}
