package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/taskdeck/taskdeck/internal/pkg/payments"
)

// paymentErrorResponse maps service errors onto HTTP responses. Client
// mistakes (dead or unpaid sessions) come back as 400 so the UI can tell the
// user; provider outages come back as 502 so the client retries later.
func paymentErrorResponse(c *fiber.Ctx, err error) error {
	switch {
	case payments.IsInvalidSession(err):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_session",
			"message": "The payment session is unknown or not paid.",
		})
	case errors.Is(err, payments.ErrMissingCorrelation):
		// A paid session without any correlator means the checkout was
		// created without a client_reference_id and the provider returned
		// no customer email. Operator attention needed.
		log.Printf("ALERT: paid session without identity correlator: %v", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "missing_correlation",
			"message": "The payment session carries no identity correlator.",
		})
	case errors.Is(err, payments.ErrProviderUnavailable):
		log.Printf("payment provider unavailable: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error":   "provider_unavailable",
			"message": "The payment provider could not be reached.",
		})
	case errors.Is(err, payments.ErrSignatureInvalid):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_signature"})
	default:
		log.Printf("payment request failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error"})
	}
}
