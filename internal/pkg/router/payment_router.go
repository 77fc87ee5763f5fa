package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/taskdeck/taskdeck/app/controllers"
)

type PaymentRouter struct {
}

// InstallRouter registers the payment reconciliation surface. The webhook
// route must see the raw request body for signature verification, so no
// body-mutating middleware may run in front of it.
func (h PaymentRouter) InstallRouter(app *fiber.App) {
	app.Post("/users/update-after-payment", controllers.HandleUpdateAfterPayment)

	payments := app.Group("/payments")
	payments.Get("/session", controllers.HandleGetPaymentSession)
	payments.Post("/webhook", controllers.HandlePaymentWebhook)
	payments.Post("/checkout-session", controllers.HandleCreateCheckoutSession)
	payments.Post("/resync", controllers.HandleResyncSubscription)
}

func NewPaymentRouter() *PaymentRouter {
	return &PaymentRouter{}
}
