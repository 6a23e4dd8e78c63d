package payments

import (
	"busline/internal/shared/middleware"

	"github.com/gin-gonic/gin"
)

// SetupPaymentRoutes configures the payment return, confirm and webhook routes
func SetupPaymentRoutes(rg *gin.RouterGroup, controller Controller, auth *middleware.Auth, limit gin.HandlerFunc) {
	payments := rg.Group("/payments")
	{
		client := payments.Group("")
		client.Use(auth.OptionalAuth())
		if limit != nil {
			client.Use(limit)
		}
		client.POST("/confirm", controller.ConfirmPayment) // POST /api/v1/payments/confirm
		client.GET("/return", controller.HandleReturn)     // GET /api/v1/payments/return?booking_id=&order_ref=&code=

		// Signed by the provider, no user auth
		payments.POST("/webhook", controller.HandleWebhook) // POST /api/v1/payments/webhook
	}
}
