package routes

import (
	"github.com/gofiber/fiber/v2"

	"chatrelay-backend/controllers"
	"chatrelay-backend/middlewares"
)

// Register wires all HTTP routes.
func Register(app *fiber.App) {
	// Provider-facing admission endpoint. No JWT, no rate limiter:
	// integrations authenticate with their own credentials and the
	// endpoint must always answer 200 quickly.
	app.Post("/webhooks/inbound/:integrationPublicId", controllers.ReceiveWebhook)

	api := app.Group("/api")

	// Public auth endpoints
	api.Post("/registration", controllers.Register)
	api.Post("/login", controllers.Login)

	// Protected operator endpoints (JWT auth)
	protected := api.Group("")
	protected.Use(middlewares.IsAuthenticatedHeader())

	// Jobs
	protected.Get("/jobs/failed", controllers.ListFailedJobs)
	protected.Get("/jobs/:id", controllers.GetJob)
	protected.Post("/jobs/:id/retry", controllers.RetryJob)
	protected.Post("/jobs/:id/cancel", controllers.CancelJob)

	// Events
	protected.Get("/events/errors", controllers.ListErrorEvents)
	protected.Get("/events/:id", controllers.GetEvent)

	// Integration registry
	protected.Post("/integrations", controllers.CreateIntegration)
	protected.Get("/integrations", controllers.ListIntegrations)
	protected.Post("/integrations/:publicId/deactivate", controllers.DeactivateIntegration)
}
