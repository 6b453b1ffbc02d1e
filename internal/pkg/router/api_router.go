package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/eventspay/payverif/app/controllers"
	"github.com/eventspay/payverif/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "payment verification api",
		})
	})

	payments := api.Group("/payments")
	payments.Post("/verify", controllers.HandleVerifyPayment)

	admin := api.Group("/admin", middleware.APIKeyAuthMiddleware())
	admin.Get("/health", controllers.HandleAdminHealth)
	admin.Get("/active", controllers.HandleAdminActive)
	admin.Get("/processed", controllers.HandleAdminProcessed)
	admin.Post("/sweep", controllers.HandleAdminSweep)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
