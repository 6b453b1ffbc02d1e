package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/eventspay/payverif/internal/pkg/payment"
	"github.com/eventspay/payverif/internal/pkg/paystore"
)

const requestTimeout = 5 * time.Second

// HealthSource exposes the receiver's per-resource liveness snapshot to the
// admin health endpoint.
type HealthSource interface {
	HealthStatus() map[string]bool
}

// SweepTrigger lets the admin surface force a reconciliation pass.
type SweepTrigger interface {
	RunSweepOnce()
}

var (
	store    *paystore.Store
	health   HealthSource
	sweeper  SweepTrigger
	validate = validator.New()
)

// Setup injects the shared claim store and the receiver-backed collaborators.
// Must be called before any route is served.
func Setup(s *paystore.Store, h HealthSource, sw SweepTrigger) {
	store = s
	health = h
	sweeper = sw
}

// VerifyRequest is the caller-supplied payment identity.
type VerifyRequest struct {
	Email  string `json:"email" validate:"required,email"`
	Amount string `json:"amount" validate:"required"`
}

// HandleVerifyPayment consumes a pending payment by (email, amount). Exactly
// one caller can succeed per claimed payment; everyone else sees not-found.
func HandleVerifyPayment(c *fiber.Ctx) error {
	var req VerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid request body"})
	}

	if err := validate.Struct(req); err != nil {
		fieldErrors := fiber.Map{}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fieldErrors[fe.Field()] = fe.Tag()
			}
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "fields": fieldErrors})
	}

	email := payment.NormalizeEmail(req.Email)
	amount := payment.NormalizeAmount(req.Amount)
	log.Infof("[Verify] Verification request for email=%s amount=%s", email, amount)

	ctx, cancel := context.WithTimeout(c.UserContext(), requestTimeout)
	defer cancel()

	fact, err := store.ConsumeByIdentity(ctx, email, amount)
	if errors.Is(err, paystore.ErrNotFound) {
		log.Infof("[Verify] No matching payment for email=%s amount=%s", email, amount)
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "Payment not found",
			"payment": nil,
		})
	}
	if err != nil {
		log.Errorf("[Verify] Consume failed for email=%s: %v", email, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Verification temporarily unavailable"})
	}

	log.Infof("[Verify] Payment consumed for email=%s paymentId=%s", email, fact.PaymentID)
	return c.JSON(fiber.Map{
		"success": true,
		"message": "Payment verified",
		"payment": fact,
	})
}
