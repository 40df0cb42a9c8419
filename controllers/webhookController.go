package controllers

import (
	"errors"
	"log"
	"time"

	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"
	"chatrelay-backend/models"
	"chatrelay-backend/webhooks"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReceiveWebhook is the single admission endpoint:
// POST /webhooks/inbound/:integrationPublicId.
//
// Every outcome — bad credentials, unknown integration, duplicate
// delivery, internal failure — is answered with HTTP 200 and encoded in
// the body. Most providers treat any non-2xx as "retry aggressively", so
// the status code carries no information here on purpose.
func ReceiveWebhook(c *fiber.Ctx) error {
	publicId := c.Params("integrationPublicId")

	// fasthttp reuses the request buffer; keep our own copy of the body
	// since it outlives the handler (stored verbatim on the event).
	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	var integration models.Integration
	err := db.Where("public_id = ? AND active = ?", publicId, true).First(&integration).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("webhook admission: integration lookup failed: %v", err)
		}
		return c.JSON(fiber.Map{"received": true, "valid": false, "error": "unknown integration"})
	}

	if err := webhooks.Verify(&integration, webhooks.VerifyInput{
		SecretHeader:    c.Get("X-Webhook-Secret"),
		QueryToken:      c.Query("token"),
		SignatureHeader: c.Get("X-Webhook-Signature"),
		Body:            body,
	}); err != nil {
		log.Printf("webhook admission: auth rejected for integration %s: %v", integration.PublicId, err)
		return c.JSON(fiber.Map{"received": true, "valid": false, "error": "authentication failed"})
	}

	env, err := webhooks.Normalize(integration.Provider, body)
	if err != nil {
		return c.JSON(fiber.Map{"received": true, "valid": false, "error": "unparseable payload"})
	}

	token := webhooks.DeriveToken(integration.Provider, env, body, time.Now())
	var contactKey *string
	if env.ContactKey != "" {
		contactKey = &env.ContactKey
	}

	staged, err := events.Stage(eventstore.StageInput{
		TenantId:   integration.TenantId,
		Provider:   integration.Provider,
		EventType:  env.EventType,
		Token:      &token,
		ContactKey: contactKey,
		Payload:    body,
	})
	if err != nil {
		log.Printf("webhook admission: staging failed: %v", err)
		return c.JSON(fiber.Map{"received": true, "valid": false, "error": "staging failed"})
	}

	if staged.IsDuplicate {
		return c.JSON(fiber.Map{
			"received":      true,
			"duplicate":     true,
			"integrationId": integration.PublicId,
			"provider":      integration.Provider,
		})
	}

	job, err := jobs.Enqueue(models.JobTypeMessageProcess, models.MessageProcessPayload{
		EventId:    staged.Event.Id,
		Provider:   integration.Provider,
		ContactKey: env.ContactKey,
	}, jobqueue.EnqueueOptions{
		TenantId:  integration.TenantId,
		ContactId: contactKey,
	})
	if err != nil {
		// The event is durably staged; the retry sweep will produce a job
		// for it once it is marked errored.
		log.Printf("webhook admission: enqueue failed for event %s: %v", staged.Event.Id, err)
		_ = events.MarkError(staged.Event.Id, err, "")
		return c.JSON(fiber.Map{"received": true, "valid": false, "error": "enqueue failed"})
	}

	return c.JSON(fiber.Map{
		"received":      true,
		"jobId":         job.Id,
		"integrationId": integration.PublicId,
		"provider":      integration.Provider,
		"correlationId": uuid.NewString(),
	})
}
