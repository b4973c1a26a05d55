package controller

import (
	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// WebhookController receives inbound mail posted by email providers.
type WebhookController struct {
	Tracker  *services.Tracker
	Verifier *services.WebhookVerifier
	Logger   *logrus.Entry
}

func NewWebhookController(tracker *services.Tracker, verifier *services.WebhookVerifier) *WebhookController {
	return &WebhookController{
		Tracker:  tracker,
		Verifier: verifier,
		Logger:   utils.Logger("webhook"),
	}
}

// HandleInboundEmail answers 401 when the post cannot be authenticated,
// 400 for payloads it cannot read and 500 when ingestion failed, so the
// provider retries. Basic-auth providers are checked before the body is
// parsed. Mailgun signs inside the form, so a Mailgun body that does not
// parse cannot be authenticated either.
func (wc *WebhookController) HandleInboundEmail(c *fiber.Ctx) error {
	provider := c.Query("provider")
	req := c.Request()

	var form map[string]string
	switch provider {
	case services.ProviderMailgun:
		fields, err := services.FormFields(req)
		if err != nil {
			return wc.reject(c, provider, err)
		}
		form = fields
		if err := wc.Verifier.Verify(provider, req, form); err != nil {
			return wc.reject(c, provider, err)
		}
	case services.ProviderSendGrid, services.ProviderPostmark:
		if err := wc.Verifier.Verify(provider, req, nil); err != nil {
			return wc.reject(c, provider, err)
		}
		form = map[string]string{}
		if provider == services.ProviderSendGrid {
			fields, err := services.FormFields(req)
			if err != nil {
				return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid form body", err)
			}
			form = fields
		}
	default:
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Unknown provider", nil)
	}

	msg, err := services.ParseProviderPayload(provider, req, form)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid inbound payload", err)
	}

	result, err := wc.Tracker.IngestInbound(c.UserContext(), msg)
	if err != nil {
		utils.LogError("inbound_ingest_failed", err, map[string]interface{}{
			"provider":   provider,
			"message_id": msg.MessageID,
		})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to ingest message", nil)
	}

	return c.JSON(utils.SuccessResponse(result))
}

func (wc *WebhookController) reject(c *fiber.Ctx, provider string, err error) error {
	utils.LogEvent("inbound_webhook_rejected", map[string]interface{}{
		"provider": provider,
		"ip":       c.IP(),
		"reason":   err.Error(),
	})
	return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Signature verification failed", nil)
}
