package controller

import (
	"strings"

	"outreach/middleware"
	"outreach/models"
	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// InboxController exposes the inbound log and manual inbox polls.
type InboxController struct {
	DB     *gorm.DB
	Sync   *services.InboxSync
	Logger *logrus.Entry
}

func NewInboxController(db *gorm.DB, sync *services.InboxSync) *InboxController {
	return &InboxController{
		DB:     db,
		Sync:   sync,
		Logger: utils.Logger("inbox"),
	}
}

// orgInbound scopes inbound rows to the org through the polled account or,
// for webhook deliveries, the matched campaign.
func (ic *InboxController) orgInbound(orgID uint) *gorm.DB {
	return ic.DB.Model(&models.InboundEmail{}).
		Joins("LEFT JOIN senders ON senders.id = inbound_emails.sender_id").
		Joins("LEFT JOIN sent_emails ON sent_emails.id = inbound_emails.sent_email_id").
		Joins("LEFT JOIN campaigns ON campaigns.id = sent_emails.campaign_id").
		Where("senders.organization_id = ? OR campaigns.organization_id = ?", orgID, orgID)
}

// GetInboundEmails lists handled replies and bounces, newest first.
// Filters: classification, source, search (subject or from).
func (ic *InboxController) GetInboundEmails(c *fiber.Ctx) error {
	page, limit, offset := utils.Paginate(c)

	query := ic.orgInbound(middleware.OrgID(c))
	if cls := c.Query("classification"); cls != "" {
		query = query.Where("inbound_emails.classification = ?", cls)
	}
	if src := c.Query("source"); src != "" {
		query = query.Where("inbound_emails.source = ?", src)
	}
	if search := strings.TrimSpace(c.Query("search")); search != "" {
		like := "%" + search + "%"
		query = query.Where("inbound_emails.subject LIKE ? OR inbound_emails.\"from\" LIKE ?", like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count emails", err)
	}

	var emails []models.InboundEmail
	if err := query.Select("inbound_emails.*").
		Order("inbound_emails.received_at DESC").
		Offset(offset).Limit(limit).
		Find(&emails).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch emails", err)
	}

	return c.JSON(utils.PaginatedResponse{Data: emails, Total: total, Page: page, Limit: limit})
}

func (ic *InboxController) GetInboundEmail(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var email models.InboundEmail
	if err := ic.orgInbound(middleware.OrgID(c)).
		Select("inbound_emails.*").
		Where("inbound_emails.id = ?", id).
		First(&email).Error; err != nil {
		if notFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Email not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch email", err)
	}
	return c.JSON(utils.SuccessResponse(email))
}

// SyncSender polls one account's inbox now instead of waiting for the
// worker.
func (ic *InboxController) SyncSender(c *fiber.Ctx) error {
	id, err := paramID(c, "id")
	if err != nil {
		return err
	}
	var sender models.Sender
	if err := ic.DB.Where("organization_id = ?", middleware.OrgID(c)).First(&sender, id).Error; err != nil {
		if notFound(err) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
		}
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sender", err)
	}
	if !sender.HasInbox() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Sender has no inbox configured", nil)
	}
	if !sender.IMAPVerified {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Inbox is not verified", nil)
	}

	res, err := ic.Sync.SyncAccount(c.UserContext(), &sender)
	if err != nil {
		ic.Logger.WithError(err).WithField("sender_id", sender.ID).Warn("Manual inbox sync failed")
		res.Error = err.Error()
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"success": false, "data": res})
	}
	return c.JSON(utils.SuccessResponse(res))
}
