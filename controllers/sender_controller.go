package controller

import (
	"context"
	"strings"
	"time"

	"outreach/middleware"
	"outreach/models"
	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

const defaultSenderDailyLimit = 500

type CreateSenderRequest struct {
	Name         string `json:"name" validate:"required"`
	FromEmail    string `json:"from_email" validate:"required,email"`
	FromName     string `json:"from_name" validate:"required"`
	ProviderType string `json:"provider_type" validate:"omitempty,oneof=smtp sendgrid"`

	SMTPHost     string `json:"smtp_host" validate:"required_unless=ProviderType sendgrid"`
	SMTPPort     int    `json:"smtp_port" validate:"omitempty,min=1,max=65535"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"smtp_password"`
	SendGridKey  string `json:"sendgrid_api_key" validate:"required_if=ProviderType sendgrid"`
	Encryption   string `json:"encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`

	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    string `json:"imap_mailbox"`

	OAuthProvider     string `json:"oauth_provider" validate:"omitempty,oneof=google microsoft"`
	OAuthToken        string `json:"oauth_token"`
	OAuthRefreshToken string `json:"oauth_refresh_token"`

	DailyLimit *int `json:"daily_limit" validate:"omitempty,min=0"`
}

type UpdateSenderRequest struct {
	Name         *string `json:"name"`
	FromName     *string `json:"from_name"`
	SMTPPassword *string `json:"smtp_password"`
	IMAPPassword *string `json:"imap_password"`
	IMAPMailbox  *string `json:"imap_mailbox"`
	DailyLimit   *int    `json:"daily_limit" validate:"omitempty,min=0"`
}

type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type SenderController struct {
	DB   *gorm.DB
	Dial services.MailboxDialer
	// TestOutbound checks the sending side; defaults to an SMTP login or a
	// SendGrid key check by provider.
	TestOutbound func(ctx context.Context, s *models.Sender) error
	Timeout      time.Duration
	Logger       *logrus.Entry
}

func NewSenderController(db *gorm.DB, dial services.MailboxDialer) *SenderController {
	return &SenderController{
		DB:           db,
		Dial:         dial,
		TestOutbound: testOutbound,
		Timeout:      30 * time.Second,
		Logger:       utils.Logger("sender"),
	}
}

func testOutbound(ctx context.Context, s *models.Sender) error {
	if s.ProviderType == models.ProviderSendGrid {
		return (&utils.SendGridTransport{}).Test(ctx, s)
	}
	return utils.TestSMTP(ctx, s)
}

func encryptAll(values ...*string) error {
	for _, v := range values {
		if *v == "" {
			continue
		}
		enc, err := utils.Encrypt(*v)
		if err != nil {
			return err
		}
		*v = enc
	}
	return nil
}

func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	claims := middleware.ClaimsFrom(c)

	var req CreateSenderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	provider := req.ProviderType
	if provider == "" {
		provider = models.ProviderSMTP
	}
	secret := req.SMTPPassword
	if provider == models.ProviderSendGrid {
		secret = req.SendGridKey
	}

	// Encrypt sensitive data
	imapPassword, oauthToken, refreshToken := req.IMAPPassword, req.OAuthToken, req.OAuthRefreshToken
	if err := encryptAll(&secret, &imapPassword, &oauthToken, &refreshToken); err != nil {
		sc.Logger.WithError(err).Error("Failed to encrypt sender secrets")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt credentials", err)
	}

	sender := models.Sender{
		OrganizationID:    claims.OrganizationID,
		UserID:            claims.UserID,
		Name:              req.Name,
		FromEmail:         utils.NormalizeEmail(req.FromEmail),
		FromName:          req.FromName,
		ProviderType:      provider,
		SMTPHost:          req.SMTPHost,
		SMTPPort:          req.SMTPPort,
		SMTPUsername:      req.SMTPUsername,
		SMTPPassword:      secret,
		Encryption:        strings.ToUpper(req.Encryption),
		IMAPHost:          req.IMAPHost,
		IMAPPort:          req.IMAPPort,
		IMAPUsername:      req.IMAPUsername,
		IMAPPassword:      imapPassword,
		IMAPEncryption:    strings.ToUpper(req.IMAPEncryption),
		IMAPMailbox:       req.IMAPMailbox,
		OAuthProvider:     req.OAuthProvider,
		OAuthToken:        oauthToken,
		OAuthRefreshToken: refreshToken,
		DailyLimit:        intOr(req.DailyLimit, defaultSenderDailyLimit),
	}
	if sender.SMTPPort == 0 && provider == models.ProviderSMTP {
		sender.SMTPPort = 587
	}
	if sender.IMAPEncryption == "" {
		sender.IMAPEncryption = "SSL"
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		sc.Logger.WithError(err).Error("Failed to create sender")
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sender", err)
	}

	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(sender)
}

func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	var senders []models.Sender
	if err := sc.DB.Where("organization_id = ?", middleware.OrgID(c)).Order("id").Find(&senders).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch senders",
		})
	}

	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(senders)
}

func (sc *SenderController) findSender(c *fiber.Ctx) (*models.Sender, error) {
	id, err := paramID(c, "id")
	if err != nil {
		return nil, err
	}
	var sender models.Sender
	if err := sc.DB.Where("organization_id = ?", middleware.OrgID(c)).First(&sender, id).Error; err != nil {
		if notFound(err) {
			return nil, fiber.NewError(fiber.StatusNotFound, "Sender not found")
		}
		return nil, err
	}
	return &sender, nil
}

func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	sender, err := sc.findSender(c)
	if err != nil {
		return err
	}
	sender.Sanitize()
	return c.JSON(sender)
}

// UpdateSender changes names, limits and secrets. A new secret clears the
// matching verified flag until the account is tested again.
func (sc *SenderController) UpdateSender(c *fiber.Ctx) error {
	sender, err := sc.findSender(c)
	if err != nil {
		return err
	}

	var req UpdateSenderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", nil)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error(), nil)
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.FromName != nil {
		updates["from_name"] = *req.FromName
	}
	if req.IMAPMailbox != nil {
		updates["imap_mailbox"] = *req.IMAPMailbox
	}
	if req.DailyLimit != nil {
		updates["daily_limit"] = *req.DailyLimit
	}
	if req.SMTPPassword != nil {
		enc, err := utils.Encrypt(*req.SMTPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt credentials", err)
		}
		updates["smtp_password"] = enc
		updates["smtp_verified"] = false
	}
	if req.IMAPPassword != nil {
		enc, err := utils.Encrypt(*req.IMAPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt credentials", err)
		}
		updates["imap_password"] = enc
		updates["imap_verified"] = false
	}
	if len(updates) == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Nothing to update", nil)
	}

	if err := sc.DB.Model(sender).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sender", err)
	}
	if err := sc.DB.First(sender, sender.ID).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to reload sender", err)
	}
	sender.Sanitize()
	return c.JSON(sender)
}

func (sc *SenderController) DeleteSender(c *fiber.Ctx) error {
	sender, err := sc.findSender(c)
	if err != nil {
		return err
	}
	err = sc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("DELETE FROM campaign_senders WHERE sender_id = ?", sender.ID).Error; err != nil {
			return err
		}
		return tx.Delete(sender).Error
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	return c.JSON(fiber.Map{"success": true, "message": "Sender deleted"})
}

// VerifySender tests the outbound account and, when configured, the inbox,
// and records the outcome on the sender. Only verified senders are rotated
// into campaigns and polled for replies.
func (sc *SenderController) VerifySender(c *fiber.Ctx) error {
	sender, err := sc.findSender(c)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), sc.Timeout)
	defer cancel()

	log := sc.Logger.WithField("sender_id", sender.ID)
	smtpResult := TestResult{Success: true}
	if err := sc.TestOutbound(ctx, sender); err != nil {
		smtpResult = TestResult{Error: err.Error()}
		log.WithError(err).Warn("Outbound verification failed")
	}

	var imapResult *TestResult
	if sender.HasInbox() {
		imapResult = &TestResult{Success: true}
		if err := services.TestIMAP(ctx, sc.Dial, sender); err != nil {
			imapResult = &TestResult{Error: err.Error()}
			log.WithError(err).Warn("Inbox verification failed")
		}
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"smtp_verified":  smtpResult.Success,
		"imap_verified":  imapResult != nil && imapResult.Success,
		"last_tested_at": now,
		"last_error":     nil,
	}
	switch {
	case !smtpResult.Success:
		updates["last_error"] = smtpResult.Error
	case imapResult != nil && !imapResult.Success:
		updates["last_error"] = imapResult.Error
	}
	if err := sc.DB.Model(&models.Sender{}).Where("id = ?", sender.ID).Updates(updates).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to save verification", err)
	}

	utils.LogEvent("sender_verified", map[string]interface{}{
		"sender_id": sender.ID,
		"smtp":      smtpResult.Success,
		"imap":      imapResult != nil && imapResult.Success,
	})

	return c.JSON(fiber.Map{
		"smtp": smtpResult,
		"imap": imapResult,
	})
}
