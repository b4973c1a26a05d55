package controller

import (
	"context"
	"time"

	"outreach/middleware"
	"outreach/models"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type DashboardController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
	Now    func() time.Time
}

func NewDashboardController(db *gorm.DB) *DashboardController {
	return &DashboardController{
		DB:     db,
		Logger: utils.Logger("dashboard"),
		Now:    time.Now,
	}
}

type DashboardStats struct {
	TotalEmailSent int64   `json:"total_email_sent"`
	OpenRate       float64 `json:"open_rate"`
	ClickRate      float64 `json:"click_rate"`
	ReplyRate      float64 `json:"reply_rate"`
	BounceRate     float64 `json:"bounce_rate"`
}

type CampaignSummary struct {
	ID        uint    `json:"id"`
	Name      string  `json:"name"`
	Status    string  `json:"status"`
	Sent      int     `json:"sent"`
	OpenRate  float64 `json:"open_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

func percent(n, of int64) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) / float64(of) * 100
}

// GetDashboardStats returns summary statistics for the dashboard cards over
// ?time_frame=day|week|month (default week).
func (dc *DashboardController) GetDashboardStats(c *fiber.Ctx) error {
	orgID := middleware.OrgID(c)

	now := dc.Now().UTC()
	var since time.Time
	switch c.Query("time_frame", "week") {
	case "day":
		since = now.Add(-24 * time.Hour)
	case "month":
		since = now.Add(-30 * 24 * time.Hour)
	default:
		since = now.Add(-7 * 24 * time.Hour)
	}

	var row struct {
		Sent    int64
		Opened  int64
		Clicked int64
		Replied int64
		Bounced int64
	}
	err := dc.DB.Model(&models.SentEmail{}).
		Select(`COUNT(*) AS sent,
			COUNT(sent_emails.opened_at) AS opened,
			COUNT(sent_emails.clicked_at) AS clicked,
			COUNT(sent_emails.replied_at) AS replied,
			COUNT(sent_emails.bounced_at) AS bounced`).
		Joins("JOIN campaigns ON campaigns.id = sent_emails.campaign_id").
		Where("campaigns.organization_id = ? AND sent_emails.sent_at >= ?", orgID, since).
		Scan(&row).Error
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load stats", err)
	}

	var campaigns []models.Campaign
	if err := dc.DB.Where("organization_id = ? AND status IN ?", orgID,
		[]string{models.CampaignActive, models.CampaignScheduled, models.CampaignPaused}).
		Order("sent_count DESC").Limit(10).Find(&campaigns).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load campaigns", err)
	}
	summaries := make([]CampaignSummary, 0, len(campaigns))
	for _, cp := range campaigns {
		summaries = append(summaries, CampaignSummary{
			ID:        cp.ID,
			Name:      cp.Name,
			Status:    cp.Status,
			Sent:      cp.SentCount,
			OpenRate:  percent(int64(cp.UniqueOpenCount), int64(cp.SentCount)),
			ReplyRate: percent(int64(cp.ReplyCount), int64(cp.SentCount)),
		})
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"stats": DashboardStats{
			TotalEmailSent: row.Sent,
			OpenRate:       percent(row.Opened, row.Sent),
			ClickRate:      percent(row.Clicked, row.Sent),
			ReplyRate:      percent(row.Replied, row.Sent),
			BounceRate:     percent(row.Bounced, row.Sent),
		},
		"campaigns": summaries,
	}))
}

type unverifiedSender struct {
	ID           uint       `json:"id"`
	FromEmail    string     `json:"from_email"`
	SMTPVerified bool       `json:"smtp_verified"`
	IMAPVerified bool       `json:"imap_verified"`
	LastError    *string    `json:"last_error"`
	LastTestedAt *time.Time `json:"last_tested_at"`
}

// GetEngineHealth reports what needs operator attention: accounts that
// failed verification, sends that failed today and recipients paused by
// errors.
func (dc *DashboardController) GetEngineHealth(c *fiber.Ctx) error {
	orgID := middleware.OrgID(c)
	startOfDay := dc.Now().UTC().Truncate(24 * time.Hour)

	var senders []unverifiedSender
	if err := dc.DB.Model(&models.Sender{}).
		Where("organization_id = ? AND (smtp_verified = ? OR (imap_host <> '' AND imap_verified = ?))", orgID, false, false).
		Order("id").
		Scan(&senders).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load senders", err)
	}

	var failures []struct {
		ErrorKind string `json:"error_kind"`
		Count     int64  `json:"count"`
	}
	if err := dc.DB.Model(&models.SendAttempt{}).
		Select("send_attempts.error_kind, COUNT(*) AS count").
		Joins("JOIN campaigns ON campaigns.id = send_attempts.campaign_id").
		Where("campaigns.organization_id = ? AND send_attempts.attempted_at >= ?", orgID, startOfDay).
		Group("send_attempts.error_kind").
		Scan(&failures).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load send failures", err)
	}
	var failedToday int64
	for _, f := range failures {
		failedToday += f.Count
	}

	var pausedOnError int64
	if err := dc.DB.Model(&models.Recipient{}).
		Where("organization_id = ? AND status = ? AND last_error <> ''", orgID, models.RecipientPaused).
		Count(&pausedOnError).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count paused recipients", err)
	}

	healthy := len(senders) == 0 && failedToday == 0 && pausedOnError == 0
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"healthy":                    healthy,
		"unverified_accounts":        senders,
		"sends_failed_today":         failedToday,
		"sends_failed_by_kind":       failures,
		"recipients_paused_on_error": pausedOnError,
	}))
}

// Health is the unauthenticated liveness check; it pings the database.
func Health(db *gorm.DB) fiber.Handler {
	return func(c *fiber.Ctx) error {
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"error":  err.Error(),
			})
		}
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	}
}
