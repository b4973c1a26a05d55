package controller

import (
	"outreach/services"
	"outreach/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// CronController lets an external scheduler drive the engine.
type CronController struct {
	Engine *services.Engine
	Logger *logrus.Entry
}

func NewCronController(engine *services.Engine) *CronController {
	return &CronController{Engine: engine, Logger: utils.Logger("cron")}
}

// Tick runs one scheduler pass and, unless ?inbox=false, one inbox sync.
func (cc *CronController) Tick(c *fiber.Ctx) error {
	withInbox := c.Query("inbox") != "false"

	report, err := cc.Engine.RunCycle(c.UserContext(), withInbox)
	if err != nil {
		utils.LogError("cron_tick_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Tick failed", err)
	}

	totals := report.Tick.Totals()
	resp := fiber.Map{
		"started_at":          report.Tick.StartedAt,
		"finished_at":         report.Tick.FinishedAt,
		"promoted_campaigns":  report.Tick.PromotedCampaigns,
		"completed_campaigns": report.Tick.CompletedCampaigns,
		"totals":              totals,
		"campaigns":           report.Tick.Campaigns,
		"accounts":            report.Tick.Accounts,
	}
	if report.Inbox != nil {
		resp["inbox"] = report.Inbox
	}
	return c.JSON(utils.SuccessResponse(resp))
}
